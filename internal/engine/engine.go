// Package engine sequences one pipeline run: scout, analysis pool, graph
// ingestion, relationship resolution, and the optional reconcile pass. It
// owns the run's lifecycle state so the control plane can report status and
// stop a run mid-flight.
package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vsavkov/codegraph/internal/analyzer"
	"github.com/vsavkov/codegraph/internal/batch"
	"github.com/vsavkov/codegraph/internal/config"
	"github.com/vsavkov/codegraph/internal/graphdb"
	"github.com/vsavkov/codegraph/internal/llm"
	"github.com/vsavkov/codegraph/internal/resolver"
	"github.com/vsavkov/codegraph/internal/scout"
	"github.com/vsavkov/codegraph/internal/store"
)

// logTailLines bounds the in-memory log tail exposed over the status surface.
const logTailLines = 200

type RunOptions struct {
	// RunID is a globally unique identifier. If empty, one is generated (ULID).
	RunID string

	// TargetDir overrides the configured target directory when non-empty.
	TargetDir string

	// Workers overrides worker.count when > 0.
	Workers int

	// Reconcile forces the mark/sweep pass regardless of config.
	Reconcile bool

	// SkipResolver disables the relationship passes for this run.
	SkipResolver bool
}

func (o *RunOptions) applyDefaults(cfg *config.Config) {
	if o.RunID == "" {
		o.RunID = ulid.Make().String()
	}
	if o.TargetDir == "" {
		o.TargetDir = cfg.TargetDir
	}
	if o.Workers <= 0 {
		o.Workers = cfg.Worker.Count
	}
	if cfg.Reconcile {
		o.Reconcile = true
	}
}

// Engine drives one run at a time. Dependencies are injected; Connect the
// graph client and register LLM providers before calling Run.
type Engine struct {
	cfg    *config.Config
	store  *store.Store
	graph  graphdb.CypherRunner
	llm    llm.Completer
	ring   *LogRing
	logger *log.Logger

	mu        sync.Mutex
	runID     string
	phase     Phase
	targetDir string
	startedAt time.Time
	counters  Counters
	lastErr   string
	cancel    context.CancelFunc
}

// New wires an engine. Log lines go to out and to the status ring.
func New(cfg *config.Config, st *store.Store, graph graphdb.CypherRunner, completer llm.Completer, out io.Writer) *Engine {
	ring := NewLogRing(logTailLines)
	return &Engine{
		cfg:    cfg,
		store:  st,
		graph:  graph,
		llm:    completer,
		ring:   ring,
		logger: log.New(io.MultiWriter(out, ring), "[engine] ", log.LstdFlags),
	}
}

// Logger exposes the engine's fan-out logger so components share the tail.
func (e *Engine) Logger() *log.Logger { return e.logger }

// Run executes the full pipeline once. It returns the terminal summary; a
// context cancellation surfaces as phase "stopped", any other failure as
// "failed" with the error recorded.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	opts.applyDefaults(e.cfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("a run is already in progress")
	}
	e.runID = opts.RunID
	e.phase = PhaseInit
	e.targetDir = opts.TargetDir
	e.startedAt = time.Now().UTC()
	e.counters = Counters{}
	e.lastErr = ""
	e.cancel = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	e.logger.Printf("run %s starting against %s", opts.RunID, opts.TargetDir)
	err := e.runPhases(ctx, opts)

	e.mu.Lock()
	switch {
	case err == nil:
		e.phase = PhaseDone
	case ctx.Err() != nil:
		e.phase = PhaseStopped
		e.lastErr = ctx.Err().Error()
	default:
		e.phase = PhaseFailed
		e.lastErr = err.Error()
	}
	res := &Result{
		RunID:    e.runID,
		Phase:    e.phase,
		Counters: e.counters,
		Duration: time.Since(e.startedAt),
	}
	e.mu.Unlock()

	e.logger.Printf("run %s finished: %s in %s", res.RunID, res.Phase, res.Duration.Round(time.Millisecond))
	return res, err
}

func (e *Engine) runPhases(ctx context.Context, opts RunOptions) error {
	// Scout.
	e.setPhase(PhaseScout)
	sc, err := scout.New(e.store, opts.TargetDir, e.cfg.ExcludeGlobs, e.logger)
	if err != nil {
		return fmt.Errorf("scout: %w", err)
	}
	scanRes, err := sc.Run(ctx)
	if err != nil {
		return fmt.Errorf("scout: %w", err)
	}
	e.updateCounters(func(c *Counters) {
		c.FilesScanned = scanRes.Scanned
		c.FilesNew = scanRes.New
		c.FilesModified = scanRes.Modified
		c.FilesDeleted = scanRes.Deleted
		c.FilesRenamed = scanRes.Renamed
	})

	// Analysis pool. Runs even when the snapshot is unchanged: earlier runs
	// may have left claimed or pending work behind.
	e.setPhase(PhaseAnalyze)
	if err := e.runAnalysisPool(ctx, opts); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	// Scoped to items finished during this run; whole-table counts would
	// carry every prior run's tasks into the counters.
	queueCounts, err := e.store.QueueCountsSince(ctx, e.startedAt)
	if err != nil {
		return fmt.Errorf("queue counts: %w", err)
	}
	e.updateCounters(func(c *Counters) {
		c.TasksCompleted = queueCounts[store.TaskCompleted]
		c.TasksFailed = queueCounts[store.TaskFailed]
	})

	// Ingest.
	e.setPhase(PhaseIngest)
	ingestor := graphdb.NewIngestor(e.graph, e.store, e.cfg.Batch.Size, e.logger)
	istats, err := ingestor.Run(ctx)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	e.updateCounters(func(c *Counters) {
		c.ResultsIngested += istats.Results
		c.ResultsInvalid += istats.Invalid
		c.Nodes += istats.Nodes
		c.Relationships += istats.Relationships
	})

	// Resolve, then a second ingest to project the resolver's batches.
	if e.cfg.Resolver && !opts.SkipResolver {
		e.setPhase(PhaseResolve)
		res := resolver.New(e.store, e.llm, resolver.Config{
			Provider: e.cfg.LLM.Provider,
			Model:    e.cfg.LLM.Model,
		}, e.logger)
		rstats, err := res.Run(ctx)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		e.updateCounters(func(c *Counters) {
			c.ResolvedIntra = rstats.IntraFile
			c.ResolvedDir = rstats.IntraDir
			c.ResolvedGlobal = rstats.Global
		})

		e.setPhase(PhaseIngest)
		istats, err = ingestor.Run(ctx)
		if err != nil {
			return fmt.Errorf("ingest resolved: %w", err)
		}
		e.updateCounters(func(c *Counters) {
			c.ResultsIngested += istats.Results
			c.ResultsInvalid += istats.Invalid
			c.Relationships += istats.Relationships
		})
	}

	// Reconcile.
	if opts.Reconcile {
		e.setPhase(PhaseReconcile)
		rec := graphdb.NewReconciler(e.graph, e.store, e.logger)
		marked, err := rec.Mark(ctx)
		if err != nil {
			return fmt.Errorf("reconcile mark: %w", err)
		}
		swept, err := rec.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("reconcile sweep: %w", err)
		}
		e.updateCounters(func(c *Counters) {
			c.FilesMarked = marked
			c.FilesSwept = swept
		})
	}
	return nil
}

// runAnalysisPool drains the work queue with opts.Workers concurrent workers
// sharing one batch processor. The first worker error wins; remaining workers
// finish their current task and exit via the shared context.
func (e *Engine) runAnalysisPool(ctx context.Context, opts RunOptions) error {
	processor := batch.New(e.store, batch.Config{
		Size:          e.cfg.Batch.Size,
		FlushInterval: time.Duration(e.cfg.Batch.FlushIntervalMS) * time.Millisecond,
		QueueCap:      e.cfg.Batch.QueueCap,
	}, e.logger)
	processor.Start()

	workerCfg := analyzer.Config{
		TargetDir:        opts.TargetDir,
		Provider:         e.cfg.LLM.Provider,
		Model:            e.cfg.LLM.Model,
		MaxAttempts:      e.cfg.Worker.MaxAttempts,
		MaxFileSizeBytes: int64(e.cfg.Worker.MaxFileSizeBytes),
		ChunkThreshold:   e.cfg.Worker.ChunkThresholdBytes,
		ChunkSize:        e.cfg.Worker.ChunkSizeBytes,
		ChunkOverlap:     e.cfg.Worker.ChunkOverlapLines,
	}

	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once
	for i := 0; i < opts.Workers; i++ {
		w := analyzer.NewWorker(fmt.Sprintf("worker-%d", i+1), e.store, e.llm, processor, workerCfg, e.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(poolCtx); err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}()
	}
	wg.Wait()

	// Flush whatever the pool produced even when a worker failed; queued
	// results are valid work regardless.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := processor.Shutdown(shutdownCtx); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("batch shutdown: %w", err)
		} else {
			e.logger.Printf("batch shutdown after worker failure: %v", err)
		}
	}
	return firstErr
}

// Status returns a point-in-time snapshot of the current or last run.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		RunID:     e.runID,
		Phase:     e.phase,
		TargetDir: e.targetDir,
		StartedAt: e.startedAt,
		Counters:  e.counters,
		LogTail:   e.ring.Lines(),
		Error:     e.lastErr,
	}
}

// Stop cancels the in-flight run, if any. Reports whether a run was active.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return false
	}
	e.cancel()
	return true
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
	e.logger.Printf("phase: %s", p)
}

func (e *Engine) updateCounters(fn func(*Counters)) {
	e.mu.Lock()
	fn(&e.counters)
	e.mu.Unlock()
}
