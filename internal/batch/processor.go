// Package batch absorbs the N-to-1 write impedance between the worker fleet
// and the single relational writer. Workers queue results and failures here;
// one flusher owns the database transactions.
package batch

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/vsavkov/codegraph/internal/store"
)

// Config bounds the processor's buffering.
type Config struct {
	Size          int           // flush when a buffer reaches this many rows
	FlushInterval time.Duration // flush at least this often
	QueueCap      int           // buffer size that forces a synchronous flush
}

// Processor buffers analysis results and failure records and commits them in
// batched transactions. At-least-once: a failed flush re-prepends its items,
// so nothing is lost silently; exact-once lands downstream via the ingestor's
// idempotent MERGE.
type Processor struct {
	store  *store.Store
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	results  []*store.AnalysisResult
	failures []*store.FailedWork

	flushMu sync.Mutex // serializes flush transactions

	flushCh  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a processor over an open store. Call Start before queueing.
func New(st *store.Store, cfg Config, logger *log.Logger) *Processor {
	return &Processor{
		store:   st,
		cfg:     cfg,
		logger:  logger,
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the flush loop.
func (p *Processor) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *Processor) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		case <-p.flushCh:
		}
		// Durability wins over cancellation here; the loop only stops via
		// Shutdown, which flushes once more after it.
		if err := p.ForceFlush(context.Background()); err != nil {
			p.logger.Printf("flush failed, items retained: %v", err)
		}
	}
}

// QueueAnalysisResult buffers one result row. A buffer at capacity flushes
// synchronously so the caller never sees an unbounded wait or a silent drop.
func (p *Processor) QueueAnalysisResult(ctx context.Context, r *store.AnalysisResult) error {
	p.mu.Lock()
	p.results = append(p.results, r)
	n := len(p.results)
	p.mu.Unlock()
	return p.afterQueue(ctx, n)
}

// QueueFailedWork buffers one failure row.
func (p *Processor) QueueFailedWork(ctx context.Context, f *store.FailedWork) error {
	p.mu.Lock()
	p.failures = append(p.failures, f)
	n := len(p.failures)
	p.mu.Unlock()
	return p.afterQueue(ctx, n)
}

func (p *Processor) afterQueue(ctx context.Context, n int) error {
	if n >= p.cfg.QueueCap {
		return p.ForceFlush(ctx)
	}
	if n >= p.cfg.Size {
		select {
		case p.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// ForceFlush commits everything buffered right now in one transaction. On
// failure the items are re-prepended in their original order.
func (p *Processor) ForceFlush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	results := p.results
	failures := p.failures
	p.results = nil
	p.failures = nil
	p.mu.Unlock()

	if len(results) == 0 && len(failures) == 0 {
		return nil
	}

	err := p.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, r := range results {
			if err := store.InsertAnalysisResultTx(ctx, tx, r); err != nil {
				return fmt.Errorf("insert result for item %d: %w", r.WorkItemID, err)
			}
		}
		for _, f := range failures {
			if err := store.InsertFailedWorkTx(ctx, tx, f); err != nil {
				return fmt.Errorf("insert failure for item %d: %w", f.WorkItemID, err)
			}
		}
		return nil
	})
	if err != nil {
		p.mu.Lock()
		p.results = append(results, p.results...)
		p.failures = append(failures, p.failures...)
		p.mu.Unlock()
		return err
	}
	p.logger.Printf("flushed %d results, %d failures", len(results), len(failures))
	return nil
}

// Shutdown stops the flush loop and commits whatever remains. After it
// returns nil, every queued item has been committed.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
	return p.ForceFlush(ctx)
}

// Buffered reports current buffer depths, for the status surface.
func (p *Processor) Buffered() (results, failures int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.results), len(p.failures)
}
