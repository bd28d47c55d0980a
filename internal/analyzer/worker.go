// Package analyzer turns claimed work items into validated analysis results:
// read the file, build the guardrail prompt, call the model with classified
// retries, sanitize and schema-check the response, and hand the normalized
// JSON to the batch processor.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/src-d/enry/v2"

	"github.com/vsavkov/codegraph/internal/llm"
	"github.com/vsavkov/codegraph/internal/model"
	"github.com/vsavkov/codegraph/internal/store"
)

// Failure types recorded in the failure log.
const (
	FailLLMCall       = "LLM_CALL_FAILED"
	FailValidation    = "VALIDATION_FAILED"
	FailFileNotFound  = "FILE_NOT_FOUND"
	FailPathTraversal = "PATH_TRAVERSAL"
	FailReadError     = "READ_ERROR"
	FailUnexpected    = "UNEXPECTED"
)

// ResultSink receives finished work. The batch processor implements it;
// tests substitute fakes.
type ResultSink interface {
	QueueAnalysisResult(ctx context.Context, r *store.AnalysisResult) error
	QueueFailedWork(ctx context.Context, f *store.FailedWork) error
}

// Config bounds one worker's behavior.
type Config struct {
	TargetDir        string
	Provider         string
	Model            string
	MaxAttempts      int
	MaxFileSizeBytes int64
	ChunkThreshold   int
	ChunkSize        int
	ChunkOverlap     int
}

// Worker is one member of the analysis pool. Workers share the store, the
// completion client, and the sink; each claims tasks independently.
type Worker struct {
	id     string
	store  *store.Store
	llm    llm.Completer
	sink   ResultSink
	cfg    Config
	logger *log.Logger

	// retryDelay is swappable in tests to avoid real backoff sleeps.
	retryDelay func(err error, class llm.RetryClass, attempt int, seed string) time.Duration
}

// NewWorker wires one worker. All dependencies are injected; the worker owns
// nothing but its claim loop.
func NewWorker(id string, st *store.Store, completer llm.Completer, sink ResultSink, cfg Config, logger *log.Logger) *Worker {
	return &Worker{
		id: id, store: st, llm: completer, sink: sink, cfg: cfg, logger: logger,
		retryDelay: llm.RetryDelay,
	}
}

// Run claims and processes tasks until the queue drains or the context is
// canceled. Cancellation is checked between tasks, never mid-task, so an
// in-flight item always reaches a terminal record.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := w.store.Claim(ctx, w.id)
		if errors.Is(err, store.ErrNoPendingWork) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		// The claimed item runs detached from the pool's cancel: aborting it
		// mid-flight would strand the row in processing with no reclaim path.
		// The completion client bounds the call with its own timeout.
		if err := w.Process(context.WithoutCancel(ctx), item); err != nil {
			return err
		}
	}
}

// Process converts one claimed item into either an analysis result or a
// failure record. Only sink and context errors propagate; per-file problems
// are recorded and swallowed so one bad file never stops the fleet.
func (w *Worker) Process(ctx context.Context, item *store.WorkItem) error {
	start := time.Now()

	abs, guardErr := w.resolvePath(item.FilePath)
	if guardErr != nil {
		// Full detail stays in the internal log; the failure row carries a
		// generic message.
		w.logger.Printf("path guard rejected %q: %v", item.FilePath, guardErr)
		return w.queueFailure(ctx, item, FailPathTraversal, "Invalid file path", 0)
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return w.queueFailure(ctx, item, FailFileNotFound, fmt.Sprintf("file not found: %s", abs), 0)
		}
		return w.queueFailure(ctx, item, FailReadError, fmt.Sprintf("read failed: %s", abs), 0)
	}

	if int64(len(content)) > w.cfg.MaxFileSizeBytes {
		return w.queueSkippedTooLarge(ctx, item, abs, len(content), start)
	}

	language := enry.GetLanguage(filepath.Base(abs), content)

	var chunks []Chunk
	if len(content) > w.cfg.ChunkThreshold {
		chunks = SplitIntoChunks(string(content), w.cfg.ChunkSize, w.cfg.ChunkOverlap)
		w.logger.Printf("%s: %d bytes split into %d chunks", abs, len(content), len(chunks))
	} else {
		chunks = []Chunk{{Index: 0, Total: 1, StartLine: 1, Content: string(content)}}
	}

	parts := make([]*model.FileAnalysis, 0, len(chunks))
	retries := 0
	for _, c := range chunks {
		out := w.analyzeChunk(ctx, item, language, abs, c)
		retries += out.attempts - 1
		if out.err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return w.queueFailure(ctx, item, errorTypeFor(out.err), out.err.Error(), retries)
		}
		parts = append(parts, out.analysis)
	}

	analysis := model.MergeAnalyses(abs, parts)
	analysis.Normalize(abs)
	payload, err := json.Marshal(analysis)
	if err != nil {
		return w.queueFailure(ctx, item, FailUnexpected, fmt.Sprintf("encode analysis: %v", err), retries)
	}

	return w.sink.QueueAnalysisResult(ctx, &store.AnalysisResult{
		WorkItemID:           item.ID,
		FilePath:             w.relPath(abs),
		AbsoluteFilePath:     abs,
		LLMOutput:            string(payload),
		Status:               store.ResultPendingIngestion,
		ValidationPassed:     true,
		EntitiesCount:        len(analysis.Entities),
		RelationshipsCount:   len(analysis.Relationships),
		RetryCount:           retries,
		ProcessingDurationMS: time.Since(start).Milliseconds(),
	})
}

// outcome is the result of analyzing one chunk.
type outcome struct {
	analysis *model.FileAnalysis
	attempts int
	err      error
}

// analyzeChunk runs the retry loop for one chunk: call, sanitize, validate,
// and on validation failure swap the user prompt for a correction prompt
// quoting the rejected output.
func (w *Worker) analyzeChunk(ctx context.Context, item *store.WorkItem, language, abs string, c Chunk) outcome {
	system, user := BuildAnalysisPrompt(language, abs, c.Content, c.Note(), item.ProjectContext)

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			class := llm.ClassifyError(lastErr)
			if isValidationErr(lastErr) {
				class = llm.ClassValidation
			}
			seed := fmt.Sprintf("%s|%s|%d|%d", w.id, abs, c.Index, attempt)
			if err := sleepCtx(ctx, w.retryDelay(lastErr, class, attempt-1, seed)); err != nil {
				return outcome{attempts: attempt, err: err}
			}
		}

		resp, err := w.llm.Complete(ctx, llm.Request{
			Provider: w.cfg.Provider,
			Model:    w.cfg.Model,
			System:   system,
			User:     user,
		})
		if err != nil {
			if !llm.IsRetryable(err) {
				return outcome{attempts: attempt, err: err}
			}
			w.logger.Printf("%s chunk %d attempt %d/%d: %v", abs, c.Index, attempt, w.cfg.MaxAttempts, err)
			lastErr = err
			continue
		}

		analysis, perr := ParseOutput(resp.Body)
		if perr != nil {
			w.logger.Printf("%s chunk %d attempt %d/%d rejected: %v", abs, c.Index, attempt, w.cfg.MaxAttempts, perr)
			lastErr = perr
			user = BuildCorrectionPrompt(perr, resp.Body)
			continue
		}
		return outcome{analysis: analysis, attempts: attempt}
	}
	return outcome{
		attempts: w.cfg.MaxAttempts,
		err:      fmt.Errorf("giving up after %d attempts: %w", w.cfg.MaxAttempts, lastErr),
	}
}

// resolvePath cleans the claimed path and confirms it stays under the target
// directory.
func (w *Worker) resolvePath(path string) (string, error) {
	abs := filepath.Clean(path)
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(w.cfg.TargetDir, abs)
	}
	rel, err := filepath.Rel(w.cfg.TargetDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes target dir %q", path, w.cfg.TargetDir)
	}
	return abs, nil
}

func (w *Worker) relPath(abs string) string {
	if rel, err := filepath.Rel(w.cfg.TargetDir, abs); err == nil {
		return filepath.ToSlash(rel)
	}
	return abs
}

func (w *Worker) queueFailure(ctx context.Context, item *store.WorkItem, errType, msg string, retries int) error {
	return w.sink.QueueFailedWork(ctx, &store.FailedWork{
		WorkItemID:   item.ID,
		ErrorMessage: msg,
		ErrorType:    errType,
		RetryCount:   retries,
	})
}

// queueSkippedTooLarge records an oversized file as a terminal, empty result
// rather than a failure: the file is known, just not analyzable.
func (w *Worker) queueSkippedTooLarge(ctx context.Context, item *store.WorkItem, abs string, size int, start time.Time) error {
	w.logger.Printf("%s: %d bytes exceeds limit %d, skipping", abs, size, w.cfg.MaxFileSizeBytes)
	empty, _ := json.Marshal(&model.FileAnalysis{
		FilePath:      abs,
		Entities:      []model.Entity{},
		Relationships: []model.Relationship{},
	})
	return w.sink.QueueAnalysisResult(ctx, &store.AnalysisResult{
		WorkItemID:           item.ID,
		FilePath:             w.relPath(abs),
		AbsoluteFilePath:     abs,
		LLMOutput:            string(empty),
		Status:               store.ResultSkippedTooLarge,
		ProcessingDurationMS: time.Since(start).Milliseconds(),
	})
}

func errorTypeFor(err error) string {
	switch {
	case isValidationErr(err):
		return FailValidation
	case llm.IsRetryable(err), llm.IsAuthenticationError(err), llm.IsRateLimited(err), llm.IsTimeout(err):
		return FailLLMCall
	default:
		var le llm.Error
		if errors.As(err, &le) {
			return FailLLMCall
		}
		return FailUnexpected
	}
}

func isValidationErr(err error) bool {
	return errors.Is(err, ErrInvalidJSON) || errors.Is(err, ErrSchemaValidation)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
