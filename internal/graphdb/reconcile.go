package graphdb

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/vsavkov/codegraph/internal/store"
)

// Reconciler is the two-phase mark/sweep cleaner. Mark flags tracked files
// that no longer exist on disk; Sweep purges flagged files graph-first and
// only then removes their relational rows.
type Reconciler struct {
	runner CypherRunner
	store  *store.Store
	logger *log.Logger
}

// NewReconciler wires a reconciler over the shared runner and store.
func NewReconciler(runner CypherRunner, st *store.Store, logger *log.Logger) *Reconciler {
	return &Reconciler{runner: runner, store: st, logger: logger}
}

// Mark checks every tracked file against the filesystem and flips missing
// ones to pending_deletion. Returns the number of newly flagged files.
func (r *Reconciler) Mark(ctx context.Context) (int, error) {
	files, err := r.store.ActiveFiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("list files: %w", err)
	}
	marked := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		if _, statErr := os.Stat(f.AbsolutePath); statErr == nil {
			continue
		} else if !os.IsNotExist(statErr) {
			// Unreadable is not the same as gone; leave it alone.
			r.logger.Printf("stat %s: %v (leaving untouched)", f.AbsolutePath, statErr)
			continue
		}
		if err := r.store.UpdateFileStatus(ctx, f.Path, store.FilePendingDeletion); err != nil {
			return marked, fmt.Errorf("mark %s: %w", f.Path, err)
		}
		r.logger.Printf("marked for deletion: %s", f.Path)
		marked++
	}
	return marked, nil
}

// Sweep purges all pending_deletion files. The graph delete runs first; the
// relational rows are removed only after it succeeds. A graph failure aborts
// with everything intact so the sweep can be retried.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	files, err := r.store.PendingDeletionFiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending deletions: %w", err)
	}
	if len(files) == 0 {
		return 0, nil
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.AbsolutePath
	}

	if err := r.runner.RunWrite(ctx, []Statement{sweepStatement(paths)}); err != nil {
		return 0, fmt.Errorf("graph purge: %w", err)
	}
	if err := r.store.DeleteFilesByPath(ctx, paths); err != nil {
		return 0, fmt.Errorf("relational purge: %w", err)
	}
	r.logger.Printf("swept %d files", len(paths))
	return len(paths), nil
}

func sweepStatement(paths []string) Statement {
	return Statement{
		Query:  `UNWIND $paths AS p MATCH (n {filePath: p}) DETACH DELETE n`,
		Params: map[string]any{"paths": paths},
	}
}
