package store

import (
	"context"
	"database/sql"
)

// RefactoringTask is a pending graph-side mutation derived from a filesystem
// rename or delete.
type RefactoringTask struct {
	ID              int64
	Kind            string // DELETE or RENAME
	OldAbsolutePath string
	NewAbsolutePath string // empty for DELETE
	Status          string
}

// InsertRefactoringTaskTx records a task inside the caller's transaction.
func InsertRefactoringTaskTx(ctx context.Context, tx *sql.Tx, t *RefactoringTask) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO refactoring_tasks (kind, old_absolute_path, new_absolute_path, status)
		 VALUES (?, ?, NULLIF(?, ''), ?)`,
		t.Kind, t.OldAbsolutePath, t.NewAbsolutePath, RefactoringPending)
	if err != nil {
		return err
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// PendingRefactoringTasks returns tasks awaiting graph application, oldest
// first so a rename chain (a->b, b->c) replays in order.
func (s *Store) PendingRefactoringTasks(ctx context.Context) ([]RefactoringTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, old_absolute_path, COALESCE(new_absolute_path, ''), status
		 FROM refactoring_tasks WHERE status = ? ORDER BY id`, RefactoringPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RefactoringTask
	for rows.Next() {
		var t RefactoringTask
		if err := rows.Scan(&t.ID, &t.Kind, &t.OldAbsolutePath, &t.NewAbsolutePath, &t.Status); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkRefactoringTasksCompleted flips tasks to completed after the graph
// transaction that applied them has committed.
func (s *Store) MarkRefactoringTasksCompleted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE refactoring_tasks SET status = ? WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, 0, len(ids)+1)
	args = append(args, RefactoringCompleted)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
