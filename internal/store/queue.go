package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNoPendingWork is returned by Claim when the queue is drained.
var ErrNoPendingWork = errors.New("no pending work")

// WorkItem is one claimable unit: analyze a single file at a known hash.
type WorkItem struct {
	ID             int64
	FileID         int64
	FilePath       string
	ContentHash    string
	ProjectContext string
	Status         string
	WorkerID       string
}

// EnqueueWorkTx inserts a pending work item inside the caller's transaction.
func EnqueueWorkTx(ctx context.Context, tx *sql.Tx, fileID int64, filePath, contentHash, projectContext string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO work_queue (file_id, file_path, content_hash, project_context, status)
		 VALUES (?, ?, ?, ?, ?)`,
		fileID, filePath, contentHash, projectContext, TaskPending)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Claim atomically transitions the lowest-id pending item to processing and
// stamps the worker id. The guard and the transition are one conditional
// UPDATE, so two workers racing for the same row cannot both win: the loser's
// UPDATE matches zero rows and falls through to ErrNoPendingWork.
func (s *Store) Claim(ctx context.Context, workerID string) (*WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE work_queue
		 SET status = ?, worker_id = ?, started_at = ?
		 WHERE id = (SELECT id FROM work_queue WHERE status = ? ORDER BY id LIMIT 1)
		   AND status = ?
		 RETURNING id, file_id, file_path, content_hash, project_context, status, worker_id`,
		TaskProcessing, workerID, time.Now().UTC(), TaskPending, TaskPending)
	return scanClaim(row)
}

// ClaimSpecific claims one known item under the same pending guard.
func (s *Store) ClaimSpecific(ctx context.Context, id int64, workerID string) (*WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE work_queue
		 SET status = ?, worker_id = ?, started_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING id, file_id, file_path, content_hash, project_context, status, worker_id`,
		TaskProcessing, workerID, time.Now().UTC(), id, TaskPending)
	return scanClaim(row)
}

func scanClaim(row *sql.Row) (*WorkItem, error) {
	var w WorkItem
	var fileID sql.NullInt64
	var workerID sql.NullString
	err := row.Scan(&w.ID, &fileID, &w.FilePath, &w.ContentHash, &w.ProjectContext, &w.Status, &workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPendingWork
	}
	if err != nil {
		return nil, err
	}
	w.FileID = fileID.Int64
	w.WorkerID = workerID.String
	return &w, nil
}

// CompleteWorkTx marks a claimed item completed inside the caller's
// transaction (the batch flush that persists its result).
func CompleteWorkTx(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE work_queue SET status = ?, finished_at = ? WHERE id = ?`,
		TaskCompleted, time.Now().UTC(), id)
	return err
}

// FailWorkTx marks a claimed item failed inside the caller's transaction.
func FailWorkTx(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE work_queue SET status = ?, finished_at = ? WHERE id = ?`,
		TaskFailed, time.Now().UTC(), id)
	return err
}

// QueueCounts returns the number of work items per status.
func (s *Store) QueueCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// QueueCountsSince returns per-status counts of work items that reached a
// terminal state at or after since. Items still pending or processing are
// counted regardless, as they belong to the current run by definition.
func (s *Store) QueueCountsSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM work_queue
		 WHERE finished_at IS NULL OR finished_at >= ?
		 GROUP BY status`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
