package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// AnalysisResult is one validated (or terminally skipped) LLM output row,
// queued for graph ingestion.
type AnalysisResult struct {
	ID                   int64
	WorkItemID           int64
	FilePath             string
	AbsoluteFilePath     string
	LLMOutput            string
	Status               string
	ValidationPassed     bool
	EntitiesCount        int
	RelationshipsCount   int
	RetryCount           int
	ProcessingDurationMS int64
}

// FailedWork is one append-only failure log row.
type FailedWork struct {
	ID          int64
	WorkItemID  int64
	ErrorMessage string
	ErrorType   string
	RetryCount  int
}

// InsertAnalysisResultTx writes one result row and completes its work item in
// the same transaction (one flush, one transaction). Rows without a work item
// (the resolver's synthesized relationship batches) store NULL and leave the
// queue alone.
func InsertAnalysisResultTx(ctx context.Context, tx *sql.Tx, r *AnalysisResult) error {
	workItemID := sql.NullInt64{Int64: r.WorkItemID, Valid: r.WorkItemID != 0}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO analysis_results
		 (work_item_id, file_path, absolute_file_path, llm_output, status, validation_passed,
		  entities_count, relationships_count, retry_count, processing_duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		workItemID, r.FilePath, r.AbsoluteFilePath, r.LLMOutput, r.Status,
		boolToInt(r.ValidationPassed), r.EntitiesCount, r.RelationshipsCount,
		r.RetryCount, r.ProcessingDurationMS)
	if err != nil {
		return err
	}
	r.ID, _ = res.LastInsertId()
	if !workItemID.Valid {
		return nil
	}
	return CompleteWorkTx(ctx, tx, r.WorkItemID)
}

// InsertFailedWorkTx appends a failure row and fails its work item in the
// same transaction.
func InsertFailedWorkTx(ctx context.Context, tx *sql.Tx, f *FailedWork) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO failed_work (work_item_id, error_message, error_type, retry_count, last_retry_at)
		 VALUES (?, ?, ?, ?, ?)`,
		f.WorkItemID, f.ErrorMessage, f.ErrorType, f.RetryCount, time.Now().UTC())
	if err != nil {
		return err
	}
	f.ID, _ = res.LastInsertId()
	return FailWorkTx(ctx, tx, f.WorkItemID)
}

// PendingResults returns up to limit rows awaiting graph ingestion, oldest
// first so ingestion order tracks completion order.
func (s *Store) PendingResults(ctx context.Context, limit int) ([]AnalysisResult, error) {
	return s.ResultsByStatus(ctx, ResultPendingIngestion, limit)
}

// ResultsByStatus returns up to limit rows with the given status, oldest
// first.
func (s *Store) ResultsByStatus(ctx context.Context, status string, limit int) ([]AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, work_item_id, file_path, absolute_file_path, llm_output, status,
		        validation_passed, entities_count, relationships_count, retry_count, processing_duration_ms
		 FROM analysis_results WHERE status = ? ORDER BY id LIMIT ?`,
		status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnalysisResult
	for rows.Next() {
		var r AnalysisResult
		var workItemID sql.NullInt64
		var passed int
		if err := rows.Scan(&r.ID, &workItemID, &r.FilePath, &r.AbsoluteFilePath, &r.LLMOutput,
			&r.Status, &passed, &r.EntitiesCount, &r.RelationshipsCount, &r.RetryCount,
			&r.ProcessingDurationMS); err != nil {
			return nil, err
		}
		r.WorkItemID = workItemID.Int64
		r.ValidationPassed = passed != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkResultsIngested flips the given result rows to their terminal state.
// Called only after the graph transaction has committed.
func (s *Store) MarkResultsIngested(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE analysis_results SET status = ?, updated_at = ? WHERE id IN (` +
		placeholders(len(ids)) + `)`
	args := make([]any, 0, len(ids)+2)
	args = append(args, ResultIngested, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// MarkResultValidationFailed records a result that parsed but can never be
// ingested; kept for post-mortem rather than retried forever.
func (s *Store) MarkResultValidationFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE analysis_results SET status = ?, updated_at = ? WHERE id = ?`,
		ResultValidationFailed, time.Now().UTC(), id)
	return err
}

// ResultCounts returns analysis result totals per status.
func (s *Store) ResultCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM analysis_results GROUP BY status`)
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

// FailedWorkCount returns the size of the failure log.
func (s *Store) FailedWorkCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_work`).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
