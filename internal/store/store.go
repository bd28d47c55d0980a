// Package store is the relational layer: authoritative intermediate state
// for the ingestion pipeline. SQLite in WAL mode; writers serialize at the
// transaction level, which is why all worker-side writes funnel through the
// batch processor.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// FileStatus values drive the file lifecycle.
const (
	FilePending         = "pending"
	FileProcessing      = "processing"
	FileCompleted       = "completed"
	FileFailed          = "failed"
	FilePendingDeletion = "pending_deletion"
)

// Work item statuses.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Analysis result statuses.
const (
	ResultPendingIngestion = "pending_ingestion"
	ResultIngested         = "ingested"
	ResultValidationFailed = "validation_failed"
	ResultSkippedTooLarge  = "skipped_file_too_large"
)

// Refactoring task states and kinds.
const (
	RefactoringPending   = "pending"
	RefactoringCompleted = "completed"

	RefactoringDelete = "DELETE"
	RefactoringRename = "RENAME"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	path          TEXT NOT NULL UNIQUE,
	absolute_path TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	language      TEXT NOT NULL DEFAULT '',
	size          INTEGER NOT NULL DEFAULT 0,
	special_type  TEXT,
	status        TEXT NOT NULL DEFAULT 'pending',
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);

CREATE TABLE IF NOT EXISTS file_state (
	path         TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	last_scanned TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS snapshot_meta (
	id     INTEGER PRIMARY KEY CHECK (id = 1),
	digest TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS work_queue (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id         INTEGER REFERENCES files(id) ON DELETE CASCADE,
	file_path       TEXT NOT NULL,
	content_hash    TEXT NOT NULL,
	project_context TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	worker_id       TEXT,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at      TIMESTAMP,
	finished_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_work_queue_status ON work_queue(status);

CREATE TABLE IF NOT EXISTS analysis_results (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	work_item_id           INTEGER REFERENCES work_queue(id) ON DELETE SET NULL,
	file_path              TEXT NOT NULL,
	absolute_file_path     TEXT NOT NULL,
	llm_output             TEXT NOT NULL,
	status                 TEXT NOT NULL DEFAULT 'pending_ingestion',
	validation_passed      INTEGER NOT NULL DEFAULT 0,
	entities_count         INTEGER NOT NULL DEFAULT 0,
	relationships_count    INTEGER NOT NULL DEFAULT 0,
	retry_count            INTEGER NOT NULL DEFAULT 0,
	processing_duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at             TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at             TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_analysis_results_status ON analysis_results(status);

CREATE TABLE IF NOT EXISTS failed_work (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	work_item_id  INTEGER REFERENCES work_queue(id) ON DELETE SET NULL,
	error_message TEXT NOT NULL,
	error_type    TEXT NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	last_retry_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS refactoring_tasks (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	kind              TEXT NOT NULL CHECK (kind IN ('DELETE','RENAME')),
	old_absolute_path TEXT NOT NULL,
	new_absolute_path TEXT,
	status            TEXT NOT NULL DEFAULT 'pending',
	created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// pipeline's pragmas: WAL for concurrent readers, busy_timeout for writer
// lock waits, NORMAL sync (WAL makes FULL redundant for this workload), and
// enforced foreign keys.
func Open(path string, busyTimeoutMS int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection sidesteps SQLITE_BUSY between pooled writers; all
	// concurrency in this pipeline is upstream of the store.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS),
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
