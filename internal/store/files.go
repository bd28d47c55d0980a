package store

import (
	"context"
	"database/sql"
	"time"
)

// File is one tracked source file.
type File struct {
	ID           int64
	Path         string
	AbsolutePath string
	ContentHash  string
	Language     string
	Size         int64
	SpecialType  string
	Status       string
}

// UpsertFileTx creates or refreshes the row for path inside the caller's
// transaction, returning the row id. A changed hash resets the status to
// pending so the pipeline picks it up again.
func UpsertFileTx(ctx context.Context, tx *sql.Tx, f *File) (int64, error) {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx,
		`INSERT INTO files (path, absolute_path, content_hash, language, size, special_type, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   absolute_path = excluded.absolute_path,
		   content_hash  = excluded.content_hash,
		   language      = excluded.language,
		   size          = excluded.size,
		   status        = excluded.status,
		   updated_at    = excluded.updated_at`,
		f.Path, f.AbsolutePath, f.ContentHash, f.Language, f.Size, f.SpecialType, FilePending, now)
	if err != nil {
		return 0, err
	}
	// The upsert path does not report an id; read it back either way.
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM files WHERE path = ?`, f.Path).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// RenameFileTx repoints a tracked file inside the caller's transaction.
func RenameFileTx(ctx context.Context, tx *sql.Tx, oldPath, newPath, newAbsolutePath string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE files SET path = ?, absolute_path = ?, updated_at = ? WHERE path = ?`,
		newPath, newAbsolutePath, time.Now().UTC(), oldPath)
	return err
}

// MarkPendingDeletionTx flags a vanished file inside the caller's transaction
// so the sweep phase can purge it graph-first.
func MarkPendingDeletionTx(ctx context.Context, tx *sql.Tx, path string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE files SET status = ?, updated_at = ? WHERE path = ?`,
		FilePendingDeletion, time.Now().UTC(), path)
	return err
}

// UpdateFileStatus flips one file's lifecycle status.
func (s *Store) UpdateFileStatus(ctx context.Context, path, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ?, updated_at = ? WHERE path = ?`,
		status, time.Now().UTC(), path)
	return err
}

// ActiveFiles lists every file not already marked for deletion; the
// reconciler's mark phase walks this set.
func (s *Store) ActiveFiles(ctx context.Context) ([]File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, absolute_path, content_hash, language, size, COALESCE(special_type, ''), status
		 FROM files WHERE status != ? ORDER BY id`, FilePendingDeletion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFiles(rows)
}

// PendingDeletionFiles lists the files the reconciler's sweep must purge.
func (s *Store) PendingDeletionFiles(ctx context.Context) ([]File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, absolute_path, content_hash, language, size, COALESCE(special_type, ''), status
		 FROM files WHERE status = ? ORDER BY id`, FilePendingDeletion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFiles(rows)
}

// DeleteFilesByPath removes rows after their graph nodes are gone. Graph
// first, relational second; never the other way around.
func (s *Store) DeleteFilesByPath(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	query := `DELETE FROM files WHERE path IN (` + placeholders(len(paths)) + `)`
	args := make([]any, len(paths))
	for i, p := range paths {
		args[i] = p
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// FileByPath fetches one tracked file.
func (s *Store) FileByPath(ctx context.Context, path string) (*File, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, absolute_path, content_hash, language, size, COALESCE(special_type, ''), status
		 FROM files WHERE path = ?`, path)
	var f File
	if err := row.Scan(&f.ID, &f.Path, &f.AbsolutePath, &f.ContentHash, &f.Language, &f.Size, &f.SpecialType, &f.Status); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanFiles(rows *sql.Rows) ([]File, error) {
	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.Path, &f.AbsolutePath, &f.ContentHash, &f.Language, &f.Size, &f.SpecialType, &f.Status); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
