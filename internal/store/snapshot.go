package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Snapshot is the persisted path -> content-hash map of the last ingested
// repository state.
type Snapshot map[string]string

// LoadSnapshot reads the whole file-state snapshot. An empty database yields
// an empty (non-nil) map: first run, everything is new.
func (s *Store) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, content_hash FROM file_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	snap := Snapshot{}
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, err
		}
		snap[path] = hash
	}
	return snap, rows.Err()
}

// ReplaceSnapshotTx swaps the snapshot wholesale inside the caller's
// transaction, along with its digest. Partial snapshots are never persisted.
func ReplaceSnapshotTx(ctx context.Context, tx *sql.Tx, snap Snapshot, digest string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM file_state`); err != nil {
		return err
	}
	now := time.Now().UTC()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO file_state (path, content_hash, last_scanned) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for path, hash := range snap {
		if _, err := stmt.ExecContext(ctx, path, hash, now); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta (id, digest) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET digest = excluded.digest`, digest)
	return err
}

// SnapshotDigest returns the stored blake3 digest, or "" before the first
// scout run.
func (s *Store) SnapshotDigest(ctx context.Context) (string, error) {
	var digest string
	err := s.db.QueryRowContext(ctx, `SELECT digest FROM snapshot_meta WHERE id = 1`).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return digest, err
}
