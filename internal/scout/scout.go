// Package scout walks the target directory, hashes every included file, and
// diffs the result against the persisted snapshot to decide what the rest of
// the pipeline has to do.
package scout

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/src-d/enry/v2"
	"github.com/zeebo/blake3"

	"github.com/vsavkov/codegraph/internal/store"
)

// sniffLen is how many leading bytes feed binary detection and language
// classification.
const sniffLen = 8 * 1024

// maxProjectContextFiles caps the file-tree listing embedded into each work
// item's project context.
const maxProjectContextFiles = 200

// fileMeta is what the walk records per included file.
type fileMeta struct {
	hash     string
	size     int64
	language string
}

// Scout performs one discovery pass over the target directory.
type Scout struct {
	store     *store.Store
	targetDir string
	filter    *Filter
	logger    *log.Logger
}

// Result summarizes one scout run.
type Result struct {
	Scanned   int
	Skipped   int
	New       int
	Modified  int
	Deleted   int
	Renamed   int
	Unchanged bool
}

// New wires a scout over an already-open store. targetDir must be absolute.
func New(st *store.Store, targetDir string, excludeGlobs []string, logger *log.Logger) (*Scout, error) {
	if !filepath.IsAbs(targetDir) {
		return nil, fmt.Errorf("target dir must be absolute: %s", targetDir)
	}
	f, err := NewFilter(targetDir, excludeGlobs)
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}
	return &Scout{store: st, targetDir: targetDir, filter: f, logger: logger}, nil
}

// Run walks, diffs, and persists. Everything the diff produced lands in one
// relational transaction: work items for new and modified files, refactoring
// tasks for deletes and renames, and the wholesale snapshot replacement. Any
// error aborts the transaction with no partial state.
func (s *Scout) Run(ctx context.Context) (*Result, error) {
	current, meta, skipped, err := s.walk(ctx)
	if err != nil {
		return nil, err
	}
	res := &Result{Scanned: len(current), Skipped: skipped}

	digest := snapshotDigest(current)
	stored, err := s.store.SnapshotDigest(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot digest: %w", err)
	}
	if stored != "" && stored == digest {
		// Identical digest means an identical snapshot; skip the diff.
		s.logger.Printf("snapshot unchanged (%d files)", len(current))
		res.Unchanged = true
		return res, nil
	}

	previous, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	changes := DiffSnapshots(previous, current)
	res.New = len(changes.New)
	res.Modified = len(changes.Modified)
	res.Deleted = len(changes.Deleted)
	res.Renamed = len(changes.Renamed)

	projectContext := buildProjectContext(s.targetDir, current)

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, path := range append(append([]string{}, changes.New...), changes.Modified...) {
			m := meta[path]
			fileID, err := store.UpsertFileTx(ctx, tx, &store.File{
				Path:         path,
				AbsolutePath: path,
				ContentHash:  m.hash,
				Language:     m.language,
				Size:         m.size,
			})
			if err != nil {
				return fmt.Errorf("upsert %s: %w", path, err)
			}
			if _, err := store.EnqueueWorkTx(ctx, tx, fileID, path, m.hash, projectContext); err != nil {
				return fmt.Errorf("enqueue %s: %w", path, err)
			}
		}
		for _, r := range changes.Renamed {
			task := &store.RefactoringTask{
				Kind:            store.RefactoringRename,
				OldAbsolutePath: r.OldPath,
				NewAbsolutePath: r.NewPath,
			}
			if err := store.InsertRefactoringTaskTx(ctx, tx, task); err != nil {
				return fmt.Errorf("record rename %s: %w", r.OldPath, err)
			}
			if err := store.RenameFileTx(ctx, tx, r.OldPath, r.NewPath, r.NewPath); err != nil {
				return fmt.Errorf("apply rename %s: %w", r.OldPath, err)
			}
		}
		for _, path := range changes.Deleted {
			task := &store.RefactoringTask{
				Kind:            store.RefactoringDelete,
				OldAbsolutePath: path,
			}
			if err := store.InsertRefactoringTaskTx(ctx, tx, task); err != nil {
				return fmt.Errorf("record delete %s: %w", path, err)
			}
			if err := store.MarkPendingDeletionTx(ctx, tx, path); err != nil {
				return fmt.Errorf("mark deletion %s: %w", path, err)
			}
		}
		return store.ReplaceSnapshotTx(ctx, tx, current, digest)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Printf("scan complete: %d files, %d new, %d modified, %d deleted, %d renamed, %d skipped",
		res.Scanned, res.New, res.Modified, res.Deleted, res.Renamed, res.Skipped)
	return res, nil
}

// walk hashes every included regular file. Unreadable files are logged and
// skipped rather than failing the run.
func (s *Scout) walk(ctx context.Context) (store.Snapshot, map[string]fileMeta, int, error) {
	current := store.Snapshot{}
	meta := map[string]fileMeta{}
	skipped := 0

	err := filepath.WalkDir(s.targetDir, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Printf("walk %s: %v (skipping)", path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(s.targetDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && s.filter.SkipDir(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.filter.ExcludeFile(rel) {
			return nil
		}
		m, hashErr := hashFile(path)
		if hashErr != nil {
			s.logger.Printf("read %s: %v (skipping)", path, hashErr)
			skipped++
			return nil
		}
		if m == nil {
			// Binary content.
			skipped++
			return nil
		}
		current[path] = m.hash
		meta[path] = *m
		return nil
	})
	if err != nil {
		return nil, nil, 0, fmt.Errorf("walk %s: %w", s.targetDir, err)
	}
	return current, meta, skipped, nil
}

// hashFile streams one file through SHA-256. The leading bytes also feed
// binary detection and language classification; binary files return nil.
func hashFile(path string) (*fileMeta, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(fh, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	head = head[:n]
	if enry.IsBinary(head) {
		return nil, nil
	}

	h := sha256.New()
	h.Write(head)
	size := int64(n)
	copied, err := io.Copy(h, fh)
	if err != nil {
		return nil, err
	}
	size += copied

	return &fileMeta{
		hash:     hex.EncodeToString(h.Sum(nil)),
		size:     size,
		language: enry.GetLanguage(filepath.Base(path), head),
	}, nil
}

// snapshotDigest collapses a snapshot into one blake3 hex digest over its
// sorted path/hash pairs, giving Run a cheap unchanged check.
func snapshotDigest(snap store.Snapshot) string {
	paths := make([]string, 0, len(snap))
	for p := range snap {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	h := blake3.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write([]byte(snap[p]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// buildProjectContext renders a compact relative file tree so the analyzer's
// prompt can hint at cross-file structure. Capped to keep prompt size sane.
func buildProjectContext(root string, snap store.Snapshot) string {
	rels := make([]string, 0, len(snap))
	for p := range snap {
		if rel, err := filepath.Rel(root, p); err == nil {
			rels = append(rels, filepath.ToSlash(rel))
		}
	}
	sort.Strings(rels)
	if len(rels) > maxProjectContextFiles {
		rels = rels[:maxProjectContextFiles]
	}
	return strings.Join(rels, "\n")
}
