package scout

import (
	"sort"

	"github.com/vsavkov/codegraph/internal/store"
)

// Rename pairs a vanished path with the path its content reappeared at.
type Rename struct {
	OldPath string
	NewPath string
}

// ChangeSet is the diff between the persisted snapshot and the current walk.
type ChangeSet struct {
	New      []string
	Modified []string
	Deleted  []string
	Renamed  []Rename
}

// Empty reports whether the diff requires any work at all.
func (c *ChangeSet) Empty() bool {
	return len(c.New) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0 && len(c.Renamed) == 0
}

// DiffSnapshots classifies every path as new, modified, deleted, or renamed.
// Rename detection pairs a deleted path with a new path when their hashes
// match; the scan is ordered (paths sorted) so the pairing is deterministic,
// and each appearance of a hash is consumed at most once. Unpaired remainders
// fall back to plain new/deleted.
func DiffSnapshots(previous, current store.Snapshot) *ChangeSet {
	cs := &ChangeSet{}

	var candidateNew, candidateDeleted []string
	for path, hash := range current {
		prev, ok := previous[path]
		switch {
		case !ok:
			candidateNew = append(candidateNew, path)
		case prev != hash:
			cs.Modified = append(cs.Modified, path)
		}
	}
	for path := range previous {
		if _, ok := current[path]; !ok {
			candidateDeleted = append(candidateDeleted, path)
		}
	}
	sort.Strings(candidateNew)
	sort.Strings(candidateDeleted)
	sort.Strings(cs.Modified)

	// Bucket the new paths by hash, preserving sorted order within a bucket.
	newByHash := map[string][]string{}
	for _, path := range candidateNew {
		h := current[path]
		newByHash[h] = append(newByHash[h], path)
	}

	paired := map[string]bool{}
	for _, oldPath := range candidateDeleted {
		h := previous[oldPath]
		bucket := newByHash[h]
		if len(bucket) == 0 {
			cs.Deleted = append(cs.Deleted, oldPath)
			continue
		}
		newPath := bucket[0]
		newByHash[h] = bucket[1:]
		paired[newPath] = true
		cs.Renamed = append(cs.Renamed, Rename{OldPath: oldPath, NewPath: newPath})
	}
	for _, path := range candidateNew {
		if !paired[path] {
			cs.New = append(cs.New, path)
		}
	}
	return cs
}
