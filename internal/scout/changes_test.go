package scout

import (
	"reflect"
	"testing"

	"github.com/vsavkov/codegraph/internal/store"
)

func TestDiffSnapshotsClassification(t *testing.T) {
	previous := store.Snapshot{
		"/r/a.js": "h1",
		"/r/b.js": "h2",
		"/r/c.js": "h3",
	}
	current := store.Snapshot{
		"/r/a.js": "h1",      // untouched
		"/r/b.js": "h2-new",  // modified
		"/r/d.js": "h3",      // c.js renamed here
		"/r/e.js": "h-fresh", // brand new
	}

	cs := DiffSnapshots(previous, current)

	if !reflect.DeepEqual(cs.New, []string{"/r/e.js"}) {
		t.Errorf("new: %v", cs.New)
	}
	if !reflect.DeepEqual(cs.Modified, []string{"/r/b.js"}) {
		t.Errorf("modified: %v", cs.Modified)
	}
	if len(cs.Deleted) != 0 {
		t.Errorf("deleted should be empty, got %v", cs.Deleted)
	}
	want := []Rename{{OldPath: "/r/c.js", NewPath: "/r/d.js"}}
	if !reflect.DeepEqual(cs.Renamed, want) {
		t.Errorf("renamed: %v", cs.Renamed)
	}
}

func TestDiffSnapshotsHashConsumedOnce(t *testing.T) {
	// Two deleted files shared a hash but only one new file carries it: one
	// rename, one genuine delete.
	previous := store.Snapshot{
		"/r/a.js": "same",
		"/r/b.js": "same",
	}
	current := store.Snapshot{
		"/r/c.js": "same",
	}

	cs := DiffSnapshots(previous, current)

	if len(cs.Renamed) != 1 || cs.Renamed[0].OldPath != "/r/a.js" || cs.Renamed[0].NewPath != "/r/c.js" {
		t.Errorf("renamed: %v", cs.Renamed)
	}
	if !reflect.DeepEqual(cs.Deleted, []string{"/r/b.js"}) {
		t.Errorf("deleted: %v", cs.Deleted)
	}
	if len(cs.New) != 0 {
		t.Errorf("new: %v", cs.New)
	}
}

func TestDiffSnapshotsEmpty(t *testing.T) {
	snap := store.Snapshot{"/r/a.js": "h1"}
	cs := DiffSnapshots(snap, store.Snapshot{"/r/a.js": "h1"})
	if !cs.Empty() {
		t.Fatalf("identical snapshots must diff empty: %+v", cs)
	}
}

func TestDiffSnapshotsFirstRun(t *testing.T) {
	cs := DiffSnapshots(store.Snapshot{}, store.Snapshot{"/r/a.js": "h1", "/r/b.js": "h2"})
	if len(cs.New) != 2 || len(cs.Modified)+len(cs.Deleted)+len(cs.Renamed) != 0 {
		t.Fatalf("first run must classify everything new: %+v", cs)
	}
}
