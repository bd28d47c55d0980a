package scout

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/vsavkov/codegraph/internal/store"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "[scout] ", log.LstdFlags)
}

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "scout.db"), 5000)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunFirstScanEnqueuesEverything(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.js", "export function f() {}\n")
	writeFile(t, dir, "lib/b.js", "import {f} from '../a.js';\n")
	writeFile(t, dir, "node_modules/dep/index.js", "ignored\n")
	writeFile(t, dir, "README.md", "docs are excluded\n")

	st := openStore(t)
	sc, err := New(st, dir, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	res, err := sc.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Scanned != 2 || res.New != 2 {
		t.Fatalf("expected 2 new files, got %+v", res)
	}

	counts, err := st.QueueCounts(context.Background())
	if err != nil || counts[store.TaskPending] != 2 {
		t.Fatalf("pending work: %v %v", counts, err)
	}
	snap, _ := st.LoadSnapshot(context.Background())
	if len(snap) != 2 {
		t.Fatalf("snapshot: %v", snap)
	}
}

func TestRunUnchangedFastPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.js", "let x = 1;\n")

	st := openStore(t)
	sc, err := New(st, dir, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sc.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := sc.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Unchanged {
		t.Fatalf("second run over identical tree should short-circuit: %+v", res)
	}
	counts, _ := st.QueueCounts(context.Background())
	if counts[store.TaskPending] != 1 {
		t.Fatalf("no additional work expected: %v", counts)
	}
}

func TestRunDetectsModifyDeleteRename(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.js", "function a() {}\n")
	writeFile(t, dir, "b.js", "function b() {}\n")
	c := writeFile(t, dir, "c.js", "function c() {}\n")

	st := openStore(t)
	sc, err := New(st, dir, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := sc.Run(ctx); err != nil {
		t.Fatal(err)
	}

	// Modify a, delete b, rename c -> d.
	writeFile(t, dir, "a.js", "function a() { return 1 }\n")
	if err := os.Remove(filepath.Join(dir, "b.js")); err != nil {
		t.Fatal(err)
	}
	d := filepath.Join(dir, "d.js")
	if err := os.Rename(c, d); err != nil {
		t.Fatal(err)
	}

	res, err := sc.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Modified != 1 || res.Deleted != 1 || res.Renamed != 1 || res.New != 0 {
		t.Fatalf("diff: %+v", res)
	}

	tasks, err := st.PendingRefactoringTasks(ctx)
	if err != nil || len(tasks) != 2 {
		t.Fatalf("refactoring tasks: %v %v", tasks, err)
	}
	kinds := map[string]store.RefactoringTask{}
	for _, task := range tasks {
		kinds[task.Kind] = task
	}
	if del := kinds[store.RefactoringDelete]; del.OldAbsolutePath != filepath.Join(dir, "b.js") {
		t.Errorf("delete task: %+v", del)
	}
	if ren := kinds[store.RefactoringRename]; ren.OldAbsolutePath != c || ren.NewAbsolutePath != d {
		t.Errorf("rename task: %+v", ren)
	}

	// The renamed file keeps its row under the new path; b.js is flagged for
	// the sweep.
	if _, err := st.FileByPath(ctx, d); err != nil {
		t.Errorf("renamed file row: %v", err)
	}
	doomed, _ := st.PendingDeletionFiles(ctx)
	if len(doomed) != 1 || doomed[0].Path != filepath.Join(dir, "b.js") {
		t.Errorf("pending deletion: %+v", doomed)
	}
	_ = a
}

func TestRunHonorsGitignoreAndExtraGlobs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".gitignore", "generated/\n*.tmp.js\n")
	writeFile(t, dir, "keep.js", "let k = 1;\n")
	writeFile(t, dir, "generated/out.js", "ignored\n")
	writeFile(t, dir, "scratch.tmp.js", "ignored\n")
	writeFile(t, dir, "legacy/old.js", "ignored via config\n")

	st := openStore(t)
	sc, err := New(st, dir, []string{"legacy/**"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	res, err := sc.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Scanned != 1 {
		snap, _ := st.LoadSnapshot(context.Background())
		t.Fatalf("only keep.js should survive filtering, got %+v %v", res, snap)
	}
}

func TestSnapshotDigestStability(t *testing.T) {
	a := store.Snapshot{"/r/a.js": "h1", "/r/b.js": "h2"}
	b := store.Snapshot{"/r/b.js": "h2", "/r/a.js": "h1"}
	if snapshotDigest(a) != snapshotDigest(b) {
		t.Fatal("digest must not depend on map iteration order")
	}
	c := store.Snapshot{"/r/a.js": "h1", "/r/b.js": "h3"}
	if snapshotDigest(a) == snapshotDigest(c) {
		t.Fatal("digest must change with content")
	}
}
