package batch

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/vsavkov/codegraph/internal/store"
)

func testProcessor(t *testing.T, cfg Config) (*Processor, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "batch.db"), 5000)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	p := New(st, cfg, log.New(io.Discard, "[batch] ", log.LstdFlags))
	return p, st
}

func claimItem(t *testing.T, st *store.Store, path string) int64 {
	t.Helper()
	ctx := context.Background()
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		fileID, err := store.UpsertFileTx(ctx, tx, &store.File{Path: path, AbsolutePath: path, ContentHash: "h"})
		if err != nil {
			return err
		}
		_, err = store.EnqueueWorkTx(ctx, tx, fileID, path, "h", "")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	item, err := st.Claim(ctx, "w")
	if err != nil {
		t.Fatal(err)
	}
	return item.ID
}

func result(itemID int64, path string) *store.AnalysisResult {
	return &store.AnalysisResult{
		WorkItemID:       itemID,
		FilePath:         filepath.Base(path),
		AbsoluteFilePath: path,
		LLMOutput:        `{"filePath":"` + path + `","entities":[],"relationships":[]}`,
		Status:           store.ResultPendingIngestion,
		ValidationPassed: true,
	}
}

func TestFlushBySize(t *testing.T) {
	p, st := testProcessor(t, Config{Size: 2, FlushInterval: time.Hour, QueueCap: 100})
	p.Start()
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		path := fmt.Sprintf("/r/f%d.js", i)
		id := claimItem(t, st, path)
		if err := p.QueueAnalysisResult(ctx, result(id, path)); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		rows, err := st.PendingResults(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("size-triggered flush never landed, have %d rows", len(rows))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFlushByTimer(t *testing.T) {
	p, st := testProcessor(t, Config{Size: 100, FlushInterval: 50 * time.Millisecond, QueueCap: 1000})
	p.Start()
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	id := claimItem(t, st, "/r/a.js")
	if err := p.QueueAnalysisResult(ctx, result(id, "/r/a.js")); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		rows, _ := st.PendingResults(ctx, 10)
		if len(rows) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timer flush never landed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestQueueCapForcesSynchronousFlush(t *testing.T) {
	p, st := testProcessor(t, Config{Size: 100, FlushInterval: time.Hour, QueueCap: 3})
	// No Start: the synchronous path must not depend on the loop.
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("/r/f%d.js", i)
		id := claimItem(t, st, path)
		if err := p.QueueAnalysisResult(ctx, result(id, path)); err != nil {
			t.Fatal(err)
		}
	}
	rows, err := st.PendingResults(ctx, 10)
	if err != nil || len(rows) != 3 {
		t.Fatalf("cap must flush synchronously: %d rows, %v", len(rows), err)
	}
	if r, f := p.Buffered(); r != 0 || f != 0 {
		t.Fatalf("buffers should be empty after cap flush: %d %d", r, f)
	}
}

func TestShutdownDrains(t *testing.T) {
	p, st := testProcessor(t, Config{Size: 100, FlushInterval: time.Hour, QueueCap: 1000})
	p.Start()

	ctx := context.Background()
	id := claimItem(t, st, "/r/a.js")
	fid := claimItem(t, st, "/r/b.js")
	if err := p.QueueAnalysisResult(ctx, result(id, "/r/a.js")); err != nil {
		t.Fatal(err)
	}
	if err := p.QueueFailedWork(ctx, &store.FailedWork{WorkItemID: fid, ErrorMessage: "boom", ErrorType: "UNEXPECTED"}); err != nil {
		t.Fatal(err)
	}

	if err := p.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	rows, _ := st.PendingResults(ctx, 10)
	if len(rows) != 1 {
		t.Fatalf("result not committed on shutdown: %d", len(rows))
	}
	n, _ := st.FailedWorkCount(ctx)
	if n != 1 {
		t.Fatalf("failure not committed on shutdown: %d", n)
	}
	counts, _ := st.QueueCounts(ctx)
	if counts[store.TaskCompleted] != 1 || counts[store.TaskFailed] != 1 {
		t.Fatalf("work items not transitioned with flush: %v", counts)
	}
}

func TestFlushFailureRetainsItems(t *testing.T) {
	p, st := testProcessor(t, Config{Size: 100, FlushInterval: time.Hour, QueueCap: 1000})
	ctx := context.Background()
	id := claimItem(t, st, "/r/a.js")
	if err := p.QueueAnalysisResult(ctx, result(id, "/r/a.js")); err != nil {
		t.Fatal(err)
	}

	// Close the store out from under the processor to force a flush error.
	_ = st.Close()
	if err := p.ForceFlush(ctx); err == nil {
		t.Fatal("flush over a closed store should fail")
	}
	if r, _ := p.Buffered(); r != 1 {
		t.Fatalf("failed flush must re-prepend items, buffered=%d", r)
	}
}
