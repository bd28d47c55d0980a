package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vsavkov/codegraph/internal/config"
	"github.com/vsavkov/codegraph/internal/engine"
	"github.com/vsavkov/codegraph/internal/graphdb"
	"github.com/vsavkov/codegraph/internal/llm"
	"github.com/vsavkov/codegraph/internal/store"
)

type fakeRunner struct {
	mu      sync.Mutex
	batches int
}

func (f *fakeRunner) RunWrite(_ context.Context, _ []graphdb.Statement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	return nil
}

type staticCompleter struct{}

func (staticCompleter) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	return llm.Response{Body: `{"entities": [{"type": "Function", "name": "run"}], "relationships": []}`}, nil
}

// gatedCompleter parks every call until released. Claimed items run detached
// from the pool's cancel, so the request context is not the release signal.
type gatedCompleter struct {
	started     chan struct{}
	release     chan struct{}
	startOnce   sync.Once
	releaseOnce sync.Once
}

func newGatedCompleter() *gatedCompleter {
	return &gatedCompleter{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedCompleter) Complete(_ context.Context, _ llm.Request) (llm.Response, error) {
	g.startOnce.Do(func() { close(g.started) })
	<-g.release
	return llm.Response{Body: `{"entities": [{"type": "Function", "name": "run"}], "relationships": []}`}, nil
}

func (g *gatedCompleter) Release() {
	g.releaseOnce.Do(func() { close(g.release) })
}

func testServer(t *testing.T, completer llm.Completer) *Server {
	t.Helper()
	targetDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(targetDir, "main.js"), []byte("function run() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		TargetDir: targetDir,
		SQLite:    config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "state.db")},
		Neo4j:     config.Neo4jConfig{URI: "neo4j://localhost", Username: "neo4j"},
		LLM:       config.LLMConfig{Provider: "openai", Model: "test-model"},
	}
	cfg.ApplyDefaults()
	cfg.Worker.Count = 1

	st, err := store.Open(cfg.SQLite.Path, cfg.SQLite.BusyTimeoutMS)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	eng := engine.New(cfg, st, &fakeRunner{}, completer, io.Discard)
	s := New(Config{Addr: ":0"}, eng)
	t.Cleanup(s.cancel)
	return s
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return rec, decoded
}

func awaitPhase(t *testing.T, h http.Handler, runID string, want ...engine.Phase) map[string]any {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		rec, body := doJSON(t, h, http.MethodGet, "/runs/"+runID, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET /runs/%s: %d %s", runID, rec.Code, rec.Body.String())
		}
		phase, _ := body["phase"].(string)
		for _, w := range want {
			if phase == string(w) {
				return body
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %v", runID, want)
	return nil
}

func TestSubmitRunToCompletion(t *testing.T) {
	s := testServer(t, staticCompleter{})
	h := s.Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/runs", `{}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	runID, _ := body["run_id"].(string)
	if runID == "" {
		t.Fatal("no run_id in response")
	}

	final := awaitPhase(t, h, runID, engine.PhaseDone)
	counters, _ := final["counters"].(map[string]any)
	if counters == nil || counters["files_scanned"].(float64) != 1 {
		t.Fatalf("final status: %v", final)
	}

	rec, health := doJSON(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || health["runs"].(float64) != 1 {
		t.Fatalf("health: %d %v", rec.Code, health)
	}
}

func TestSubmitRejectsConcurrentAndStopWorks(t *testing.T) {
	completer := newGatedCompleter()
	s := testServer(t, completer)
	h := s.Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/runs", `{"run_id": "run-a"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	<-completer.started

	rec, body = doJSON(t, h, http.MethodPost, "/runs", `{"run_id": "run-b"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second submit: %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/runs/run-a/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: %d %s", rec.Code, rec.Body.String())
	}
	completer.Release()
	awaitPhase(t, h, "run-a", engine.PhaseStopped)

	// Stopping a finished run conflicts.
	rec, _ = doJSON(t, h, http.MethodPost, "/runs/run-a/stop", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("stop after finish: %d", rec.Code)
	}
}

func TestRunEventsReplayEndsWithDone(t *testing.T) {
	s := testServer(t, staticCompleter{})
	h := s.Handler()

	rec, _ := doJSON(t, h, http.MethodPost, "/runs", `{"run_id": "run-ev"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d", rec.Code)
	}
	awaitPhase(t, h, "run-ev", engine.PhaseDone)

	req := httptest.NewRequest(http.MethodGet, "/runs/run-ev/events", nil)
	stream := httptest.NewRecorder()
	h.ServeHTTP(stream, req)

	out := stream.Body.String()
	if !strings.Contains(out, `"event":"finished"`) {
		t.Fatalf("missing finished event:\n%s", out)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "event: done\ndata: {}") {
		t.Fatalf("stream must end with done frame:\n%s", out)
	}
	if ct := stream.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %s", ct)
	}
}

func TestValidation(t *testing.T) {
	s := testServer(t, staticCompleter{})
	h := s.Handler()

	rec, _ := doJSON(t, h, http.MethodGet, "/runs/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown run: %d", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodPost, "/runs", `{"run_id": "bad id!"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad run id: %d", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodPost, "/runs", `{"target_dir": "relative/path"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("relative target dir: %d", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodPost, "/runs", `{`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: %d", rec.Code)
	}
}

func TestCSRFBlocksCrossOriginPost(t *testing.T) {
	s := testServer(t, staticCompleter{})
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{}`))
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cross-origin post: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(`{}`))
	req.Header.Set("Origin", "http://localhost:3000")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("localhost post: %d %s", rec.Code, rec.Body.String())
	}
}
