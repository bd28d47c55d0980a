package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vsavkov/codegraph/internal/engine"
)

// validRunID matches ULIDs, UUIDs, and other safe identifiers.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// watchInterval bounds how quickly phase transitions reach SSE clients.
const watchInterval = 200 * time.Millisecond

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"runs":   len(s.registry.List()),
	})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = ulid.Make().String()
	}
	if !validRunID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "run_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}
	if req.TargetDir != "" && !filepath.IsAbs(req.TargetDir) {
		writeError(w, http.StatusBadRequest, "target_dir must be absolute")
		return
	}

	state := &RunState{
		RunID:       runID,
		Broadcaster: NewBroadcaster(),
		StartedAt:   time.Now().UTC(),
	}

	s.activeMu.Lock()
	if s.active != nil {
		if _, _, done := s.active.Terminal(); !done {
			s.activeMu.Unlock()
			writeError(w, http.StatusConflict, "a run is already in progress: "+s.active.RunID)
			return
		}
	}
	if err := s.registry.Register(runID, state); err != nil {
		s.activeMu.Unlock()
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.active = state
	s.activeMu.Unlock()

	go s.executeRun(state, engine.RunOptions{
		RunID:        runID,
		TargetDir:    req.TargetDir,
		Workers:      req.Workers,
		Reconcile:    req.Reconcile,
		SkipResolver: req.SkipResolver,
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": runID,
		"status": "accepted",
	})
}

// executeRun drives one run to completion, emitting phase transitions and a
// terminal event on the run's broadcaster.
func (s *Server) executeRun(state *RunState, opts engine.RunOptions) {
	stop := make(chan struct{})
	go s.watchRun(state, stop)

	res, err := s.engine.Run(s.baseCtx, opts)
	close(stop)
	state.SetResult(res, err)

	final := map[string]any{
		"event":  "finished",
		"run_id": state.RunID,
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if res != nil {
		final["phase"] = string(res.Phase)
		final["counters"] = res.Counters
		final["duration_ms"] = res.Duration.Milliseconds()
	}
	if err != nil {
		final["error"] = err.Error()
		s.logger.Printf("run %s failed: %v", state.RunID, err)
	}
	state.Broadcaster.Send(final)
	state.Broadcaster.Close()
}

// watchRun polls the engine and broadcasts each phase transition until the
// run finishes.
func (s *Server) watchRun(state *RunState, stop <-chan struct{}) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	var last engine.Phase
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			st := s.engine.Status()
			if st.RunID != state.RunID || st.Phase == last {
				continue
			}
			last = st.Phase
			state.Broadcaster.Send(map[string]any{
				"event":    "phase",
				"run_id":   st.RunID,
				"phase":    string(st.Phase),
				"counters": st.Counters,
				"ts":       time.Now().UTC().Format(time.RFC3339Nano),
			})
		}
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	state, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	if res, runErr, done := state.Terminal(); done {
		resp := RunStatusResponse{RunID: state.RunID, StartedAt: state.StartedAt}
		if res != nil {
			resp.Phase = res.Phase
			resp.Counters = res.Counters
			resp.DurationMS = res.Duration.Milliseconds()
		} else {
			resp.Phase = engine.PhaseFailed
		}
		if runErr != nil {
			resp.Error = runErr.Error()
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	st := s.engine.Status()
	resp := RunStatusResponse{RunID: state.RunID, StartedAt: state.StartedAt}
	if st.RunID == state.RunID {
		resp.Phase = st.Phase
		resp.TargetDir = st.TargetDir
		resp.Counters = st.Counters
		resp.LogTail = st.LogTail
		resp.Error = st.Error
	} else {
		resp.Phase = engine.PhaseInit
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	state, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	WriteSSE(w, r, state.Broadcaster)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	state, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if _, _, done := state.Terminal(); done {
		writeError(w, http.StatusConflict, "run already finished")
		return
	}
	if !s.engine.Stop() {
		writeError(w, http.StatusConflict, "no run in progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": state.RunID,
		"status": "stopping",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
