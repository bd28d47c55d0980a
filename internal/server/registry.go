package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/vsavkov/codegraph/internal/engine"
)

// RunState tracks a single submitted run, live or finished.
type RunState struct {
	RunID       string
	Broadcaster *Broadcaster
	StartedAt   time.Time

	mu     sync.Mutex
	result *engine.Result
	err    error
	done   bool
}

// SetResult records the terminal outcome of the run.
func (rs *RunState) SetResult(res *engine.Result, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.result = res
	rs.err = err
	rs.done = true
}

// Terminal returns the recorded outcome and whether the run has finished.
func (rs *RunState) Terminal() (*engine.Result, error, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.result, rs.err, rs.done
}

// RunRegistry tracks the runs submitted to this server instance. The engine
// executes one run at a time; the registry keeps finished runs addressable so
// their status and event history survive completion.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*RunState
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*RunState)}
}

// Register adds a run. Rejects duplicate IDs.
func (r *RunRegistry) Register(runID string, rs *RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[runID]; exists {
		return fmt.Errorf("run %s already exists", runID)
	}
	r.runs[runID] = rs
	return nil
}

// Get returns a run by ID.
func (r *RunRegistry) Get(runID string) (*RunState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.runs[runID]
	return rs, ok
}

// List returns all known run IDs.
func (r *RunRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}
