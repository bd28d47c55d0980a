package server

import (
	"time"

	"github.com/vsavkov/codegraph/internal/engine"
)

// SubmitRunRequest is the POST /runs request body.
type SubmitRunRequest struct {
	// TargetDir overrides the configured target directory. Optional.
	TargetDir string `json:"target_dir,omitempty"`

	// RunID is optional. If empty, a ULID is generated.
	RunID string `json:"run_id,omitempty"`

	// Workers overrides worker.count when > 0.
	Workers int `json:"workers,omitempty"`

	// Reconcile forces the mark/sweep pass for this run.
	Reconcile bool `json:"reconcile,omitempty"`

	// SkipResolver disables the relationship passes for this run.
	SkipResolver bool `json:"skip_resolver,omitempty"`
}

// RunStatusResponse is returned by GET /runs/{id}.
type RunStatusResponse struct {
	RunID      string          `json:"run_id"`
	Phase      engine.Phase    `json:"phase"`
	TargetDir  string          `json:"target_dir,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Counters   engine.Counters `json:"counters"`
	LogTail    []string        `json:"log_tail,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
