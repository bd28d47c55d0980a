package engine

import "time"

// Phase identifies where a run currently is.
type Phase string

const (
	PhaseInit      Phase = "init"
	PhaseScout     Phase = "scout"
	PhaseAnalyze   Phase = "analyze"
	PhaseIngest    Phase = "ingest"
	PhaseResolve   Phase = "resolve"
	PhaseReconcile Phase = "reconcile"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
	PhaseStopped   Phase = "stopped"
)

// Counters accumulates per-component totals across a run.
type Counters struct {
	FilesScanned    int `json:"files_scanned"`
	FilesNew        int `json:"files_new"`
	FilesModified   int `json:"files_modified"`
	FilesDeleted    int `json:"files_deleted"`
	FilesRenamed    int `json:"files_renamed"`
	TasksCompleted  int `json:"tasks_completed"`
	TasksFailed     int `json:"tasks_failed"`
	ResultsIngested int `json:"results_ingested"`
	ResultsInvalid  int `json:"results_invalid"`
	Nodes           int `json:"nodes"`
	Relationships   int `json:"relationships"`
	ResolvedIntra   int `json:"resolved_intra_file"`
	ResolvedDir     int `json:"resolved_intra_directory"`
	ResolvedGlobal  int `json:"resolved_global"`
	FilesMarked     int `json:"files_marked"`
	FilesSwept      int `json:"files_swept"`
}

// Status is a point-in-time snapshot of a run.
type Status struct {
	RunID     string    `json:"run_id"`
	Phase     Phase     `json:"phase"`
	TargetDir string    `json:"target_dir"`
	StartedAt time.Time `json:"started_at"`
	Counters  Counters  `json:"counters"`
	LogTail   []string  `json:"log_tail"`
	Error     string    `json:"error,omitempty"`
}

// Result is the terminal summary of one run.
type Result struct {
	RunID    string        `json:"run_id"`
	Phase    Phase         `json:"phase"`
	Counters Counters      `json:"counters"`
	Duration time.Duration `json:"duration"`
}
