package api

// v0 contains public types shared by the scan runner and its consumers
// (plotting scripts read the ledger and result folders using these names).

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSkipped   RunStatus = "skipped"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether a job in this status will not change again.
func (s RunStatus) Terminal() bool {
	return s == RunSkipped || s == RunSucceeded || s == RunFailed
}

// JobSummary is the public view of one finished job.
type JobSummary struct {
	Name      string    `json:"name" yaml:"name"`
	Input     string    `json:"input" yaml:"input"`
	Status    RunStatus `json:"status" yaml:"status"`
	ElapsedMS int64     `json:"elapsed_ms" yaml:"elapsed_ms"`
	ExitCode  int       `json:"exit_code" yaml:"exit_code"`
	Summary   string    `json:"summary" yaml:"summary"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
}
