package model

import "time"

type RunStatus string

const (
	RunStatusNotStarted RunStatus = "NOT_STARTED"
	RunStatusStarted    RunStatus = "STARTED"
	RunStatusSuccess    RunStatus = "SUCCESS"
	RunStatusFailure    RunStatus = "FAILURE"
	RunStatusCanceled   RunStatus = "CANCELED"
)

// IsFinished is true for the terminal statuses.
func (s RunStatus) IsFinished() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailure, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// Run is one execution attempt of a pipeline.
type Run struct {
	RunID        string    `json:"run_id"`
	PipelineName string    `json:"pipeline_name"`
	StepSubset   []string  `json:"step_subset,omitempty"` // nil means all steps
	Status       RunStatus `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsFinished becomes true once the run reached a terminal state on its own
// execution path.
func (r Run) IsFinished() bool {
	return r.Status.IsFinished()
}
