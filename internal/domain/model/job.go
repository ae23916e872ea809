package model

import "time"

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a job in this status can never transition again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// FailureReason tags the distinct ways a solve can end without a solution.
type FailureReason string

const (
	ReasonToolTimeout   FailureReason = "tool_timeout"
	ReasonToolFailure   FailureReason = "tool_failure"
	ReasonNoSolution    FailureReason = "no_solution"
	ReasonInternalError FailureReason = "internal_error"
)

// SolveOptions is the immutable option snapshot captured at submission.
// All fields are hints for the solver; zero pointers mean "not provided".
type SolveOptions struct {
	FOV        *float64 `json:"fov,omitempty"`
	RA         *float64 `json:"ra,omitempty"`
	Dec        *float64 `json:"dec,omitempty"`
	Downsample *int     `json:"downsample,omitempty"`
}

// SolveResult is the tagged terminal outcome of a job. On success the
// coordinate and derived fields are set; on failure Reason and Error are.
type SolveResult struct {
	Success     bool           `json:"success"`
	Solved      bool           `json:"solved"`
	RA          float64        `json:"ra,omitempty"`
	Dec         float64        `json:"dec,omitempty"`
	Orientation float64        `json:"orientation,omitempty"`
	PixScale    float64        `json:"pixscale,omitempty"`
	FieldWidth  float64        `json:"fieldw,omitempty"`
	FieldHeight float64        `json:"fieldh,omitempty"`
	WCS         map[string]any `json:"wcs,omitempty"`
	Stdout      string         `json:"stdout,omitempty"`
	Stderr      string         `json:"stderr,omitempty"`
	Reason      FailureReason  `json:"reason,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type Job struct {
	ID          string
	Status      JobStatus
	Filename    string
	ImagePath   string
	Options     SolveOptions
	Result      *SolveResult
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}
