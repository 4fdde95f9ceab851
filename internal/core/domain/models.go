package domain

import "time"

// JobStatus is the lifecycle state of a capture job.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusRunning     JobStatus = "running"
	StatusTranscoding JobStatus = "transcoding"
	StatusUploading   JobStatus = "uploading"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
)

// Job represents a single capture-transcode-upload request.
type Job struct {
	ID        string    `json:"job_id"`
	SourceRef string    `json:"source_ref"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`      // set only when failed
	ResultRef string    `json:"result_ref,omitempty"` // set only when completed
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusTranscoding, StatusUploading, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition enforces the job state machine edges. The orchestrator treats
// transcoding as internal and moves running jobs straight to uploading.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusUploading || to == StatusTranscoding || to == StatusFailed
	case StatusTranscoding:
		return to == StatusUploading || to == StatusFailed
	case StatusUploading:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}
