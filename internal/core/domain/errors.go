package domain

import "errors"

var (
	// ErrNotFound is returned when a job id is unknown to the registry.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition signals a status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTranscodeFailed is returned when the transcode stage exits nonzero or cannot start.
	ErrTranscodeFailed = errors.New("transcode failed")
	// ErrSourceUnavailable is returned when the source-fetch stage produced no usable data.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrUploadFailed wraps blob sink failures.
	ErrUploadFailed = errors.New("upload failed")
	// ErrCancelled is returned when a job is aborted before completion.
	ErrCancelled = errors.New("cancelled")
)
