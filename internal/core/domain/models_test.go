package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusUploading, false},
		{StatusRunning, StatusUploading, true},
		{StatusRunning, StatusTranscoding, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCompleted, false},
		{StatusTranscoding, StatusUploading, true},
		{StatusUploading, StatusCompleted, true},
		{StatusUploading, StatusFailed, true},
		{StatusUploading, StatusRunning, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusRunning, false},
		{StatusFailed, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusUploading.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
}

func TestJobStatusValid(t *testing.T) {
	assert.True(t, StatusTranscoding.Valid())
	assert.False(t, JobStatus("error").Valid())
	assert.False(t, JobStatus("").Valid())
}
