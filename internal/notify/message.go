package notify

import (
	"context"
	"time"

	"camcollect/internal/core/domain"
)

// Scope selects which subscribers receive a message.
type Scope string

// Broadcast reaches every subscriber of the global channel.
const Broadcast Scope = "broadcast"

// JobScope returns the scope for observers of a single job.
func JobScope(jobID string) Scope {
	return Scope("job:" + jobID)
}

// MessageType classifies published messages.
type MessageType string

const (
	TypeStatus   MessageType = "status"
	TypeArtifact MessageType = "artifact"
)

// Message is a sequenced payload pushed to subscribers.
type Message struct {
	Seq       int64            `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
	Type      MessageType      `json:"type"`
	JobID     string           `json:"job_id"`
	Status    domain.JobStatus `json:"status,omitempty"`
	Error     string           `json:"error,omitempty"`
	ResultRef string           `json:"result_ref,omitempty"`
}

// StatusMessage describes a job's current state.
func StatusMessage(job domain.Job) Message {
	return Message{
		Type:      TypeStatus,
		JobID:     job.ID,
		Status:    job.Status,
		Error:     job.Error,
		ResultRef: job.ResultRef,
	}
}

// ArtifactMessage announces a newly uploaded clip.
func ArtifactMessage(job domain.Job) Message {
	return Message{
		Type:      TypeArtifact,
		JobID:     job.ID,
		Status:    job.Status,
		ResultRef: job.ResultRef,
	}
}

// Sink receives messages for one subscription. Send must honour ctx where it can;
// an error unsubscribes the sink.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg Message) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// ChanSink buffers messages on a channel.
type ChanSink struct {
	ch chan Message
}

// NewChanSink creates a channel sink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	if buffer < 0 {
		buffer = 0
	}
	return &ChanSink{ch: make(chan Message, buffer)}
}

// Send delivers msg or gives up when ctx ends.
func (s *ChanSink) Send(ctx context.Context, msg Message) error {
	select {
	case s.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C exposes received messages.
func (s *ChanSink) C() <-chan Message {
	return s.ch
}
