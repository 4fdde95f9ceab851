// Package jobs holds the in-memory job registry.
package jobs

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"camcollect/internal/core/domain"
)

const maxIDAttempts = 3

// Registry is a mutex-guarded map of job records. Every read returns a copy.
type Registry struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	order []string

	now    func() time.Time
	newID  func() (uuid.UUID, error)
	logger *slog.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(gen func() (uuid.UUID, error)) Option {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		jobs:   make(map[string]*domain.Job),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewRandom,
		logger: logger.With("component", "job_registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create inserts a pending record for sourceRef.
func (r *Registry) Create(sourceRef string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := r.newID()
		if err != nil {
			lastErr = err
			continue
		}
		key := id.String()
		if _, exists := r.jobs[key]; exists {
			lastErr = fmt.Errorf("duplicate id %s", key)
			continue
		}

		now := r.now()
		job := &domain.Job{
			ID:        key,
			SourceRef: sourceRef,
			Status:    domain.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.jobs[key] = job
		r.order = append(r.order, key)
		return *job, nil
	}
	return domain.Job{}, fmt.Errorf("allocate job id: %w", lastErr)
}

// UpdateStatus applies a transition. detail becomes the error text for failed
// and the result reference for completed; it is ignored for other statuses.
func (r *Registry) UpdateStatus(id string, status domain.JobStatus, detail string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		r.logger.Warn("status update for unknown job", "job_id", id, "status", status)
		return domain.Job{}, domain.ErrNotFound
	}
	if !domain.CanTransition(job.Status, status) {
		r.logger.Error("rejected status transition",
			"job_id", id,
			"from", job.Status,
			"to", status,
		)
		return *job, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Status, status)
	}

	job.Status = status
	job.UpdatedAt = r.now()
	switch status {
	case domain.StatusFailed:
		job.Error = detail
	case domain.StatusCompleted:
		job.ResultRef = detail
	}
	return *job, nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *job, nil
}

// List returns every record in insertion order.
func (r *Registry) List() []domain.Job {
	return r.snapshot(func(domain.Job) bool { return true })
}

// ListActive returns non-terminal records in insertion order.
func (r *Registry) ListActive() []domain.Job {
	return r.snapshot(func(j domain.Job) bool { return !j.Status.IsTerminal() })
}

func (r *Registry) snapshot(keep func(domain.Job) bool) []domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Job, 0, len(r.order))
	for _, id := range r.order {
		job := *r.jobs[id]
		if keep(job) {
			out = append(out, job)
		}
	}
	return out
}

// Delete removes id. Unknown ids are ignored.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return
	}
	delete(r.jobs, id)
	r.removeFromOrder(id)
}

// DeleteTerminalBefore removes terminal records last updated before cutoff
// and returns how many were removed.
func (r *Registry) DeleteTerminalBefore(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	removed := 0
	for _, id := range r.order {
		job := r.jobs[id]
		if job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return removed
}

// Len returns the number of records held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *Registry) removeFromOrder(id string) {
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
