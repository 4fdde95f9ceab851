package service

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// terminalDeleter is the registry surface the reaper needs.
type terminalDeleter interface {
	DeleteTerminalBefore(cutoff time.Time) int
}

// ReaperOptions groups dependencies for Reaper.
type ReaperOptions struct {
	Registry  terminalDeleter // Required
	Retention time.Duration   // Required: age after which terminal records are removed
	Interval  time.Duration   // Required: sweep period
	Now       func() time.Time
	Logger    *slog.Logger
}

// Reaper deletes terminal job records once they outlive the retention window.
type Reaper struct {
	registry  terminalDeleter
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewReaper constructs a Reaper.
func NewReaper(opts ReaperOptions) (*Reaper, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	if opts.Interval <= 0 {
		return nil, errors.New("interval must be positive")
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry:  opts.Registry,
		retention: opts.Retention,
		interval:  opts.Interval,
		now:       now,
		logger:    logger.With("component", "reaper"),
	}, nil
}

// Run sweeps at the configured interval until ctx is cancelled.
// Returns nil on graceful shutdown (context.Canceled).
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper", "interval", r.interval, "retention", r.retention)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "reaper stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep removes expired terminal records once and returns how many went.
func (r *Reaper) Sweep() int {
	removed := r.registry.DeleteTerminalBefore(r.now().Add(-r.retention))
	if removed > 0 {
		r.logger.Info("deleted expired job records", "count", removed)
	}
	return removed
}
