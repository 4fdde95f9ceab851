// Package service coordinates capture jobs from request to uploaded artifact.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"camcollect/internal/core/domain"
	"camcollect/internal/core/ports"
	"camcollect/internal/jobs"
	"camcollect/internal/notify"
)

var (
	// ErrClosed is returned by Start and Submit after Shutdown.
	ErrClosed = errors.New("orchestrator is shut down")
	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = errors.New("job already finished")
	// ErrNoSource is returned when neither the request nor the configuration names a source.
	ErrNoSource = errors.New("no source given and no default source configured")
)

// Pipeline captures a bounded clip of sourceRef into outputPath.
type Pipeline interface {
	Run(ctx context.Context, sourceRef, outputPath string) error
}

// Options groups dependencies for the Orchestrator.
type Options struct {
	Registry *jobs.Registry // Required
	Bus      *notify.Bus    // Required
	Pipeline Pipeline       // Required
	Sink     ports.BlobSink // Required
	WorkDir  string         // Required: where output files are written

	// DefaultSource replaces an empty sourceRef.
	DefaultSource string
	// Retention of zero deletes a record right after its terminal notification.
	// Longer retention is enforced by the Reaper.
	Retention time.Duration
	// MaxConcurrent bounds in-flight captures; zero means unbounded.
	MaxConcurrent int
	Logger        *slog.Logger
}

// Orchestrator coordinates the capture workflow: it owns job tasks, drives
// record transitions and publishes progress.
type Orchestrator struct {
	registry      *jobs.Registry
	bus           *notify.Bus
	pipeline      Pipeline
	sink          ports.BlobSink
	workDir       string
	defaultSource string
	retention     time.Duration
	slots         *semaphore.Weighted
	logger        *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*Task
	closed bool
}

// Task is the handle of one running job.
type Task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// ID returns the job id.
func (t *Task) ID() string { return t.id }

// Done is closed once the job reached a terminal state and cleaned up.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel asks the job to stop. It is safe to call at any time.
func (t *Task) Cancel() { t.cancel() }

// Err returns the failure cause after Done is closed, or nil on success.
func (t *Task) Err() error {
	<-t.done
	return t.err
}

// NewOrchestrator creates a new Orchestrator and prepares its work directory.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("registry is required")
	case opts.Bus == nil:
		return nil, errors.New("notification bus is required")
	case opts.Pipeline == nil:
		return nil, errors.New("pipeline is required")
	case opts.Sink == nil:
		return nil, errors.New("blob sink is required")
	case strings.TrimSpace(opts.WorkDir) == "":
		return nil, errors.New("work dir is required")
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		registry:      opts.Registry,
		bus:           opts.Bus,
		pipeline:      opts.Pipeline,
		sink:          opts.Sink,
		workDir:       opts.WorkDir,
		defaultSource: strings.TrimSpace(opts.DefaultSource),
		retention:     opts.Retention,
		logger:        logger.With("component", "orchestrator"),
		baseCtx:       ctx,
		stop:          stop,
		tasks:         make(map[string]*Task),
	}
	if opts.MaxConcurrent > 0 {
		o.slots = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return o, nil
}

// Start launches a capture of sourceRef and returns the job id immediately.
func (o *Orchestrator) Start(sourceRef string) (string, error) {
	task, err := o.Submit(sourceRef)
	if err != nil {
		return "", err
	}
	return task.ID(), nil
}

// Submit launches a capture of sourceRef and returns its task handle.
// An empty sourceRef falls back to the default source.
func (o *Orchestrator) Submit(sourceRef string) (*Task, error) {
	task, _, err := o.submit(sourceRef, nil)
	return task, err
}

// SubmitWatched is Submit with watch subscribed to the job's updates before
// the first one is published, so it sees every status from pending on.
// The returned func unsubscribes watch.
func (o *Orchestrator) SubmitWatched(sourceRef string, watch notify.Sink) (*Task, func(), error) {
	if watch == nil {
		return nil, nil, errors.New("watch sink is required")
	}
	return o.submit(sourceRef, watch)
}

func (o *Orchestrator) submit(sourceRef string, watch notify.Sink) (*Task, func(), error) {
	sourceRef = strings.TrimSpace(sourceRef)
	if sourceRef == "" {
		sourceRef = o.defaultSource
	}
	if sourceRef == "" {
		return nil, nil, ErrNoSource
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, nil, ErrClosed
	}

	job, err := o.registry.Create(sourceRef)
	if err != nil {
		return nil, nil, fmt.Errorf("create job: %w", err)
	}
	unsubscribe := func() {}
	if watch != nil {
		unsubscribe = o.bus.Subscribe(notify.JobScope(job.ID), watch)
	}
	o.publishStatus(job)

	ctx, cancel := context.WithCancel(o.baseCtx)
	task := &Task{id: job.ID, cancel: cancel, done: make(chan struct{})}
	o.tasks[job.ID] = task
	o.wg.Add(1)
	go o.run(ctx, task, job)

	o.logger.Info("job submitted", "job_id", job.ID, "source", sourceRef)
	return task, unsubscribe, nil
}

// Cancel stops the in-flight job id.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	task, ok := o.tasks[id]
	o.mu.Unlock()
	if ok {
		task.Cancel()
		return nil
	}
	if _, err := o.registry.Get(id); err != nil {
		return err
	}
	return ErrJobFinished
}

// Get returns the record for id.
func (o *Orchestrator) Get(id string) (domain.Job, error) {
	return o.registry.Get(id)
}

// List returns every retained record.
func (o *Orchestrator) List() []domain.Job {
	return o.registry.List()
}

// ListActive returns records that have not reached a terminal state.
func (o *Orchestrator) ListActive() []domain.Job {
	return o.registry.ListActive()
}

// Subscribe attaches sink to the notification bus.
func (o *Orchestrator) Subscribe(scope notify.Scope, sink notify.Sink) func() {
	return o.bus.Subscribe(scope, sink)
}

// Shutdown rejects new jobs, cancels running ones and waits for them to
// finish until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

func (o *Orchestrator) run(ctx context.Context, task *Task, job domain.Job) {
	logger := o.logger.With("job_id", job.ID)
	defer o.wg.Done()
	defer close(task.done)
	defer task.cancel()
	defer o.forget(job.ID)

	start := time.Now()
	if err := o.execute(ctx, logger, job); err != nil {
		task.err = err
		logger.Error("job failed", "error", err, "elapsed", time.Since(start))
		o.fail(logger, job.ID, err)
	} else {
		logger.Info("job completed", "elapsed", time.Since(start))
	}

	if o.retention == 0 {
		o.registry.Delete(job.ID)
	}
}

func (o *Orchestrator) execute(ctx context.Context, logger *slog.Logger, job domain.Job) error {
	if o.slots != nil {
		if err := o.slots.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("%w: waiting for capture slot: %w", domain.ErrCancelled, err)
		}
		defer o.slots.Release(1)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: before start", domain.ErrCancelled)
	}

	if err := o.transition(job.ID, domain.StatusRunning, ""); err != nil {
		return err
	}

	outputPath := filepath.Join(o.workDir, "video_"+job.ID+".mp4")
	defer o.removeOutput(logger, outputPath)

	logger.Info("capturing", "source", job.SourceRef, "output", outputPath)
	if err := o.pipeline.Run(ctx, job.SourceRef, outputPath); err != nil {
		return err
	}

	// Capture and transcode finish together; the job goes straight to uploading.
	if err := o.transition(job.ID, domain.StatusUploading, ""); err != nil {
		return err
	}

	ref, err := o.sink.Upload(ctx, outputPath)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: during upload: %w", domain.ErrCancelled, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrUploadFailed, err)
	}
	if ref == "" {
		return fmt.Errorf("%w: empty remote reference", domain.ErrUploadFailed)
	}
	logger.Info("artifact uploaded", "result_ref", ref)

	done, err := o.registry.UpdateStatus(job.ID, domain.StatusCompleted, ref)
	if err != nil {
		return err
	}
	o.publishStatus(done)
	o.bus.Publish(notify.Broadcast, notify.ArtifactMessage(done))
	return nil
}

// transition updates the record and publishes the new status.
func (o *Orchestrator) transition(id string, status domain.JobStatus, detail string) error {
	job, err := o.registry.UpdateStatus(id, status, detail)
	if err != nil {
		return err
	}
	o.publishStatus(job)
	return nil
}

func (o *Orchestrator) fail(logger *slog.Logger, id string, cause error) {
	job, err := o.registry.UpdateStatus(id, domain.StatusFailed, cause.Error())
	if err != nil {
		logger.Warn("could not record failure", "error", err)
		return
	}
	o.publishStatus(job)
}

func (o *Orchestrator) publishStatus(job domain.Job) {
	o.bus.Publish(notify.JobScope(job.ID), notify.StatusMessage(job))
}

func (o *Orchestrator) removeOutput(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove output file", "path", path, "error", err)
	}
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.tasks, id)
	o.mu.Unlock()
}
