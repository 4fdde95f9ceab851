// Package capture runs the two-process source-fetch -> transcode pipeline.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"camcollect/internal/core/domain"
	"camcollect/internal/core/ports"
)

// Stage names used in errors, logs and the OnStart hook.
const (
	StageSource    = "source"
	StageTranscode = "transcode"
)

const (
	defaultTeardownGrace  = 5 * time.Second
	defaultHardLimitSlack = 30 * time.Second
	defaultStderrLimit    = 8 << 10
)

// Options configure a Pipeline.
type Options struct {
	Source     ports.StreamSource
	Transcoder ports.Transcoder

	// MaxDuration is handed to the transcoder as its output length cap.
	MaxDuration time.Duration
	// TeardownGrace is how long a terminated process gets before SIGKILL.
	TeardownGrace time.Duration
	// HardLimitSlack is added to MaxDuration to get the backstop after which
	// a transcoder ignoring its cap is killed.
	HardLimitSlack time.Duration
	// StderrLimit bounds the captured stderr tail per process.
	StderrLimit int

	Logger  *slog.Logger
	OnStart func(stage string, pid int)
}

// Pipeline chains a source-fetch process into a transcode process.
type Pipeline struct {
	source         ports.StreamSource
	transcoder     ports.Transcoder
	maxDuration    time.Duration
	teardownGrace  time.Duration
	hardLimitSlack time.Duration
	stderrLimit    int
	logger         *slog.Logger
	onStart        func(stage string, pid int)
}

// New validates opts and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Source == nil {
		return nil, errors.New("stream source is required")
	}
	if opts.Transcoder == nil {
		return nil, errors.New("transcoder is required")
	}
	if opts.MaxDuration <= 0 {
		return nil, fmt.Errorf("max duration must be positive, got %s", opts.MaxDuration)
	}
	if opts.TeardownGrace <= 0 {
		opts.TeardownGrace = defaultTeardownGrace
	}
	if opts.HardLimitSlack <= 0 {
		opts.HardLimitSlack = defaultHardLimitSlack
	}
	if opts.StderrLimit <= 0 {
		opts.StderrLimit = defaultStderrLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		source:         opts.Source,
		transcoder:     opts.Transcoder,
		maxDuration:    opts.MaxDuration,
		teardownGrace:  opts.TeardownGrace,
		hardLimitSlack: opts.HardLimitSlack,
		stderrLimit:    opts.StderrLimit,
		logger:         logger.With("component", "capture_pipeline"),
		onStart:        opts.OnStart,
	}, nil
}

// MaxDuration returns the configured clip length.
func (p *Pipeline) MaxDuration() time.Duration {
	return p.maxDuration
}

// process is one supervised child.
type process struct {
	name   string
	spec   ports.Command
	cmd    *exec.Cmd
	stderr *tailBuffer
	done   chan struct{}
	err    error

	// exitedAt is set once Wait returns; read it only after done is closed.
	exitedAt time.Time
}

func (p *Pipeline) newProcess(name string, spec ports.Command) *process {
	cmd := exec.Command(spec.Path, spec.Args...)
	stderr := newTailBuffer(p.stderrLimit)
	cmd.Stderr = stderr
	// Bounds Wait when an orphaned grandchild still holds the stderr pipe.
	cmd.WaitDelay = p.teardownGrace
	isolate(cmd)
	return &process{name: name, spec: spec, cmd: cmd, stderr: stderr}
}

func (pr *process) start() error {
	if err := pr.cmd.Start(); err != nil {
		return err
	}
	pr.done = make(chan struct{})
	go func() {
		pr.err = pr.cmd.Wait()
		pr.exitedAt = time.Now()
		close(pr.done)
	}()
	return nil
}

func (pr *process) running() bool {
	if pr == nil || pr.done == nil {
		return false
	}
	select {
	case <-pr.done:
		return false
	default:
		return true
	}
}

func (pr *process) exitCode() int {
	if pr.cmd.ProcessState == nil {
		return -1
	}
	return pr.cmd.ProcessState.ExitCode()
}

// Run captures sourceRef into outputPath. Both processes have exited and been
// reaped by the time Run returns. Removing a partial outputPath is the caller's job.
func (p *Pipeline) Run(ctx context.Context, sourceRef, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Kind: domain.ErrCancelled, Err: err}
	}

	pipeR, pipeW, err := os.Pipe()
	if err != nil {
		return &StageError{Kind: domain.ErrTranscodeFailed, Stage: StageTranscode, Err: fmt.Errorf("create pipe: %w", err)}
	}

	transcode := p.newProcess(StageTranscode, p.transcoder.TranscodeCommand(p.maxDuration, outputPath))
	transcode.cmd.Stdin = pipeR
	source := p.newProcess(StageSource, p.source.FetchCommand(sourceRef))
	source.cmd.Stdout = pipeW

	logger := p.logger.With("source_ref", sourceRef, "output", outputPath)

	defer func() {
		_ = pipeR.Close()
		_ = pipeW.Close()
		p.release(transcode)
		p.release(source)
	}()

	if err := transcode.start(); err != nil {
		return &StageError{Kind: domain.ErrTranscodeFailed, Stage: StageTranscode, Command: transcode.spec.Path, ExitCode: -1, Err: err}
	}
	p.started(transcode)

	if err := source.start(); err != nil {
		return &StageError{Kind: domain.ErrSourceUnavailable, Stage: StageSource, Command: source.spec.Path, ExitCode: -1, Err: err}
	}
	p.started(source)

	// The children hold their own copies; closing ours lets EOF reach the
	// transcoder once the source exits.
	_ = pipeR.Close()
	_ = pipeW.Close()

	hardLimit := time.NewTimer(p.maxDuration + p.hardLimitSlack)
	defer hardLimit.Stop()

	select {
	case <-ctx.Done():
		logger.Info("capture cancelled, killing stages")
		p.release(transcode)
		p.release(source)
		return &StageError{Kind: domain.ErrCancelled, Err: ctx.Err()}

	case <-hardLimit.C:
		logger.Warn("transcoder ignored its duration cap, killing", "limit", p.maxDuration+p.hardLimitSlack)
		p.release(transcode)
		p.terminate(source)
		return &StageError{
			Kind:     domain.ErrTranscodeFailed,
			Stage:    StageTranscode,
			Command:  transcode.spec.Path,
			ExitCode: transcode.exitCode(),
			Stderr:   transcode.stderr.String(),
			Err:      fmt.Errorf("exceeded hard limit of %s", p.maxDuration+p.hardLimitSlack),
		}

	case <-transcode.done:
	}

	// A live source never ends on its own.
	p.terminate(source)

	if transcode.err == nil {
		logger.Debug("capture finished", "source_exit", source.exitCode())
		return nil
	}

	// Blame the source only when it failed before the transcoder did. A source
	// that exits nonzero afterwards is usually reacting to the broken pipe.
	if code := source.exitCode(); code > 0 && source.exitedAt.Before(transcode.exitedAt) {
		return &StageError{
			Kind:     domain.ErrSourceUnavailable,
			Stage:    StageSource,
			Command:  source.spec.Path,
			ExitCode: code,
			Stderr:   source.stderr.String(),
			Err:      fmt.Errorf("transcoder exited with %d after source failed", transcode.exitCode()),
		}
	}

	return &StageError{
		Kind:     domain.ErrTranscodeFailed,
		Stage:    StageTranscode,
		Command:  transcode.spec.Path,
		ExitCode: transcode.exitCode(),
		Stderr:   transcode.stderr.String(),
	}
}

func (p *Pipeline) started(pr *process) {
	pid := pr.cmd.Process.Pid
	p.logger.Debug("stage started", "stage", pr.name, "pid", pid, "cmd", pr.spec.String())
	if p.onStart != nil {
		p.onStart(pr.name, pid)
	}
}

// terminate asks pr to stop, escalates to SIGKILL after the grace period and
// waits for it to be reaped.
func (p *Pipeline) terminate(pr *process) {
	if !pr.running() {
		return
	}
	if err := terminateGroup(pr.cmd); err != nil {
		p.logger.Warn("terminate stage", "stage", pr.name, "error", err)
	}

	grace := time.NewTimer(p.teardownGrace)
	defer grace.Stop()
	select {
	case <-pr.done:
		return
	case <-grace.C:
	}

	p.logger.Warn("stage ignored SIGTERM, killing", "stage", pr.name, "grace", p.teardownGrace)
	p.release(pr)
}

// release kills pr if it is still running and waits for it. Safe to call on
// processes that never started or already exited.
func (p *Pipeline) release(pr *process) {
	if pr == nil || pr.done == nil {
		return
	}
	if pr.running() {
		if err := killGroup(pr.cmd); err != nil {
			p.logger.Warn("kill stage", "stage", pr.name, "error", err)
		}
	}
	<-pr.done
}
