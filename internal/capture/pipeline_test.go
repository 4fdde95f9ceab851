//go:build unix

package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"camcollect/internal/core/domain"
	"camcollect/internal/core/ports"
)

// shSource runs script with the source ref as $1.
type shSource struct{ script string }

func (s shSource) FetchCommand(sourceRef string) ports.Command {
	return ports.Command{Path: "/bin/sh", Args: []string{"-c", s.script, "sh", sourceRef}}
}

// shTranscoder runs script with the duration in whole seconds as $1 and the output path as $2.
type shTranscoder struct{ script string }

func (s shTranscoder) TranscodeCommand(maxDuration time.Duration, outputPath string) ports.Command {
	secs := strconv.Itoa(int(maxDuration.Seconds()))
	return ports.Command{Path: "/bin/sh", Args: []string{"-c", s.script, "sh", secs, outputPath}}
}

type pidRecorder struct {
	mu   sync.Mutex
	pids map[string]int
}

func (r *pidRecorder) record(stage string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pids == nil {
		r.pids = make(map[string]int)
	}
	r.pids[stage] = pid
}

func (r *pidRecorder) get(stage string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pids[stage]
}

func newTestPipeline(t *testing.T, src, tc string, mutate func(*Options)) (*Pipeline, *pidRecorder) {
	t.Helper()
	rec := &pidRecorder{}
	opts := Options{
		Source:         shSource{script: src},
		Transcoder:     shTranscoder{script: tc},
		MaxDuration:    time.Second,
		TeardownGrace:  500 * time.Millisecond,
		HardLimitSlack: 10 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnStart:        rec.record,
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p, rec
}

// assertReaped checks that no process with pid exists any more.
func assertReaped(t *testing.T, pids ...int) {
	t.Helper()
	for _, pid := range pids {
		require.NotZero(t, pid, "stage never started")
		err := unix.Kill(pid, 0)
		assert.ErrorIs(t, err, unix.ESRCH, "pid %d still exists", pid)
	}
}

func TestPipelineRunSuccess(t *testing.T) {
	out := filepath.Join(t.TempDir(), "video_job.mp4")
	p, rec := newTestPipeline(t,
		`printf 'frame-data'`,
		`cat > "$2"`,
		nil,
	)

	err := p.Run(context.Background(), "https://example/stream", out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "frame-data", string(data))
	assertReaped(t, rec.get(StageSource), rec.get(StageTranscode))
}

func TestPipelineRunPassesSourceRefAndDuration(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "clip.mp4")
	p, _ := newTestPipeline(t,
		`printf '%s' "$1"`,
		`{ printf '%s|' "$1"; cat; } > "$2"`,
		func(o *Options) { o.MaxDuration = 15 * time.Second },
	)

	require.NoError(t, p.Run(context.Background(), "cam-42", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "15|cam-42", string(data))
}

func TestPipelineRespectsDurationCapWithEndlessSource(t *testing.T) {
	out := filepath.Join(t.TempDir(), "clip.mp4")
	p, rec := newTestPipeline(t,
		`exec yes`,
		`head -c 4096 > "$2"; sleep "$1"`,
		nil,
	)

	start := time.Now()
	err := p.Run(context.Background(), "live", out)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, time.Second+3*time.Second)
	assertReaped(t, rec.get(StageSource), rec.get(StageTranscode))

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size())
}

func TestPipelineTranscodeFailure(t *testing.T) {
	out := filepath.Join(t.TempDir(), "clip.mp4")
	p, rec := newTestPipeline(t,
		`exec sleep 30`,
		`echo "boom: invalid data found" >&2; exit 1`,
		nil,
	)

	start := time.Now()
	err := p.Run(context.Background(), "live", out)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	require.ErrorIs(t, err, domain.ErrTranscodeFailed)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageTranscode, stageErr.Stage)
	assert.Equal(t, 1, stageErr.ExitCode)
	assert.Contains(t, stageErr.Stderr, "boom: invalid data found")
	assert.Contains(t, err.Error(), "boom")

	assertReaped(t, rec.get(StageSource), rec.get(StageTranscode))
}

func TestPipelineSourceUnavailable(t *testing.T) {
	out := filepath.Join(t.TempDir(), "clip.mp4")
	p, rec := newTestPipeline(t,
		`echo "ERROR: unable to resolve $1" >&2; exit 2`,
		`cat > "$2"; echo "pipe:0: end of file" >&2; exit 1`,
		nil,
	)

	err := p.Run(context.Background(), "bad-ref", out)
	require.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.NotErrorIs(t, err, domain.ErrTranscodeFailed)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageSource, stageErr.Stage)
	assert.Equal(t, 2, stageErr.ExitCode)
	assert.Contains(t, stageErr.Stderr, "unable to resolve bad-ref")
	assertReaped(t, rec.get(StageSource), rec.get(StageTranscode))
}

func TestPipelineSourceFailingAfterTranscoderIsTranscodeFailure(t *testing.T) {
	out := filepath.Join(t.TempDir(), "clip.mp4")
	// The source ignores SIGPIPE and exits 1 shortly after the write error, like yt-dlp.
	p, rec := newTestPipeline(t,
		`trap '' PIPE; trap 'exit 1' TERM; while printf 'frame' 2>/dev/null; do :; done; sleep 0.2; exit 1`,
		`head -c 5 > /dev/null; echo "Invalid data found when processing input" >&2; exit 1`,
		nil,
	)

	err := p.Run(context.Background(), "live", out)
	require.ErrorIs(t, err, domain.ErrTranscodeFailed)
	assert.NotErrorIs(t, err, domain.ErrSourceUnavailable)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageTranscode, stageErr.Stage)
	assert.Contains(t, stageErr.Stderr, "Invalid data found")
	assertReaped(t, rec.get(StageSource), rec.get(StageTranscode))
}

func TestPipelineCancellation(t *testing.T) {
	out := filepath.Join(t.TempDir(), "clip.mp4")
	p, rec := newTestPipeline(t, `exec sleep 30`, `exec sleep 30`, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	err := p.Run(ctx, "live", out)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.ErrorIs(t, err, domain.ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	assertReaped(t, rec.get(StageSource), rec.get(StageTranscode))
}

func TestPipelineAlreadyCancelledDoesNotLaunch(t *testing.T) {
	p, rec := newTestPipeline(t, `exit 0`, `exit 0`, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Run(ctx, "live", filepath.Join(t.TempDir(), "clip.mp4"))
	require.ErrorIs(t, err, domain.ErrCancelled)
	assert.Zero(t, rec.get(StageTranscode))
	assert.Zero(t, rec.get(StageSource))
}

func TestPipelineKillsSourceIgnoringTerm(t *testing.T) {
	out := filepath.Join(t.TempDir(), "clip.mp4")
	p, rec := newTestPipeline(t,
		`trap '' TERM; while :; do sleep 0.1; done`,
		`exit 0`,
		func(o *Options) { o.TeardownGrace = 200 * time.Millisecond },
	)

	start := time.Now()
	require.NoError(t, p.Run(context.Background(), "live", out))
	assert.Less(t, time.Since(start), 2*time.Second)
	assertReaped(t, rec.get(StageSource), rec.get(StageTranscode))
}

func TestPipelineHardLimitBackstop(t *testing.T) {
	out := filepath.Join(t.TempDir(), "clip.mp4")
	p, rec := newTestPipeline(t,
		`exec sleep 30`,
		`exec sleep 30`,
		func(o *Options) {
			o.MaxDuration = 100 * time.Millisecond
			o.HardLimitSlack = 200 * time.Millisecond
		},
	)

	start := time.Now()
	err := p.Run(context.Background(), "live", out)
	assert.Less(t, time.Since(start), 3*time.Second)

	require.ErrorIs(t, err, domain.ErrTranscodeFailed)
	assert.Contains(t, err.Error(), "exceeded hard limit")
	assertReaped(t, rec.get(StageSource), rec.get(StageTranscode))
}

func TestPipelineTranscodeLaunchFailure(t *testing.T) {
	p, rec := newTestPipeline(t, `exit 0`, `exit 0`, func(o *Options) {
		o.Transcoder = transcoderFunc(func(time.Duration, string) ports.Command {
			return ports.Command{Path: filepath.Join(t.TempDir(), "missing-ffmpeg")}
		})
	})

	err := p.Run(context.Background(), "live", filepath.Join(t.TempDir(), "clip.mp4"))
	require.ErrorIs(t, err, domain.ErrTranscodeFailed)
	assert.Zero(t, rec.get(StageSource))
}

func TestPipelineSourceLaunchFailure(t *testing.T) {
	p, rec := newTestPipeline(t, `exit 0`, `exec sleep 30`, func(o *Options) {
		o.Source = sourceFunc(func(string) ports.Command {
			return ports.Command{Path: filepath.Join(t.TempDir(), "missing-yt-dlp")}
		})
	})

	start := time.Now()
	err := p.Run(context.Background(), "live", filepath.Join(t.TempDir(), "clip.mp4"))
	require.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
	assertReaped(t, rec.get(StageTranscode))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Transcoder: shTranscoder{}, MaxDuration: time.Second})
	require.Error(t, err)

	_, err = New(Options{Source: shSource{}, MaxDuration: time.Second})
	require.Error(t, err)

	_, err = New(Options{Source: shSource{}, Transcoder: shTranscoder{}})
	require.Error(t, err)

	p, err := New(Options{Source: shSource{}, Transcoder: shTranscoder{}, MaxDuration: 15 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, p.MaxDuration())
	assert.Equal(t, defaultTeardownGrace, p.teardownGrace)
}

func TestStageErrorUnwrap(t *testing.T) {
	cause := errors.New("exec: not found")
	err := &StageError{Kind: domain.ErrSourceUnavailable, Stage: StageSource, Command: "yt-dlp", ExitCode: -1, Err: cause}

	assert.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "source unavailable (stage=source cmd=yt-dlp exit=-1): exec: not found", err.Error())
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	buf := newTailBuffer(8)
	_, _ = buf.Write([]byte("hello "))
	_, _ = buf.Write([]byte("world"))
	assert.Equal(t, "lo world", buf.String())

	_, _ = buf.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", buf.String())
}

type sourceFunc func(string) ports.Command

func (f sourceFunc) FetchCommand(ref string) ports.Command { return f(ref) }

type transcoderFunc func(time.Duration, string) ports.Command

func (f transcoderFunc) TranscodeCommand(d time.Duration, out string) ports.Command { return f(d, out) }
