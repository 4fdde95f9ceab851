package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camcollect/internal/core/domain"
	"camcollect/internal/notify"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	names := make([]string, 0)
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "capture")
}

func TestCaptureRejectsExtraArgs(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"capture", "a", "b"})
	root.SetOut(&bytes.Buffer{})
	require.Error(t, root.Execute())
}

func TestRenderSummary(t *testing.T) {
	longRef := "https://storage.googleapis.com/fogcat-webcam/2026/10/" + strings.Repeat("x", 80) + ".mp4"
	out := renderSummary([][]string{{"Job ID", "abc"}, {"Result", longRef}, {"Broken"}})

	assert.True(t, strings.HasPrefix(out, "╭"), out)
	assert.Contains(t, out, "Field")
	assert.Contains(t, out, "abc")
	assert.NotContains(t, out, "Broken")
	for _, line := range strings.Split(out, "\n") {
		assert.NotContains(t, line, longRef, "long values wrap")
	}
}

func TestSummaryRows(t *testing.T) {
	created := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	done := summaryRows(domain.Job{
		ID:        "abc",
		SourceRef: "https://example.com/cam",
		Status:    domain.StatusCompleted,
		ResultRef: "file:///clips/2026/10/video_abc.mp4",
		CreatedAt: created,
	}, 1500*time.Millisecond)
	assert.Equal(t, [][]string{
		{"Job ID", "abc"},
		{"Source", "https://example.com/cam"},
		{"Status", "completed"},
		{"Result", "file:///clips/2026/10/video_abc.mp4"},
		{"Created", "2026-10-16T09:00:00Z"},
		{"Elapsed", "1.5s"},
	}, done)

	failed := summaryRows(domain.Job{ID: "x", Status: domain.StatusFailed, Error: "transcode failed", CreatedAt: created}, time.Second)
	assert.Contains(t, failed, []string{"Error", "transcode failed"})
	assert.NotContains(t, failed, []string{"Result", ""})
}

func TestWatchProgressDrainsAfterDone(t *testing.T) {
	updates := make(chan notify.Message, 4)
	done := make(chan struct{})
	updates <- notify.Message{Status: domain.StatusRunning}
	updates <- notify.Message{Status: domain.StatusFailed}
	close(done)

	var out bytes.Buffer
	watchProgress(&out, updates, done)
	assert.Contains(t, out.String(), "running")
	assert.Contains(t, out.String(), "failed")
}

func TestLockWorkDirIsExclusive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "work")

	first, err := lockWorkDir(dir)
	require.NoError(t, err)
	defer first.Unlock()

	_, err = lockWorkDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use")

	require.NoError(t, first.Unlock())
	again, err := lockWorkDir(dir)
	require.NoError(t, err)
	require.NoError(t, again.Unlock())
}
