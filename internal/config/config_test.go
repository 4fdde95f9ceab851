package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.HTTPAddr)
	assert.Equal(t, filepath.Join(os.TempDir(), "camcollect"), cfg.WorkDir)
	assert.Equal(t, 15*time.Second, cfg.Capture.Duration)
	assert.Equal(t, 5*time.Second, cfg.Capture.TeardownGrace)
	assert.Empty(t, cfg.Capture.YtDlpPath)
	assert.Equal(t, "ffmpeg", cfg.Capture.FFmpegPath)
	assert.Equal(t, time.Hour, cfg.Retention.JobRetention)
	assert.Equal(t, StorageLocal, cfg.Storage.Backend)
	assert.Equal(t, "fogcat-webcam", cfg.Storage.BucketName)
	assert.Equal(t, "camcollect:artifacts", cfg.Redis.Channel)
	assert.Empty(t, cfg.Redis.URL)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestParseFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":8080")
	t.Setenv("CAPTURE_DURATION", "30s")
	t.Setenv("JOB_RETENTION", "0s")
	t.Setenv("STORAGE_BACKEND", "GCS")
	t.Setenv("BUCKET_NAME", "clips")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "Text")
	t.Setenv("MAX_CONCURRENT", "4")

	cfg, err := Parse()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 30*time.Second, cfg.Capture.Duration)
	assert.Zero(t, cfg.Retention.JobRetention)
	assert.Equal(t, StorageGCS, cfg.Storage.Backend)
	assert.Equal(t, "clips", cfg.Storage.BucketName)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Capture.MaxConcurrent)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestSanitizeGuardrails(t *testing.T) {
	cfg := Config{
		Capture:   CaptureConfig{Duration: time.Second, MaxConcurrent: -2},
		Retention: RetentionConfig{JobRetention: -time.Minute},
		Bus:       BusConfig{Buffer: 0},
	}
	cfg.Sanitize()

	assert.Equal(t, 100*time.Millisecond, cfg.Capture.TeardownGrace)
	assert.Equal(t, time.Second, cfg.Capture.HardLimitSlack)
	assert.Zero(t, cfg.Capture.MaxConcurrent)
	assert.Zero(t, cfg.Retention.JobRetention)
	assert.Equal(t, time.Second, cfg.Retention.ReaperInterval)
	assert.Equal(t, 1, cfg.Bus.Buffer)
	assert.NotEmpty(t, cfg.WorkDir)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := map[string]map[string]string{
		"zero duration":   {"CAPTURE_DURATION": "0s"},
		"unknown backend": {"STORAGE_BACKEND": "s3"},
		"bad level":       {"LOG_LEVEL": "loud"},
		"bad format":      {"LOG_FORMAT": "xml"},
		"gcs no bucket":   {"STORAGE_BACKEND": "gcs", "BUCKET_NAME": " "},
		"bad duration":    {"CAPTURE_DURATION": "fifteen"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := Parse()
			require.Error(t, err)
		})
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HTTP_ADDR=:7070\n"), 0o644))
	t.Chdir(dir)
	// Registered so t.Setenv restores the original state after godotenv sets it.
	t.Setenv("HTTP_ADDR", "")
	require.NoError(t, os.Unsetenv("HTTP_ADDR"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.HTTPAddr)
}

func TestLoadWithoutDotEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load()
	require.NoError(t, err)
}

func TestVersion(t *testing.T) {
	started := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	cfg := Config{}
	assert.Equal(t, "SERVER_START_TIME: 2026-10-01T08:00:00Z", cfg.Version(started))

	cfg.BuildTime = "2026-09-30"
	assert.Equal(t, "BUILD_TIME: 2026-09-30", cfg.Version(started))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "job_id", "abc")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "abc", entry["job_id"])

	buf.Reset()
	LogConfig{Level: "info", Format: "text"}.NewLogger(&buf).Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}
