// Package config loads service configuration from the environment.
//
// Values come from environment variables parsed with github.com/caarlos0/env,
// after an optional .env file has been loaded with github.com/joho/godotenv.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StorageLocal = "local"
	StorageGCS   = "gcs"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":5000"`
	// WorkDir holds in-flight output files. Defaults to <os temp>/camcollect.
	WorkDir string `env:"WORK_DIR"`
	// DefaultSourceURL is used when a start request names no source.
	DefaultSourceURL string `env:"DEFAULT_SOURCE_URL" envDefault:"https://www.youtube.com/watch?v=hXtYKDio1rQ"`
	BuildTime        string `env:"BUILD_TIME"`

	Capture   CaptureConfig
	Retention RetentionConfig
	Bus       BusConfig
	Storage   StorageConfig
	Redis     RedisConfig `envPrefix:"REDIS_"`
	Log       LogConfig   `envPrefix:"LOG_"`
}

// CaptureConfig controls the source-fetch/transcode pipeline.
type CaptureConfig struct {
	Duration       time.Duration `env:"CAPTURE_DURATION" envDefault:"15s"`
	TeardownGrace  time.Duration `env:"TEARDOWN_GRACE"   envDefault:"5s"`
	HardLimitSlack time.Duration `env:"HARD_LIMIT_SLACK" envDefault:"30s"`
	// YtDlpPath empty means yt-dlp from PATH or the working directory.
	YtDlpPath   string `env:"YTDLP_PATH"`
	YtDlpFormat string `env:"YTDLP_FORMAT" envDefault:"best"`
	FFmpegPath  string `env:"FFMPEG_PATH"  envDefault:"ffmpeg"`
	// MaxConcurrent bounds in-flight captures; 0 means unbounded.
	MaxConcurrent int `env:"MAX_CONCURRENT" envDefault:"0"`
}

// RetentionConfig controls how long terminal job records stay queryable.
type RetentionConfig struct {
	// JobRetention of 0 deletes a record as soon as its final status is published.
	JobRetention   time.Duration `env:"JOB_RETENTION"   envDefault:"1h"`
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`
}

// BusConfig tunes notification delivery.
type BusConfig struct {
	Buffer          int           `env:"BUS_BUFFER"           envDefault:"16"`
	EnqueueTimeout  time.Duration `env:"BUS_ENQUEUE_TIMEOUT"  envDefault:"250ms"`
	DeliveryTimeout time.Duration `env:"BUS_DELIVERY_TIMEOUT" envDefault:"5s"`
}

// StorageConfig selects and configures the blob sink.
type StorageConfig struct {
	Backend            string `env:"STORAGE_BACKEND"      envDefault:"local"`
	BucketName         string `env:"BUCKET_NAME"          envDefault:"fogcat-webcam"`
	ServiceAccountFile string `env:"SERVICE_ACCOUNT_FILE"`
	LocalDir           string `env:"LOCAL_STORAGE_DIR"    envDefault:"./data/artifacts"`
}

// RedisConfig enables the artifact relay when URL is set.
type RedisConfig struct {
	URL     string `env:"URL"`
	Channel string `env:"CHANNEL" envDefault:"camcollect:artifacts"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `env:"LEVEL"  envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Load reads .env (if present) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}
	return Parse()
}

// Parse reads configuration from the environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Sanitize applies defaults and guardrails.
func (c *Config) Sanitize() {
	if strings.TrimSpace(c.WorkDir) == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "camcollect")
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))

	if c.Capture.TeardownGrace < 100*time.Millisecond {
		c.Capture.TeardownGrace = 100 * time.Millisecond
	}
	if c.Capture.HardLimitSlack < time.Second {
		c.Capture.HardLimitSlack = time.Second
	}
	if c.Capture.MaxConcurrent < 0 {
		c.Capture.MaxConcurrent = 0
	}
	if c.Retention.JobRetention < 0 {
		c.Retention.JobRetention = 0
	}
	if c.Retention.ReaperInterval < time.Second {
		c.Retention.ReaperInterval = time.Second
	}
	if c.Bus.Buffer < 1 {
		c.Bus.Buffer = 1
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Capture.Duration <= 0 {
		errs = append(errs, fmt.Errorf("CAPTURE_DURATION must be positive, got %s", c.Capture.Duration))
	}
	switch c.Storage.Backend {
	case StorageLocal:
		if strings.TrimSpace(c.Storage.LocalDir) == "" {
			errs = append(errs, errors.New("LOCAL_STORAGE_DIR is required for the local backend"))
		}
	case StorageGCS:
		if strings.TrimSpace(c.Storage.BucketName) == "" {
			errs = append(errs, errors.New("BUCKET_NAME is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("unknown LOG_FORMAT %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SlogLevel maps Level onto slog.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", l.Level)
	}
	return level, nil
}

// NewLogger builds the process logger described by l, writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Version describes the running build for the root endpoint.
func (c *Config) Version(startedAt time.Time) string {
	if c.BuildTime != "" {
		return "BUILD_TIME: " + c.BuildTime
	}
	return "SERVER_START_TIME: " + startedAt.Format(time.RFC3339)
}
