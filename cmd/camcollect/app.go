package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"camcollect/internal/adapters/ffmpeg"
	"camcollect/internal/adapters/gcs"
	"camcollect/internal/adapters/localstorage"
	"camcollect/internal/adapters/redisbus"
	"camcollect/internal/adapters/ytdlp"
	"camcollect/internal/capture"
	"camcollect/internal/config"
	"camcollect/internal/core/ports"
	"camcollect/internal/jobs"
	"camcollect/internal/notify"
	"camcollect/internal/service"
)

const lockFileName = ".camcollect.lock"

// app is the wired object graph shared by the commands.
type app struct {
	registry *jobs.Registry
	bus      *notify.Bus
	orch     *service.Orchestrator
	closers  []func() error
	logger   *slog.Logger
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.registry = jobs.NewRegistry(logger)
	a.bus = notify.NewBus(notify.Options{
		Buffer:          cfg.Bus.Buffer,
		EnqueueTimeout:  cfg.Bus.EnqueueTimeout,
		DeliveryTimeout: cfg.Bus.DeliveryTimeout,
		Logger:          logger,
	})
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })

	pipeline, err := capture.New(capture.Options{
		Source:         ytdlp.NewSource(cfg.Capture.YtDlpPath, cfg.Capture.YtDlpFormat),
		Transcoder:     ffmpeg.NewTranscoder(cfg.Capture.FFmpegPath),
		MaxDuration:    cfg.Capture.Duration,
		TeardownGrace:  cfg.Capture.TeardownGrace,
		HardLimitSlack: cfg.Capture.HardLimitSlack,
		Logger:         logger,
		OnStart: func(stage string, pid int) {
			logger.Debug("capture process started", "stage", stage, "pid", pid)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build capture pipeline: %w", err)
	}

	sink, err := a.newBlobSink(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.URL != "" {
		if err := a.attachRelay(ctx, cfg.Redis); err != nil {
			return nil, err
		}
	}

	a.orch, err = service.NewOrchestrator(service.Options{
		Registry:      a.registry,
		Bus:           a.bus,
		Pipeline:      pipeline,
		Sink:          sink,
		WorkDir:       cfg.WorkDir,
		DefaultSource: cfg.DefaultSourceURL,
		Retention:     cfg.Retention.JobRetention,
		MaxConcurrent: cfg.Capture.MaxConcurrent,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	return a, nil
}

func (a *app) newBlobSink(ctx context.Context, cfg config.StorageConfig) (ports.BlobSink, error) {
	switch cfg.Backend {
	case config.StorageGCS:
		sink, err := gcs.NewSink(ctx, cfg.BucketName, cfg.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		a.closers = append(a.closers, sink.Close)
		a.logger.Info("using gcs storage", "bucket", cfg.BucketName)
		return sink, nil
	case config.StorageLocal:
		a.logger.Info("using local storage", "dir", cfg.LocalDir)
		return localstorage.NewLocalStorage(cfg.LocalDir), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// attachRelay mirrors broadcast messages onto Redis.
func (a *app) attachRelay(ctx context.Context, cfg config.RedisConfig) error {
	client, err := redisbus.Connect(ctx, cfg.URL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, client.Close)

	relay, err := redisbus.NewRelay(client, cfg.Channel, a.logger)
	if err != nil {
		return err
	}
	unsubscribe := a.bus.Subscribe(notify.Broadcast, relay)
	a.closers = append(a.closers, func() error { unsubscribe(); return nil })
	a.logger.Info("relaying artifacts to redis", "channel", cfg.Channel)
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to release resource", "error", err)
		}
	}
	a.closers = nil
}

// lockWorkDir takes an exclusive advisory lock so two servers never share a work dir.
func lockWorkDir(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errors.New("work dir " + dir + " is in use by another camcollect server")
	}
	return lock, nil
}
