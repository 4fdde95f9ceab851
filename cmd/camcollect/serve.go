package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"camcollect/internal/adapters/httpapi"
	"camcollect/internal/config"
	"camcollect/internal/service"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collector HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides HTTP_ADDR)")
	return cmd
}

func runServe(parent context.Context, addr string) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.HTTPAddr = addr
	}
	logger := cfg.Log.NewLogger(os.Stdout)
	startedAt := time.Now().UTC()

	lock, err := lockWorkDir(cfg.WorkDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release work dir lock", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	// Zero retention deletes records inline, so there is nothing to reap.
	var reaper *service.Reaper
	if cfg.Retention.JobRetention > 0 {
		reaper, err = service.NewReaper(service.ReaperOptions{
			Registry:  a.registry,
			Retention: cfg.Retention.JobRetention,
			Interval:  cfg.Retention.ReaperInterval,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
	}

	api := httpapi.NewServer(a.orch, cfg.Version(startedAt), logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "work_dir", cfg.WorkDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if reaper != nil {
		g.Go(func() error { return reaper.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpErr := srv.Shutdown(shutdownCtx)
		jobsErr := a.orch.Shutdown(shutdownCtx)
		return errors.Join(httpErr, jobsErr)
	})

	return g.Wait()
}
