package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"camcollect/internal/config"
	"camcollect/internal/core/domain"
	"camcollect/internal/notify"
)

func newCaptureCommand() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "capture [source-url]",
		Short: "Capture and upload one clip, then exit",
		Example: "  camcollect capture https://www.youtube.com/watch?v=hXtYKDio1rQ\n" +
			"  camcollect capture --duration 30s",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := ""
			if len(args) == 1 {
				source = args[0]
			}
			return runCapture(cmd.Context(), cmd.OutOrStdout(), source, duration)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "Clip length (overrides CAPTURE_DURATION)")
	return cmd
}

func runCapture(parent context.Context, out io.Writer, source string, duration time.Duration) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if duration > 0 {
		cfg.Capture.Duration = duration
	}
	// The record must outlive the job for the summary; the process exits right after.
	cfg.Retention.JobRetention = time.Hour
	logger := cfg.Log.NewLogger(os.Stderr)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	started := time.Now()
	progress := notify.NewChanSink(16)
	task, unsubscribe, err := a.orch.SubmitWatched(source, progress)
	if err != nil {
		return err
	}
	defer unsubscribe()
	stop := context.AfterFunc(ctx, task.Cancel)
	defer stop()

	fmt.Fprintf(out, "Job %s started (%s clip)\n", task.ID(), cfg.Capture.Duration)
	watchProgress(out, progress.C(), task.Done())

	job, err := a.orch.Get(task.ID())
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderSummary(summaryRows(job, time.Since(started))))

	if err := task.Err(); err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}
	return nil
}

// watchProgress prints status changes until done is closed.
func watchProgress(out io.Writer, updates <-chan notify.Message, done <-chan struct{}) {
	for {
		select {
		case msg := <-updates:
			printProgress(out, msg)
		case <-done:
			for {
				select {
				case msg := <-updates:
					printProgress(out, msg)
				default:
					return
				}
			}
		}
	}
}

func printProgress(out io.Writer, msg notify.Message) {
	fmt.Fprintf(out, "  %s  %s\n", msg.Timestamp.Local().Format(time.TimeOnly), msg.Status)
}

func summaryRows(job domain.Job, elapsed time.Duration) [][]string {
	rows := [][]string{
		{"Job ID", job.ID},
		{"Source", job.SourceRef},
		{"Status", string(job.Status)},
	}
	if job.ResultRef != "" {
		rows = append(rows, []string{"Result", job.ResultRef})
	}
	if job.Error != "" {
		rows = append(rows, []string{"Error", job.Error})
	}
	rows = append(rows,
		[]string{"Created", job.CreatedAt.Format(time.RFC3339)},
		[]string{"Elapsed", elapsed.Round(time.Millisecond).String()},
	)
	return rows
}
