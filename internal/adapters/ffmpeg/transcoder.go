package ffmpeg

import (
	"strconv"
	"strings"
	"time"

	"camcollect/internal/core/ports"
)

// Transcoder builds ffmpeg invocations that read the stream from stdin.
type Transcoder struct {
	binaryPath string
}

// NewTranscoder creates an ffmpeg transcoder; empty binaryPath means "ffmpeg" on PATH.
func NewTranscoder(binaryPath string) *Transcoder {
	binaryPath = strings.TrimSpace(binaryPath)
	if binaryPath == "" {
		binaryPath = "ffmpeg"
	}
	return &Transcoder{binaryPath: binaryPath}
}

// TranscodeCommand caps output at maxDuration with -t so ffmpeg stops on its own.
func (t *Transcoder) TranscodeCommand(maxDuration time.Duration, outputPath string) ports.Command {
	return ports.Command{
		Path: t.binaryPath,
		Args: buildArgs(maxDuration, outputPath),
	}
}

func buildArgs(maxDuration time.Duration, outputPath string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", "pipe:0",
		"-t", formatSeconds(maxDuration),
		"-c:v", "libx264",
		"-c:a", "aac",
		"-movflags", "+faststart",
		outputPath,
	}
}

// formatSeconds renders d in seconds without trailing zeros.
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

var _ ports.Transcoder = (*Transcoder)(nil)
