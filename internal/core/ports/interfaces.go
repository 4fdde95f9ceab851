package ports

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// Command is one external program invocation.
type Command struct {
	Path string
	Args []string
}

// String renders the command for logs.
func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

// StreamSource builds the command that writes raw stream bytes to stdout.
type StreamSource interface {
	// FetchCommand returns the source-fetch invocation for sourceRef.
	// The process may never terminate on its own for live sources.
	FetchCommand(sourceRef string) Command
}

// Transcoder builds the command that reads stdin and writes the bounded clip.
type Transcoder interface {
	// TranscodeCommand returns an invocation that stops after maxDuration of output.
	TranscodeCommand(maxDuration time.Duration, outputPath string) Command
}

// BlobSink defines the contract for durable artifact storage.
type BlobSink interface {
	// Upload stores the file at localPath and returns its remote reference.
	Upload(ctx context.Context, localPath string) (string, error)
}

// ObjectKey returns the remote name for localPath: {year}/{month}/{basename}.
func ObjectKey(now time.Time, localPath string) string {
	return fmt.Sprintf("%04d/%02d/%s", now.Year(), int(now.Month()), filepath.Base(localPath))
}
