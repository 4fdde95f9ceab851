package localstorage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"camcollect/internal/core/ports"
)

// LocalStorage implements ports.BlobSink on the local filesystem.
type LocalStorage struct {
	BaseDir string
	now     func() time.Time
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(baseDir string) *LocalStorage {
	return &LocalStorage{BaseDir: baseDir, now: time.Now}
}

// Upload copies localPath to BaseDir/{year}/{month}/{basename} and returns a file:// URL.
func (s *LocalStorage) Upload(ctx context.Context, localPath string) (string, error) {
	key := ports.ObjectKey(s.now().UTC(), localPath)
	dest := filepath.Join(s.BaseDir, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer src.Close()

	tmp := dest + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact file %s: %w", tmp, err)
	}

	if _, err := io.Copy(file, &ctxReader{ctx: ctx, r: src}); err != nil {
		file.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write artifact file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close artifact file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to publish artifact file: %w", err)
	}

	abs, err := filepath.Abs(dest)
	if err != nil {
		abs = dest
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ ports.BlobSink = (*LocalStorage)(nil)
