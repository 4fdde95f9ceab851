// Package gcs uploads finished clips to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"camcollect/internal/core/ports"
)

// objectWriter is the slice of the storage client the sink needs.
type objectWriter interface {
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
}

type clientWriter struct {
	client *storage.Client
}

func (c clientWriter) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "video/mp4"
	return w
}

// Sink implements ports.BlobSink for a single bucket.
type Sink struct {
	bucket string
	writer objectWriter
	closer io.Closer
	now    func() time.Time
}

// NewSink connects to GCS. credentialsFile may be empty to use application
// default credentials.
func NewSink(ctx context.Context, bucket, credentialsFile string) (*Sink, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	var opts []option.ClientOption
	if credentialsFile = strings.TrimSpace(credentialsFile); credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	return &Sink{
		bucket: bucket,
		writer: clientWriter{client: client},
		closer: client,
		now:    time.Now,
	}, nil
}

// Upload streams localPath to {year}/{month}/{basename} and returns its public URL.
func (s *Sink) Upload(ctx context.Context, localPath string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	// Cancelling the writer's context is the only way to abort an upload;
	// Close alone would commit the partial object.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	object := ports.ObjectKey(s.now().UTC(), localPath)
	w := s.writer.NewWriter(ctx, s.bucket, object)
	if _, err := io.Copy(w, src); err != nil {
		cancel()
		_ = w.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", s.bucket, object, err)
	}
	// The object is only committed once Close succeeds.
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("commit gs://%s/%s: %w", s.bucket, object, err)
	}

	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, object), nil
}

// Close releases the underlying client.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

var _ ports.BlobSink = (*Sink)(nil)
