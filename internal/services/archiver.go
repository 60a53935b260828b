package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/L-maple/ocr/internal/gcp"
)

// Archiver copies run artifacts (the workbook and preserved page images) to
// long-term storage.
type Archiver interface {
	Archive(ctx context.Context, prefix string, files []string) error
}

// GCSArchiver uploads artifacts to a Cloud Storage bucket.
type GCSArchiver struct {
	client     *storage.Client
	bucket     string
	maxRetries int
	backoff    time.Duration
}

// NewGCSArchiver creates an archiver for bucket.
func NewGCSArchiver(ctx context.Context, bucket string) (*GCSArchiver, error) {
	if bucket == "" {
		return nil, errors.New("archive bucket must be provided")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket, maxRetries: 4, backoff: time.Second}, nil
}

// Archive uploads every file to <prefix>/<basename>. Objects that already exist
// are left untouched.
func (a *GCSArchiver) Archive(ctx context.Context, prefix string, files []string) error {
	var errs []error
	for _, file := range files {
		objectName := path.Join(prefix, filepath.Base(file))
		if err := a.uploadFile(ctx, file, objectName); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *GCSArchiver) uploadFile(ctx context.Context, localPath, destObject string) error {
	backoff := a.backoff
	var lastErr error

	for i := 0; i < a.maxRetries; i++ {
		writeCtx, cancel := context.WithTimeout(ctx, time.Second*50)
		err := gcp.UploadFileAtomically(writeCtx, a.client.Bucket(a.bucket), destObject, localPath)
		cancel()

		if err == nil {
			return nil
		}
		if errors.Is(err, gcp.ErrObjectExists) {
			slog.Info("Skipping archive object that already exists.", "gcsObject", destObject)
			return nil
		}

		lastErr = err
		slog.Warn(
			"Upload failed, will retry.",
			"gcsObject", destObject,
			"attempt", i+1,
			"maxRetries", a.maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload for %s failed after all retries: %w", destObject, lastErr)
}

func (a *GCSArchiver) Close() error {
	return a.client.Close()
}
