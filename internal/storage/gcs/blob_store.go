// Package gcs archives analyzed documents in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// Config names the bucket documents are archived to.
type Config struct {
	Bucket string
	// Retain sets each object's custom time this far ahead so a bucket
	// lifecycle rule (DaysSinceCustomTime) deletes it after the token window.
	Retain time.Duration
}

// BlobStore implements job.BlobStore on a GCS bucket.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
	retain time.Duration
	now    func() time.Time
}

// New wraps client for cfg.Bucket.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	switch {
	case client == nil:
		return nil, errors.New("storage client is required")
	case strings.TrimSpace(cfg.Bucket) == "":
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
		retain: cfg.Retain,
		now:    time.Now,
	}, nil
}

// PutObject streams r into the bucket and returns the gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (_ string, err error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", errors.New("path is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.bucket.Object(path).NewWriter(ctx)
	w.ContentType = contentType
	now := s.now()
	w.Metadata = map[string]string{"archived-at": now.UTC().Format(time.RFC3339)}
	if s.retain > 0 {
		w.CustomTime = now.Add(s.retain)
	}
	if _, err := io.Copy(w, r); err != nil {
		// Canceling the context aborts the upload; Close then reports the cancel.
		cancel()
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", path, err)
	}
	return "gs://" + s.name + "/" + path, nil
}

// Ping checks that the bucket exists and is readable with the current credentials.
func (s *BlobStore) Ping(ctx context.Context) error {
	if _, err := s.bucket.Attrs(ctx); err != nil {
		return fmt.Errorf("bucket %s: %w", s.name, err)
	}
	return nil
}
