// Package gcs archives raw fetch payloads to a Google Cloud Storage
// bucket.
package gcs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// Archiver writes crawl payloads to a GCS bucket. Objects are written
// once and never updated; the returned gs:// URI lands on the scrape
// record so a posting can always be traced back to its raw payload.
type Archiver struct {
	bucket *storage.BucketHandle
	name   string
	clock  func() time.Time
}

// New creates a GCS-backed archiver.
func New(client *storage.Client, cfg Config) (*Archiver, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Archiver{
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
		clock:  time.Now,
	}, nil
}

// Archive uploads one payload and returns its gs:// URI. Payloads are
// small, so the upload is a single request rather than a resumable
// session.
func (a *Archiver) Archive(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	path = strings.TrimLeft(path, "/")
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}

	w := a.bucket.Object(path).NewWriter(ctx)
	w.ChunkSize = 0
	if contentType != "" {
		w.ContentType = contentType
	}
	w.Metadata = map[string]string{
		"archived-at": a.clock().UTC().Format(time.RFC3339),
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write object %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close object %s: %w", path, err)
	}
	return "gs://" + a.name + "/" + path, nil
}
