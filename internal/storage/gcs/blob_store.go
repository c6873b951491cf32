// Package gcs archives raw page bodies in Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the bucket and object prefix.
type Config struct {
	Bucket string
	Prefix string
}

type openFunc func(ctx context.Context, object, contentType string) io.WriteCloser

// BlobStore writes archived pages to a GCS bucket.
type BlobStore struct {
	bucket string
	prefix string
	open   openFunc
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	open := func(ctx context.Context, object, contentType string) io.WriteCloser {
		w := client.Bucket(cfg.Bucket).Object(object).NewWriter(ctx)
		if contentType != "" {
			w.ContentType = contentType
		}
		return w
	}
	return newWithOpener(cfg, open)
}

func newWithOpener(cfg Config, open openFunc) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive.gcs_bucket is required")
	}
	return &BlobStore{bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/"), open: open}, nil
}

// PutObject uploads data and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	object := strings.TrimLeft(path, "/")
	if s.prefix != "" {
		object = s.prefix + "/" + object
	}
	writer := s.open(ctx, object, contentType)
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}
