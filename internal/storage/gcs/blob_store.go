// Package gcs archives blobs in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the target bucket and object metadata.
type Config struct {
	Bucket string
	// Metadata is attached to every object written.
	Metadata map[string]string
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client   *storage.Client
	bucket   string
	metadata map[string]string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		client:   client,
		bucket:   cfg.Bucket,
		metadata: maps.Clone(cfg.Metadata),
	}, nil
}

// PutObject uploads r to the bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if len(s.metadata) > 0 {
		writer.Metadata = maps.Clone(s.metadata)
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}
