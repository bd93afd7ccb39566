// Package gcs stores job artifacts in Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the bucket and how artifact URLs are rendered.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// PublicURL, when set, replaces the gs:// scheme in returned URLs, e.g.
	// https://storage.googleapis.com/<bucket>.
	PublicURL string `mapstructure:"public_url"`
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client    *storage.Client
	bucket    string
	publicURL string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// PutObject uploads the artifact and returns its URL.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("upload gs://%s/%s: %w (close writer: %v)", s.bucket, path, err, closeErr)
		}
		return "", fmt.Errorf("upload gs://%s/%s: %w", s.bucket, path, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize gs://%s/%s: %w", s.bucket, path, err)
	}
	return s.URL(path), nil
}

// URL renders the address of an object in the bucket.
func (s *BlobStore) URL(path string) string {
	if s.publicURL != "" {
		return s.publicURL + "/" + strings.TrimLeft(path, "/")
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path)
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	return s.client.Close()
}
