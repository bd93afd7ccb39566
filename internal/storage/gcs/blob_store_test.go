package gcs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
}

func TestURL(t *testing.T) {
	t.Parallel()

	s := &BlobStore{bucket: "media"}
	require.Equal(t, "gs://media/jobs/a.mp3", s.URL("jobs/a.mp3"))

	s.publicURL = "https://storage.googleapis.com/media"
	require.Equal(t, "https://storage.googleapis.com/media/jobs/a.mp3", s.URL("/jobs/a.mp3"))
}
