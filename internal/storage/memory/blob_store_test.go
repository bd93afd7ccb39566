package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObject(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "smartcut_job_song.mp3", "audio/mpeg", bytes.NewReader([]byte("ID3")))
	require.NoError(t, err)
	require.Equal(t, "memory://smartcut_job_song.mp3", uri)

	obj, ok := store.Get("smartcut_job_song.mp3")
	require.True(t, ok)
	require.Equal(t, "audio/mpeg", obj.ContentType)
	obj.Data[0] = 'X'
	again, _ := store.Get("smartcut_job_song.mp3")
	require.Equal(t, "ID3", string(again.Data))
}

func TestBlobStoreRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), "", "", strings.NewReader("x"))
	require.Error(t, err)
}
