package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBlobStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalBlobStore(t.TempDir(), "")
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "sess/narrative.txt", []byte("hello"), "text/plain"))
	got, err := s.Get(ctx, "sess/narrative.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	// Overwrite replaces content.
	require.NoError(t, s.Put(ctx, "sess/narrative.txt", []byte("bye"), "text/plain"))
	got, err = s.Get(ctx, "sess/narrative.txt")
	require.NoError(t, err)
	assert.Equal(t, "bye", string(got))

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(s.root, "sess"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLocalBlobStore_NotFound(t *testing.T) {
	s, err := NewLocalBlobStore(t.TempDir(), "")
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "missing/key")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestLocalBlobStore_RejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalBlobStore(t.TempDir(), "")
	require.NoError(t, err)

	err = s.Put(context.Background(), "../outside", []byte("x"), "text/plain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes blob root")
}

func TestLocalBlobStore_URL(t *testing.T) {
	s, err := NewLocalBlobStore(t.TempDir(), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.URL("a/b.mp4"), "file://"))
	assert.True(t, strings.HasSuffix(s.URL("a/b.mp4"), "/a/b.mp4"))

	s2, err := NewLocalBlobStore(t.TempDir(), "https://cdn.example.com/reels/")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/reels/a/b.mp4", s2.URL("a/b.mp4"))
}

func TestGCSClientOptions(t *testing.T) {
	assert.Empty(t, GCSClientOptions("", ""))
	assert.Len(t, GCSClientOptions("/tmp/key.json", ""), 1)
	assert.Len(t, GCSClientOptions("/tmp/key.json", "token"), 2)
}
