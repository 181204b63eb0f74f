package cacher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsalesc/rbx-grading/src/gradingcontext"
	"github.com/rsalesc/rbx-grading/src/storage"
)

func newTestCacher(t *testing.T) *Cacher {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	c, err := New(s, filepath.Join(t.TempDir(), "scratch"), false)
	require.NoError(t, err)
	return c
}

func TestPutThenGetFile(t *testing.T) {
	c := newTestCacher(t)
	ctx := context.Background()
	d, err := c.PutFileFromReader(ctx, strings.NewReader("hello cacher"))
	require.NoError(t, err)
	assert.True(t, c.Exists(d))

	rc, err := c.GetFile(ctx, d)
	require.NoError(t, err)
	defer rc.Close()
	buf := make([]byte, 64)
	n, _ := rc.Read(buf)
	assert.Equal(t, "hello cacher", string(buf[:n]))
}

func TestGetFileToPathSymlinksWhenAvailable(t *testing.T) {
	c := newTestCacher(t)
	ctx := context.Background()
	d, err := c.PutFileFromReader(ctx, strings.NewReader("link me"))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out", "file")
	require.NoError(t, c.GetFileToPath(ctx, d, dest))

	info, err := os.Lstat(dest)
	require.NoError(t, err)
	assert.NotEqual(t, os.FileMode(0), info.Mode()&os.ModeSymlink)
}

func TestTransientModeNeverPersistsToBackend(t *testing.T) {
	c := newTestCacher(t)
	ctx := gradingcontext.WithCacheLevel(context.Background(), gradingcontext.CacheTransiently)
	d, err := c.PutFileFromReader(ctx, strings.NewReader("transient content"))
	require.NoError(t, err)
	assert.False(t, c.storage.Exists(d))
	assert.True(t, c.Exists(d)) // still readable via local scratch
}

func TestDigestFromSymlinkRoundTrips(t *testing.T) {
	c := newTestCacher(t)
	ctx := context.Background()
	d, err := c.PutFileFromReader(ctx, strings.NewReader("resolve me"))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "link")
	require.NoError(t, c.GetFileToPath(ctx, d, dest))

	got, ok := c.DigestFromSymlink(dest)
	require.True(t, ok)
	assert.Equal(t, d, got)
}

func TestPrecacheLockExcludesSecondHolder(t *testing.T) {
	c := newTestCacher(t)
	unlock, ok, err := c.PrecacheLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	_, ok2, err := c.PrecacheLock()
	require.NoError(t, err)
	assert.False(t, ok2)
}

func TestPurgeRefusesSharedCache(t *testing.T) {
	s, err := storage.New(t.TempDir())
	require.NoError(t, err)
	c, err := New(s, t.TempDir(), true)
	require.NoError(t, err)
	assert.Error(t, c.Purge())
}
