package storage

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsalesc/rbx-grading/src/digest"
)

func writeBlob(t *testing.T, s *FilesystemStorage, content []byte, compress bool) string {
	t.Helper()
	d := digest.OfBytes(content)
	pf, err := s.CreateFile(d, compress, 5)
	require.NoError(t, err)
	require.NotNil(t, pf)
	_, err = pf.Write(content)
	require.NoError(t, err)
	ok, err := s.CommitFile(pf)
	require.NoError(t, err)
	assert.True(t, ok)
	return d
}

func TestRoundTripUncompressed(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	content := []byte("hello, blob store")
	d := writeBlob(t, s, content, false)

	rc, err := s.GetFile(d)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestRoundTripCompressed(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	content := []byte("some moderately compressible content content content content")
	d := writeBlob(t, s, content, true)

	rc, err := s.GetFile(d)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	var meta CompressionMetadata
	ok, err := s.GetMetadata(d, CompressionMetadataKey, &meta)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, meta.CompressionLevel)
}

func TestCreateFileReturnsNilWhenAlreadyExists(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	content := []byte("dup")
	writeBlob(t, s, content, false)

	pf, err := s.CreateFile(digest.OfBytes(content), false, 0)
	require.NoError(t, err)
	assert.Nil(t, pf)
}

func TestSecondCommitterLoses(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	content := []byte("race")
	d := digest.OfBytes(content)

	pf1, err := s.CreateFile(d, false, 0)
	require.NoError(t, err)
	pf2, err := s.CreateFile(d, false, 0)
	require.NoError(t, err)
	require.NotNil(t, pf1)
	require.NotNil(t, pf2)

	pf1.Write(content)
	pf2.Write(content)

	ok1, err := s.CommitFile(pf1)
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := s.CommitFile(pf2)
	require.NoError(t, err)
	assert.False(t, ok2)
	_, statErr := os.Stat(pf2.tempPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPathForSymlinkNilWhenCompressed(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	content := []byte("compressed content")
	d := writeBlob(t, s, content, true)

	_, ok := s.PathForSymlink(d)
	assert.False(t, ok)
}

func TestPathForSymlinkUncompressed(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	content := []byte("plain content")
	d := writeBlob(t, s, content, false)

	p, ok := s.PathForSymlink(d)
	require.True(t, ok)
	assert.FileExists(t, p)
}

func TestFilenameFromSymlink(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "store"))
	require.NoError(t, err)
	content := []byte("symlink target")
	d := writeBlob(t, s, content, false)
	p, _ := s.PathForSymlink(d)

	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(p, link))

	got, ok := s.FilenameFromSymlink(link)
	require.True(t, ok)
	assert.Equal(t, d, got)
}

func TestDeleteRemovesBlobAndMetadata(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	content := []byte("to be deleted")
	d := writeBlob(t, s, content, true)
	require.NoError(t, s.Delete(d))
	assert.False(t, s.Exists(d))
	keys, err := s.ListMetadata(d)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestTombstoneReadsFail(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = s.GetFile(digest.Tombstone)
	assert.ErrorIs(t, err, ErrTombstone)
	assert.False(t, s.Exists(digest.Tombstone))
	require.NoError(t, s.Delete(digest.Tombstone)) // no-op, must not error
}
