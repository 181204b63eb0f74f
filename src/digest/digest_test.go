package digest

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfBytesIsStable(t *testing.T) {
	d1 := OfBytes([]byte("hello world"))
	d2 := OfBytes([]byte("hello world"))
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 40) // hex SHA-1 is 40 chars
}

func TestOfBytesDiffersOnContent(t *testing.T) {
	assert.NotEqual(t, OfBytes([]byte("a")), OfBytes([]byte("b")))
}

func TestOfReaderMatchesOfBytes(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	d, err := OfReader(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, OfBytes(content), d)
}

func TestOfFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("contents"), 0644))
	d, err := OfFile(path)
	require.NoError(t, err)
	assert.Equal(t, OfBytes([]byte("contents")), d)
}

func TestCooperativelyYieldsEachChunk(t *testing.T) {
	content := bytes.Repeat([]byte("x"), ChunkSize*3+17)
	d := New()
	yields := 0
	require.NoError(t, Cooperatively(bytes.NewReader(content), d, func() error {
		yields++
		return nil
	}))
	assert.Equal(t, 4, yields)
	assert.Equal(t, OfBytes(content), d.Digest())
}

func TestIsTombstone(t *testing.T) {
	assert.True(t, IsTombstone(Tombstone))
	assert.False(t, IsTombstone("deadbeef"))
}

func TestHolder(t *testing.T) {
	h := &Holder{}
	assert.False(t, h.IsSet())
	h.Value = strings.Repeat("a", 40)
	assert.True(t, h.IsSet())
}
