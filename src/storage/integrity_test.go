package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckIntegrityDetectsTampering(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	d := writeBlob(t, s, []byte("original content"), false)

	bad, err := s.CheckIntegrity(false)
	require.NoError(t, err)
	assert.Empty(t, bad)

	require.NoError(t, os.Chmod(s.pathFor(d), 0644))
	require.NoError(t, os.WriteFile(s.pathFor(d), []byte("tampered content"), 0644))

	bad, err = s.CheckIntegrity(true)
	require.NoError(t, err)
	assert.Equal(t, []string{d}, bad)
	assert.False(t, s.Exists(d))
}
