package depcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsalesc/rbx-grading/src/cacher"
	"github.com/rsalesc/rbx-grading/src/digest"
	"github.com/rsalesc/rbx-grading/src/grading"
	"github.com/rsalesc/rbx-grading/src/storage"
)

func newTestCache(t *testing.T) (*DependencyCache, *cacher.Cacher, string) {
	t.Helper()
	root := t.TempDir()
	store, err := storage.New(filepath.Join(root, "store"))
	require.NoError(t, err)
	c, err := cacher.New(store, filepath.Join(root, "cache"), false)
	require.NoError(t, err)
	dc, err := New(root, c)
	require.NoError(t, err)
	t.Cleanup(func() { dc.Close() })
	return dc, c, root
}

func TestDoMissThenHitSkipsBody(t *testing.T) {
	dc, c, root := newTestCache(t)
	ctx := context.Background()

	runs := 0
	newManifest := func() *grading.Manifest {
		return &grading.Manifest{
			Root: root,
			Outputs: []grading.OutputFile{
				{Src: "out.txt", Hash: true},
			},
		}
	}

	body := func(m *grading.Manifest) func() error {
		return func() error {
			runs++
			path := filepath.Join(root, "out.txt")
			require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))
			d, err := c.PutFileFromPath(ctx, path)
			require.NoError(t, err)
			m.Outputs[0].Digest.Value = d
			return nil
		}
	}

	m1 := newManifest()
	hit, err := dc.Do(ctx, []string{"echo"}, []*grading.Manifest{m1}, nil, body(m1))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 1, runs)
	assert.True(t, m1.Outputs[0].Digest.IsSet())

	m2 := newManifest()
	hit, err = dc.Do(ctx, []string{"echo"}, []*grading.Manifest{m2}, nil, body(m2))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 1, runs, "body must not run again on a cache hit")
	assert.Equal(t, m1.Outputs[0].Digest.Value, m2.Outputs[0].Digest.Value)
}

func TestDoSwallowsNoCacheError(t *testing.T) {
	dc, _, root := newTestCache(t)
	ctx := context.Background()

	m := &grading.Manifest{Root: root}
	hit, err := dc.Do(ctx, []string{"noop"}, []*grading.Manifest{m}, nil, func() error {
		return ErrNoCache
	})
	require.NoError(t, err)
	assert.False(t, hit)

	calledAgain := false
	hit, err = dc.Do(ctx, []string{"noop"}, []*grading.Manifest{m}, nil, func() error {
		calledAgain = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, calledAgain, "nothing was stored, so this must be a miss again")
}

func TestCheckDigestsRejectsReusedHolder(t *testing.T) {
	holder := &digest.Holder{}
	manifests := []*grading.Manifest{
		{Outputs: []grading.OutputFile{{Digest: holder}, {Digest: holder}}},
	}
	err := checkDigests(manifests)
	assert.ErrorIs(t, err, errNonUniqueDigestHolder)
}
