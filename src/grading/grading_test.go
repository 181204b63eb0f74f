package grading

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsalesc/rbx-grading/src/cacher"
	"github.com/rsalesc/rbx-grading/src/digest"
	"github.com/rsalesc/rbx-grading/src/sandbox"
	"github.com/rsalesc/rbx-grading/src/storage"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	store, err := storage.New(filepath.Join(root, "store"))
	require.NoError(t, err)
	c, err := cacher.New(store, filepath.Join(root, "cache"), false)
	require.NoError(t, err)
	sb, err := sandbox.New("grading-test")
	require.NoError(t, err)
	t.Cleanup(func() { sb.Cleanup(true) })
	return New(sb, c), root
}

func TestRunHarvestsOutputDigest(t *testing.T) {
	e, root := newTestEngine(t)
	holder := &digest.Holder{}
	m := &Manifest{
		Root: root,
		Outputs: []OutputFile{
			{Src: "out.txt", Digest: holder, Hash: true},
		},
	}
	_, err := e.Run(context.Background(), RunParams{
		CommandLine: "bash -c " + shellQuote("echo hi > out.txt"),
		Stdout:      "run.stdout",
	}, m)
	require.NoError(t, err)
	assert.True(t, holder.IsSet())
}

func TestCompileStopsOnFirstFailure(t *testing.T) {
	e, root := newTestEngine(t)
	m := &Manifest{Root: root, Logs: &Logs{}}
	ok, err := e.Compile(context.Background(), CompileParams{
		CommandLines: []string{"false", "true"},
	}, m)
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, m.Logs.Preprocess, 1)
}

func TestCompileRunsAllOnSuccess(t *testing.T) {
	e, root := newTestEngine(t)
	m := &Manifest{Root: root, Logs: &Logs{}}
	ok, err := e.Compile(context.Background(), CompileParams{
		CommandLines: []string{"true", "true"},
	}, m)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, m.Logs.Preprocess, 2)
}

func TestStageInputFromHostPath(t *testing.T) {
	e, root := newTestEngine(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "in.txt"), []byte("payload"), 0o644))
	m := &Manifest{
		Root:   root,
		Inputs: []InputFile{{Dest: "staged.txt", Src: "in.txt"}},
	}
	res, err := e.Run(context.Background(), RunParams{CommandLine: "cat staged.txt", Stdout: "out.txt"}, m)
	require.NoError(t, err)
	assert.Equal(t, sandbox.OK, res.ExitStatus)
	out, err := os.ReadFile(e.Sandbox.RelativePath("out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(out))
}

func TestAreArtifactsOKMissingRequiredOutput(t *testing.T) {
	e, root := newTestEngine(t)
	m := &Manifest{Root: root, Outputs: []OutputFile{{Src: "missing.txt"}}}
	assert.False(t, e.areArtifactsOK(m))
}

func shellQuote(s string) string {
	return "'" + s + "'"
}
