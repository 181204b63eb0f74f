package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	s, err := New("test")
	require.NoError(t, err)
	t.Cleanup(func() { s.Cleanup(true) })
	return s
}

func TestRunSuccess(t *testing.T) {
	s := newTestSandbox(t)
	res, err := s.Run(context.Background(), []string{"echo", "hi"}, Params{})
	require.NoError(t, err)
	assert.Equal(t, OK, res.Status)
	assert.Equal(t, "hi\n", string(res.Stdout))
}

func TestRunNonzeroExit(t *testing.T) {
	s := newTestSandbox(t)
	res, err := s.Run(context.Background(), []string{"false"}, Params{})
	require.NoError(t, err)
	assert.Equal(t, NonzeroReturn, res.Status)
}

func TestRunStagesStdinStdoutFiles(t *testing.T) {
	s := newTestSandbox(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "in.txt"), []byte("hello\n"), 0o644))
	res, err := s.Run(context.Background(), []string{"cat"}, Params{Stdin: "in.txt", Stdout: "out.txt"})
	require.NoError(t, err)
	assert.Equal(t, OK, res.Status)
	out, err := os.ReadFile(filepath.Join(s.Root(), "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestGlobMatchesMaterializedFiles(t *testing.T) {
	s := newTestSandbox(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "b.txt"), []byte("x"), 0o644))
	matches, err := s.Glob("*.txt")
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestRunCoordinatedEchoesBetweenProcesses(t *testing.T) {
	s := newTestSandbox(t)
	// The "solution" reads one line and echoes it back uppercased; the
	// "interactor" sends one line and checks what comes back.
	solution := []string{"bash", "-c", `read line; echo "${line^^}"`}
	interactor := []string{"bash", "-c", `echo hello; read reply; test "$reply" = "HELLO"`}

	res, err := s.RunCoordinated(context.Background(), solution, interactor, Params{}, Params{}, "")
	require.NoError(t, err)
	assert.Equal(t, OK, res.Solution.Status)
	assert.Equal(t, OK, res.Interactor.Status)
}

func TestRunCoordinatedMergedCapture(t *testing.T) {
	s := newTestSandbox(t)
	solution := []string{"bash", "-c", `read line; echo "${line^^}"`}
	interactor := []string{"bash", "-c", `echo hello; read reply; test "$reply" = "HELLO"`}

	res, err := s.RunCoordinated(context.Background(), solution, interactor, Params{}, Params{}, "merged.log")
	require.NoError(t, err)
	assert.Equal(t, OK, res.Solution.Status)
	assert.Equal(t, OK, res.Interactor.Status)

	content, err := os.ReadFile(filepath.Join(s.Root(), "merged.log"))
	require.NoError(t, err)
	lines := string(content)
	assert.Contains(t, lines, "<\n")
	assert.Contains(t, lines, ">\n")
	assert.Contains(t, lines, "<hello\n")
	assert.Contains(t, lines, ">HELLO\n")
}
