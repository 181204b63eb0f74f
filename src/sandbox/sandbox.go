// Package sandbox provides a per-task scratch root and the two shapes of
// execution the grading engine needs inside it: a single supervised
// process, and two cooperating processes (solution + interactor) joined
// to one process group and connected by pipes. It is deliberately
// cooperative rather than namespace-isolated: it does not sandbox
// network or filesystem access, only resource usage and exit
// classification, mirroring the "stupid sandbox" the grading engine this
// reimplements ships as its portable, insecure-by-design backend.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rsalesc/rbx-grading/src/cli/logging"
	rbxfs "github.com/rsalesc/rbx-grading/src/fs"
	"github.com/rsalesc/rbx-grading/src/process"
)

var log = logging.Log

// An ExitStatus classifies how a sandboxed run ended, derived from the
// process runner's FailureCode set by a fixed priority order (a
// terminated-by-us run is reported as Terminated even if it also
// overran a limit, since the limit overrun wasn't what actually ended
// it; a wall timeout implies and is reported ahead of a plain CPU
// timeout; and so on).
type ExitStatus int

const (
	OK ExitStatus = iota
	NonzeroReturn
	Signal
	Timeout
	TimeoutWall
	MemoryLimitExceeded
	OutputLimitExceeded
	Terminated
)

func (s ExitStatus) String() string {
	switch s {
	case OK:
		return "OK"
	case NonzeroReturn:
		return "NONZERO_RETURN"
	case Signal:
		return "SIGNAL"
	case Timeout:
		return "TIMEOUT"
	case TimeoutWall:
		return "TIMEOUT_WALL"
	case MemoryLimitExceeded:
		return "MEMORY_LIMIT_EXCEEDED"
	case OutputLimitExceeded:
		return "OUTPUT_LIMIT_EXCEEDED"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// exitStatusFromResult maps a process.Result's failure codes onto a
// single ExitStatus by priority, matching the portable sandbox backend
// this is grounded on: a forced termination (TE) always wins, then wall
// timeout, then CPU timeout, then output limit, then memory limit, then
// signal, then nonzero exit, and OK only if nothing else applies.
func exitStatusFromResult(r *process.Result) ExitStatus {
	switch {
	case r.HasCode(process.TE):
		return Terminated
	case r.HasCode(process.WT):
		return TimeoutWall
	case r.HasCode(process.TO):
		return Timeout
	case r.HasCode(process.OL):
		return OutputLimitExceeded
	case r.HasCode(process.ML):
		return MemoryLimitExceeded
	case r.HasCode(process.SG):
		return Signal
	case r.HasCode(process.RE):
		return NonzeroReturn
	default:
		return OK
	}
}

// Params describes one command's IO wiring and limits within a sandbox.
type Params struct {
	Limits process.Limits
	// Stdin/Stdout/Stderr, relative to the sandbox root, if set, are
	// opened as files to wire up the child's standard streams.
	Stdin, Stdout, Stderr string
	Env                   []string
}

// A Sandbox is a scratch root plus the machinery to run commands inside it.
type Sandbox struct {
	root    string
	runner  *process.Runner
	execNum int64
	cmdLog  *os.File
}

// New creates a fresh scratch directory named "rbx-<name>-*" (matching the
// prefix convention of the original implementation's sandbox) and returns
// a Sandbox rooted there.
func New(name string) (*Sandbox, error) {
	root, err := os.MkdirTemp("", fmt.Sprintf("rbx-%s-", name))
	if err != nil {
		return nil, err
	}
	cmdLog, err := os.Create(filepath.Join(root, "commands.log"))
	if err != nil {
		os.RemoveAll(root)
		return nil, err
	}
	return &Sandbox{root: root, runner: process.New(), cmdLog: cmdLog}, nil
}

// Root returns the sandbox's scratch directory.
func (s *Sandbox) Root() string { return s.root }

// RelativePath resolves p against the sandbox root: a relative p is joined
// under the root, and an absolute p is returned unchanged.
func (s *Sandbox) RelativePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.root, p)
}

// CreateFile creates (truncating if necessary) a file at a path relative
// to the sandbox root, creating parent directories as needed.
func (s *Sandbox) CreateFile(relPath string) (*os.File, error) {
	full := s.RelativePath(relPath)
	if err := rbxfs.EnsureDir(full); err != nil {
		return nil, err
	}
	return os.Create(full)
}

// Glob expands a glob pattern rooted at the sandbox, returning paths
// relative to it. It uses the standard library's filepath.Glob: the
// narrow "match files already materialized in one directory" need this
// serves does not call for the teacher's build-package-aware globber.
func (s *Sandbox) Glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(s.RelativePath(pattern))
	if err != nil {
		return nil, err
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		rel, err := filepath.Rel(s.root, m)
		if err != nil {
			rel = m
		}
		out[i] = rel
	}
	return out, nil
}

// CreateSymlink creates a symlink at a path relative to the sandbox root
// pointing at target, creating parent directories as needed and
// replacing anything already at relPath.
func (s *Sandbox) CreateSymlink(relPath, target string) error {
	full := s.RelativePath(relPath)
	if err := rbxfs.EnsureDir(full); err != nil {
		return err
	}
	os.Remove(full)
	return os.Symlink(target, full)
}

// CreateFifo creates a named pipe at a path relative to the sandbox
// root, creating parent directories as needed.
func (s *Sandbox) CreateFifo(relPath string) error {
	full := s.RelativePath(relPath)
	if err := rbxfs.EnsureDir(full); err != nil {
		return err
	}
	os.Remove(full)
	return mkfifo(full)
}

// FileExists reports whether a path relative to the sandbox root exists.
func (s *Sandbox) FileExists(relPath string) bool {
	return rbxfs.FileExists(s.RelativePath(relPath))
}

// RemoveFile removes a path relative to the sandbox root, if present.
func (s *Sandbox) RemoveFile(relPath string) error {
	return os.Remove(s.RelativePath(relPath))
}

// Reset clears every file in the sandbox root (commands.log excepted) so
// the scratch directory can be reused for a new invocation without
// paying for a fresh os.MkdirTemp.
func (s *Sandbox) Reset() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == "commands.log" {
			continue
		}
		if err := rbxfs.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup removes the sandbox's scratch directory. If delete is false the
// directory is left on disk (useful when debugging a failing run).
func (s *Sandbox) Cleanup(delete bool) error {
	s.cmdLog.Close()
	if !delete {
		return nil
	}
	return rbxfs.RemoveAll(s.root)
}

func (s *Sandbox) logCommand(command []string) {
	atomic.AddInt64(&s.execNum, 1)
	fmt.Fprintln(s.cmdLog, strings.Join(command, " "))
}

func (s *Sandbox) openStream(relPath string, forWrite bool) (*os.File, error) {
	if relPath == "" {
		return nil, nil
	}
	full := s.RelativePath(relPath)
	if forWrite {
		return s.CreateFile(relPath)
	}
	return os.Open(full)
}

// Result is a single command's classified outcome.
type Result struct {
	Status ExitStatus
	*process.Result
}

// Run executes a single command inside the sandbox, staging its
// stdin/stdout/stderr from/to the paths named in params (relative to the
// sandbox root) and returning its classified result.
func (s *Sandbox) Run(ctx context.Context, command []string, params Params) (*Result, error) {
	s.logCommand(command)

	var stdin io.Reader
	var stdout, stderr io.Writer
	if params.Stdin != "" {
		f, err := s.openStream(params.Stdin, false)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		stdin = f
	}
	if params.Stdout != "" {
		f, err := s.openStream(params.Stdout, true)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		stdout = f
	}
	if params.Stderr != "" {
		f, err := s.openStream(params.Stderr, true)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		stderr = f
	}

	res, err := s.runner.Run(ctx, process.Params{
		Command: command,
		Dir:     s.root,
		Env:     params.Env,
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
		Limits:  params.Limits,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Status: exitStatusFromResult(res), Result: res}, nil
}

// CoordinatedResult is the outcome of two processes run against each
// other via RunCoordinated.
type CoordinatedResult struct {
	Solution, Interactor *Result
	// ExitIndex is 0 if the solution exited first, 1 if the interactor
	// did, matching the reap-order convention the two-process sandbox
	// backend this is grounded on reports to its caller: whichever side
	// quits first is usually the one whose verdict (AC/WA/etc) governs.
	ExitIndex int
}

// RunCoordinated runs a solution and an interactor concurrently, joined
// to one process group and connected so the solution's stdout feeds the
// interactor's stdin and vice versa, mirroring interactive-problem
// judging. params.Stdin/Stdout on both sides are ignored in favor of the
// cross-wired pipes; Stderr, if set, is still staged to a file as usual.
// If mergedCapturePath is non-empty, it names a sandbox-relative file that
// receives a turn-tagged transcript of both streams (see mergedCapture).
func (s *Sandbox) RunCoordinated(ctx context.Context, solutionCommand, interactorCommand []string, solutionParams, interactorParams Params, mergedCapturePath string) (*CoordinatedResult, error) {
	s.logCommand(solutionCommand)
	s.logCommand(interactorCommand)

	// solutionOut feeds the interactor's stdin; interactorOut feeds the
	// solution's stdin.
	solutionOutR, solutionOutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer solutionOutR.Close()
	defer solutionOutW.Close()
	interactorOutR, interactorOutW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer interactorOutR.Close()
	defer interactorOutW.Close()

	solutionStderr, err := s.openStream(solutionParams.Stderr, true)
	if err != nil {
		return nil, err
	}
	if solutionStderr != nil {
		defer solutionStderr.Close()
	}
	interactorStderr, err := s.openStream(interactorParams.Stderr, true)
	if err != nil {
		return nil, err
	}
	if interactorStderr != nil {
		defer interactorStderr.Close()
	}

	// By default the interactor reads directly off solutionOutR and the
	// solution directly off interactorOutR. When a merged capture is
	// requested, each side instead reads from an io.Pipe fed by a
	// goroutine that tags and forwards lines from the real pipe, so the
	// capture sees every burst without perturbing the byte stream itself.
	var interactorStdin io.Reader = solutionOutR
	var solutionStdin io.Reader = interactorOutR
	var teeWG sync.WaitGroup
	if mergedCapturePath != "" {
		captureFile, err := s.CreateFile(mergedCapturePath)
		if err != nil {
			return nil, err
		}
		defer captureFile.Close()
		capture := &mergedCapture{w: captureFile}
		capture.marker('<')
		capture.marker('>')

		toInteractorR, toInteractorW := io.Pipe()
		toSolutionR, toSolutionW := io.Pipe()
		teeWG.Add(2)
		go func() { defer teeWG.Done(); teeForward(solutionOutR, toInteractorW, '>', capture) }()
		go func() { defer teeWG.Done(); teeForward(interactorOutR, toSolutionW, '<', capture) }()
		interactorStdin = toInteractorR
		solutionStdin = toSolutionR
	}

	interactorHandle, err := s.runner.Start(ctx, process.Params{
		Command: interactorCommand,
		Dir:     s.root,
		Env:     interactorParams.Env,
		Stdin:   interactorStdin,
		Stdout:  interactorOutW,
		Stderr:  interactorStderr,
		Limits:  interactorParams.Limits,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("starting interactor: %w", err)
	}
	interactorPid := interactorHandle.Process().Pid

	solutionHandle, err := s.runner.Start(ctx, process.Params{
		Command:          solutionCommand,
		Dir:              s.root,
		Env:              solutionParams.Env,
		Stdin:            solutionStdin,
		Stdout:           solutionOutW,
		Stderr:           solutionStderr,
		Limits:           solutionParams.Limits,
		JoinProcessGroup: interactorPid,
	}, nil)
	if err != nil {
		interactorHandle.Wait()
		return nil, fmt.Errorf("starting solution: %w", err)
	}
	// Both children now hold their own copies of the write ends; closing
	// ours lets each reader see EOF as soon as the writing child exits.
	solutionOutW.Close()
	interactorOutW.Close()

	type waitOutcome struct {
		which int // 0 = solution, 1 = interactor
		res   *process.Result
		err   error
	}
	outcomes := make(chan waitOutcome, 2)
	go func() {
		res, err := solutionHandle.Wait()
		outcomes <- waitOutcome{which: 0, res: res, err: err}
	}()
	go func() {
		res, err := interactorHandle.Wait()
		outcomes <- waitOutcome{which: 1, res: res, err: err}
	}()

	var solutionRes, interactorRes *process.Result
	exitIndex := -1
	for i := 0; i < 2; i++ {
		o := <-outcomes
		if o.err != nil {
			return nil, o.err
		}
		if exitIndex == -1 {
			exitIndex = o.which
		}
		if o.which == 0 {
			solutionRes = o.res
			solutionOutW.Close()
		} else {
			interactorRes = o.res
			interactorOutW.Close()
		}
	}
	teeWG.Wait()

	return &CoordinatedResult{
		Solution:   &Result{Status: exitStatusFromResult(solutionRes), Result: solutionRes},
		Interactor: &Result{Status: exitStatusFromResult(interactorRes), Result: interactorRes},
		ExitIndex:  exitIndex,
	}, nil
}
