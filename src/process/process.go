// Package process spawns a single child process under CPU-time,
// wall-time, memory and output-size limits, races two watchdogs against
// its natural exit, and classifies however it ends into a small closed
// set of failure codes.
//
// It is grounded on the teacher's own subprocess executor (registering
// every live *exec.Cmd in a mutex-guarded map so that any of them can be
// killed — by process group, SIGTERM then SIGKILL — from another
// goroutine) generalized with the resource-limit enforcement of the
// grading engine this module reimplements.
package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	gopsutilproc "github.com/shirou/gopsutil/v3/process"

	"github.com/rsalesc/rbx-grading/src/cli/logging"
)

var log = logging.Log

// A FailureCode is one of the closed set of reasons a sandboxed run can
// fail. Multiple codes may apply to the same run (e.g. a wall-timeout
// always implies a CPU-timeout classification as well).
type FailureCode string

const (
	// RE is a plain nonzero exit code.
	RE FailureCode = "RE"
	// SG is termination by an uncaught signal.
	SG FailureCode = "SG"
	// TO is CPU time limit exceeded.
	TO FailureCode = "TO"
	// WT is wall time limit exceeded.
	WT FailureCode = "WT"
	// ML is memory limit exceeded.
	ML FailureCode = "ML"
	// OL is output size limit exceeded.
	OL FailureCode = "OL"
	// TE is an internal/tooling error unrelated to the child's own behaviour.
	TE FailureCode = "TE"
)

// Limits bounds a single run. Zero values mean "unbounded" for that
// dimension.
type Limits struct {
	// TimeLimit is the CPU time limit.
	TimeLimit time.Duration
	// WallTimeLimit is the wall-clock time limit. If zero, it defaults to
	// a small multiple of TimeLimit (mirroring the grading engine's own
	// behaviour of always giving some wall-time slack over the CPU limit).
	WallTimeLimit time.Duration
	// MemoryLimitKB is the resident memory limit, in KiB. Zero means
	// unbounded.
	MemoryLimitKB int64
	// OutputLimitKB is the maximum size any single output file (including
	// stdout/stderr, which count as files under RLIMIT_FSIZE) may reach,
	// in KiB. Zero means unbounded.
	OutputLimitKB int64
}

// pollInterval is how often the watchdog polls CPU time and RSS. The
// grading engine this is grounded on polls at roughly this frequency;
// much finer and the poll itself perturbs what it's measuring, much
// coarser and the limit overshoots meaningfully.
const pollInterval = 20 * time.Millisecond

// Result describes how a single run ended.
type Result struct {
	ExitCode  int
	Signal    syscall.Signal
	CPUTime   time.Duration
	WallTime  time.Duration
	MemoryKB  int64
	Codes     map[FailureCode]bool
	Stdout    []byte
	Stderr    []byte
}

// HasCode reports whether the given failure code was assigned to this result.
func (r *Result) HasCode(c FailureCode) bool {
	return r.Codes != nil && r.Codes[c]
}

// OK reports whether the run completed with exit code zero and no
// resource-limit or signal-related failure code attached.
func (r *Result) OK() bool {
	return r.ExitCode == 0 && len(r.Codes) == 0
}

// Params describes a single invocation.
type Params struct {
	Command []string
	Dir     string
	Env     []string
	Stdin   io.Reader
	// Stdout/Stderr, if nil, are captured internally and exposed on the
	// returned Result.
	Stdout io.Writer
	Stderr io.Writer
	Limits Limits
	// JoinProcessGroup, if nonzero, joins the new child to an existing
	// process group (e.g. one rooted at another child already started by
	// this or another Runner) instead of starting its own. Used to bind
	// a coordinated pair of processes so a single group-wide signal
	// reaches both.
	JoinProcessGroup int
}

// A Runner spawns and supervises processes. It's safe for concurrent use;
// every spawned child is registered so that TerminateAll (e.g. wired to a
// RunGroup, or to cancellation of the calling context) can reach it.
type Runner struct {
	mu        sync.Mutex
	processes map[*exec.Cmd]*supervised
}

type supervised struct {
	cmd  *exec.Cmd
	done chan struct{}
	pgid int
}

// New returns a new, empty Runner.
func New() *Runner {
	return &Runner{processes: map[*exec.Cmd]*supervised{}}
}

// A Handle is a started-but-not-yet-waited-for child, returned by Start.
// Splitting start from wait lets a caller (e.g. the coordinated-run
// sandbox) join two children to the same process group and cross-wire
// their pipes before either is allowed to run to completion.
type Handle struct {
	r            *Runner
	cmd          *exec.Cmd
	params       Params
	start        time.Time
	stdoutBuf    *bytes.Buffer
	stderrBuf    *bytes.Buffer
	waitErr      chan error
	killedBy     FailureCode
	watchdogDone chan struct{}
}

// Process returns the underlying *os.Process, e.g. to read its PID when
// joining another child to its process group.
func (h *Handle) Process() *os.Process { return h.cmd.Process }

// Start spawns params.Command and returns immediately once it's running;
// the watchdog begins racing in the background. Call Wait to block for
// the result. configure, if non-nil, is invoked on the *exec.Cmd after
// its SysProcAttr/IO have been set up but before Start, so a caller can
// join a process group or attach extra pipes.
func (r *Runner) Start(ctx context.Context, params Params, configure func(*exec.Cmd)) (*Handle, error) {
	if len(params.Command) == 0 {
		return nil, fmt.Errorf("process: empty command")
	}
	cmd := exec.CommandContext(noCancelContext(ctx), params.Command[0], params.Command[1:]...)
	cmd.Dir = params.Dir
	cmd.Env = params.Env
	cmd.Stdin = params.Stdin

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout, stderr := params.Stdout, params.Stderr
	if stdout == nil {
		stdout = &stdoutBuf
	}
	if stderr == nil {
		stderr = &stderrBuf
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if params.JoinProcessGroup != 0 {
		setJoinSysProcAttr(cmd, params.JoinProcessGroup)
	} else {
		setSysProcAttr(cmd)
	}
	if configure != nil {
		configure(cmd)
	}

	wallLimit := params.Limits.WallTimeLimit
	if wallLimit == 0 && params.Limits.TimeLimit > 0 {
		wallLimit = params.Limits.TimeLimit * 3
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	applyPostStartLimits(cmd.Process.Pid, params.Limits)

	pgid := cmd.Process.Pid
	if params.JoinProcessGroup != 0 {
		pgid = params.JoinProcessGroup
	}
	s := &supervised{cmd: cmd, done: make(chan struct{}), pgid: pgid}
	r.register(cmd, s)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait(); close(s.done) }()

	h := &Handle{
		r: r, cmd: cmd, params: params, start: start,
		stdoutBuf: &stdoutBuf, stderrBuf: &stderrBuf, waitErr: waitErr,
		watchdogDone: make(chan struct{}),
	}
	go r.watchdog(cmd, pgid, params.Limits, wallLimit, start, s.done, &h.killedBy, h.watchdogDone)
	return h, nil
}

// Wait blocks until the child exits (or is killed by the watchdog) and
// returns its classified Result.
func (h *Handle) Wait() (*Result, error) {
	defer h.r.unregister(h.cmd)
	<-h.waitErr
	<-h.watchdogDone
	wallTime := time.Since(h.start)

	codes := map[FailureCode]bool{}
	if h.killedBy != "" {
		codes[h.killedBy] = true
		if h.killedBy == WT {
			codes[TO] = true
		}
	}

	result := &Result{
		WallTime: wallTime,
		Codes:    codes,
		Stdout:   h.stdoutBuf.Bytes(),
		Stderr:   h.stderrBuf.Bytes(),
	}
	fillFromProcessState(h.cmd.ProcessState, result)
	classify(h.params.Limits, result)
	return result, nil
}

// Run spawns params.Command and blocks until it exits or is killed by a
// watchdog, whichever happens first.
func (r *Runner) Run(ctx context.Context, params Params) (*Result, error) {
	h, err := r.Start(ctx, params, nil)
	if err != nil {
		return nil, err
	}
	return h.Wait()
}

// watchdog races a wall-clock deadline against periodic CPU-time/RSS
// polling; whichever condition trips first kills the process group and
// records which failure code caused it. It mirrors the grading engine's
// pair of daemon "handle_wall"/"handle_alarm" watcher threads.
func (r *Runner) watchdog(cmd *exec.Cmd, pgid int, limits Limits, wallLimit time.Duration, start time.Time, done <-chan struct{}, killedBy *FailureCode, finished chan<- struct{}) {
	defer close(finished)
	var wallTimer <-chan time.Time
	if wallLimit > 0 {
		t := time.NewTimer(wallLimit)
		defer t.Stop()
		wallTimer = t.C
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	gp, err := gopsutilproc.NewProcess(int32(cmd.Process.Pid))
	for {
		select {
		case <-done:
			return
		case <-wallTimer:
			*killedBy = WT
			r.killGroup(pgid)
			return
		case <-ticker.C:
			if err != nil {
				continue
			}
			if limits.TimeLimit > 0 {
				if times, terr := gp.Times(); terr == nil {
					cpu := time.Duration((times.User + times.System) * float64(time.Second))
					if cpu > limits.TimeLimit {
						*killedBy = TO
						r.killGroup(pgid)
						return
					}
				}
			}
			if limits.MemoryLimitKB > 0 {
				if mem, merr := gp.MemoryInfo(); merr == nil {
					if int64(mem.RSS/1024) > limits.MemoryLimitKB {
						*killedBy = ML
						r.killGroup(pgid)
						return
					}
				}
			}
		}
	}
}

func classify(limits Limits, result *Result) {
	if result.HasCode(WT) || result.HasCode(TO) || result.HasCode(ML) {
		return
	}
	if limits.MemoryLimitKB > 0 && result.MemoryKB > limits.MemoryLimitKB {
		result.Codes[ML] = true
		return
	}
	if limits.TimeLimit > 0 && result.CPUTime > limits.TimeLimit {
		result.Codes[TO] = true
		return
	}
	if result.Signal == syscall.SIGXCPU {
		result.Codes[TO] = true
		return
	}
	if limits.OutputLimitKB > 0 && result.Signal == syscall.SIGXFSZ {
		result.Codes[OL] = true
		return
	}
	if result.Signal != 0 {
		result.Codes[SG] = true
		return
	}
	if result.ExitCode != 0 {
		result.Codes[RE] = true
	}
}

func (r *Runner) register(cmd *exec.Cmd, s *supervised) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[cmd] = s
}

func (r *Runner) unregister(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processes, cmd)
}

// killGroup sends SIGKILL to the process group rooted at pgid. For a
// plain run that's the child's own pid (it was made a group leader at
// Start time via Setpgid); for one half of a coordinated pair it's the
// other half's pid, since that's the group both actually joined. Either
// way this reaches any grandchildren the commands themselves spawned.
func (r *Runner) killGroup(pgid int) {
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
		log.Debug("failed to kill process group %d: %s", pgid, err)
	}
}

// TerminateAll kills every process currently registered with this Runner,
// sending SIGTERM and escalating to SIGKILL shortly after for stragglers.
func (r *Runner) TerminateAll() {
	r.mu.Lock()
	supervised := make([]*supervised, 0, len(r.processes))
	for _, s := range r.processes {
		supervised = append(supervised, s)
	}
	r.mu.Unlock()

	seen := map[int]bool{}
	var wg sync.WaitGroup
	for _, s := range supervised {
		if s.cmd.Process == nil || seen[s.pgid] {
			continue
		}
		seen[s.pgid] = true
		wg.Add(1)
		go func(pgid int) {
			defer wg.Done()
			syscall.Kill(-pgid, syscall.SIGTERM)
			time.Sleep(30 * time.Millisecond)
			syscall.Kill(-pgid, syscall.SIGKILL)
		}(s.pgid)
	}
	wg.Wait()
}

// noCancelContext strips cancellation from ctx while preserving values,
// since we manage the child's lifetime ourselves via the watchdog rather
// than exec.CommandContext's SIGKILL-only cancellation, which child
// processes can't react to gracefully.
func noCancelContext(ctx context.Context) context.Context {
	return detachedContext{ctx}
}

type detachedContext struct{ context.Context }

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}       { return nil }
func (detachedContext) Err() error                  { return nil }
