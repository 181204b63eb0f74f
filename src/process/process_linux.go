//go:build linux

package process

import (
	"math"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// setSysProcAttr configures the child to start its own process group (so
// the watchdog can kill it and anything it spawns in one shot) and to
// receive SIGHUP if we ourselves die before it does.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGHUP,
	}
}

// setJoinSysProcAttr joins the child to the existing process group led by
// pgid instead of starting a new one, so a coordinated pair of processes
// shares one group a single signal can reach.
func setJoinSysProcAttr(cmd *exec.Cmd, pgid int) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pgid:      pgid,
		Pdeathsig: syscall.SIGHUP,
	}
}

// applyPostStartLimits sets RLIMIT_CPU, RLIMIT_FSIZE and RLIMIT_STACK on
// the freshly-started child via prlimit(2). This necessarily races the
// child's own startup (Go's os/exec has no fork+exec hook to set these
// before the target binary runs), an accepted limitation of a
// cooperative, non-namespaced sandbox: a child that manages to do
// meaningful work in the few hundred microseconds before this call lands
// is outside what this runner promises to catch, same as the engine it's
// grounded on.
func applyPostStartLimits(pid int, limits Limits) {
	if limits.TimeLimit > 0 {
		secs := uint64(math.Ceil(limits.TimeLimit.Seconds()))
		if secs == 0 {
			secs = 1
		}
		rlim := unix.Rlimit{Cur: secs, Max: secs + 1}
		unix.Prlimit(pid, unix.RLIMIT_CPU, &rlim, nil)
	}
	if limits.OutputLimitKB > 0 {
		b := uint64(limits.OutputLimitKB) * 1024
		rlim := unix.Rlimit{Cur: b + 1, Max: b * 2}
		unix.Prlimit(pid, unix.RLIMIT_FSIZE, &rlim, nil)
	}
	rlim := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	unix.Prlimit(pid, unix.RLIMIT_STACK, &rlim, nil)
}

// fillFromProcessState extracts exit code, terminating signal, CPU time
// and peak RSS from the child's rusage. On Linux, ru_maxrss is reported
// in KiB already, and ru_ixrss/ru_idrss/ru_isrss are folded in as the
// grading engine this is grounded on does.
func fillFromProcessState(state *os.ProcessState, result *Result) {
	if state == nil {
		return
	}
	result.ExitCode = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		result.Signal = ws.Signal()
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
		result.CPUTime = time.Duration(ru.Utime.Nano()+ru.Stime.Nano()) * time.Nanosecond
		result.MemoryKB = ru.Maxrss + (ru.Ixrss+ru.Idrss+ru.Isrss)/1024
	}
}
