//go:build !linux

package process

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

// setSysProcAttr configures the child to start its own process group so
// the watchdog can kill it and anything it spawns in one shot.
// Pdeathsig is Linux-only, so it's omitted here.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// setJoinSysProcAttr joins the child to the existing process group led by
// pgid instead of starting a new one, so a coordinated pair of processes
// shares one group a single signal can reach.
func setJoinSysProcAttr(cmd *exec.Cmd, pgid int) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: pgid}
}

// applyPostStartLimits sets no resource limits outside Linux: prlimit(2)
// isn't portable, so RLIMIT_CPU, RLIMIT_FSIZE and RLIMIT_STACK stay as the
// child inherited them. CPU/memory enforcement on these platforms relies
// entirely on the watchdog poll loop, and the output-size limit is not
// enforced.
func applyPostStartLimits(pid int, limits Limits) {
}

// fillFromProcessState extracts exit code, terminating signal, CPU time
// and peak RSS from the child's rusage. Unlike Linux, Darwin/BSD already
// report ru_maxrss in bytes rather than KiB.
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
		result.MemoryKB = ru.Maxrss / 1024
	}
}
