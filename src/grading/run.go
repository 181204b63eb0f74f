package grading

import (
	"context"
	"os"
	"time"

	"github.com/rsalesc/rbx-grading/src/metrics"
	"github.com/rsalesc/rbx-grading/src/process"
	"github.com/rsalesc/rbx-grading/src/sandbox"
)

// RunParams shapes a single "run" invocation: the shell-style command
// line to execute, its resource limits, stdio redirections (relative to
// the sandbox root) and whether it should be scanned for sanitizer
// warnings on stderr.
type RunParams struct {
	CommandLine           string
	Limits                process.Limits
	Stdin, Stdout, Stderr string
	Env                   []string
	AddressSpaceMB        int
	IsSanitized           bool
	Metadata              map[string]string
}

// Run stages m's inputs/fifos, executes exactly one command, harvests
// m's outputs, and returns the RunLog describing the execution. If m has
// a Logs sink, the same RunLog is also recorded there.
func (e *Engine) Run(ctx context.Context, params RunParams, m *Manifest) (*RunLog, error) {
	defer func(start time.Time) { metrics.ObserveStageDuration("run", time.Since(start)) }(time.Now())
	if err := e.Sandbox.Reset(); err != nil {
		return nil, err
	}
	if err := e.stageFifos(m); err != nil {
		return nil, err
	}
	if err := e.stageInputs(ctx, m); err != nil {
		return nil, err
	}

	command, err := splitAndExpand(e.Sandbox, params.CommandLine, params.AddressSpaceMB)
	if err != nil {
		return nil, err
	}
	limits := params.Limits
	if isJavaKotlinLauncher(command) {
		limits.MemoryLimitKB = 0
	}

	res, err := e.Sandbox.Run(ctx, command, sandbox.Params{
		Limits: limits,
		Stdin:  params.Stdin,
		Stdout: params.Stdout,
		Stderr: params.Stderr,
		Env:    params.Env,
	})
	if err != nil {
		return nil, err
	}

	runLog := runLogFromResult(res, 0, params.Metadata)
	if params.IsSanitized && params.Stderr != "" {
		if b, err := os.ReadFile(e.Sandbox.RelativePath(params.Stderr)); err == nil {
			runLog.Warnings = hasSanitizerWarnings(string(b))
		}
	}
	applyTimeoutFloor(runLog, params.Limits)

	if err := e.harvestOutputs(ctx, m); err != nil {
		return runLog, err
	}
	if m.Logs != nil {
		m.Logs.Run = runLog
	}
	return runLog, nil
}

// CoordinatedRunParams shapes a run_communication invocation: a solution
// and an interactor run concurrently, connected via pipes.
type CoordinatedRunParams struct {
	SolutionCommandLine   string
	SolutionLimits        process.Limits
	SolutionStderr        string
	SolutionEnv           []string
	SolutionAddressSpace  int

	InteractorCommandLine  string
	InteractorLimits       process.Limits
	InteractorStderr       string
	InteractorEnv          []string
	InteractorAddressSpace int

	// MergedCapture, if set, is a sandbox-relative path that receives a
	// turn-tagged transcript of both streams (see sandbox.RunCoordinated).
	MergedCapture string
}

// RunCoordinated stages m, executes the solution and interactor against
// each other, harvests m's outputs, and records both RunLogs (with
// ExitIndex assigned by reap order) into m.Logs if present.
func (e *Engine) RunCoordinated(ctx context.Context, params CoordinatedRunParams, m *Manifest) (*RunLog, *RunLog, error) {
	defer func(start time.Time) { metrics.ObserveStageDuration("run_coordinated", time.Since(start)) }(time.Now())
	if err := e.Sandbox.Reset(); err != nil {
		return nil, nil, err
	}
	if err := e.stageFifos(m); err != nil {
		return nil, nil, err
	}
	if err := e.stageInputs(ctx, m); err != nil {
		return nil, nil, err
	}

	solutionCommand, err := splitAndExpand(e.Sandbox, params.SolutionCommandLine, params.SolutionAddressSpace)
	if err != nil {
		return nil, nil, err
	}
	interactorCommand, err := splitAndExpand(e.Sandbox, params.InteractorCommandLine, params.InteractorAddressSpace)
	if err != nil {
		return nil, nil, err
	}

	solutionLimits := params.SolutionLimits
	if isJavaKotlinLauncher(solutionCommand) {
		solutionLimits.MemoryLimitKB = 0
	}
	interactorLimits := params.InteractorLimits
	if isJavaKotlinLauncher(interactorCommand) {
		interactorLimits.MemoryLimitKB = 0
	}

	res, err := e.Sandbox.RunCoordinated(ctx, solutionCommand, interactorCommand,
		sandbox.Params{Limits: solutionLimits, Stderr: params.SolutionStderr, Env: params.SolutionEnv},
		sandbox.Params{Limits: interactorLimits, Stderr: params.InteractorStderr, Env: params.InteractorEnv},
		params.MergedCapture,
	)
	if err != nil {
		return nil, nil, err
	}

	solutionExitIndex, interactorExitIndex := 0, 1
	if res.ExitIndex == 1 {
		solutionExitIndex, interactorExitIndex = 1, 0
	}
	solutionLog := runLogFromResult(res.Solution, solutionExitIndex, nil)
	interactorLog := runLogFromResult(res.Interactor, interactorExitIndex, nil)
	applyTimeoutFloor(solutionLog, params.SolutionLimits)
	applyTimeoutFloor(interactorLog, params.InteractorLimits)

	if err := e.harvestOutputs(ctx, m); err != nil {
		return solutionLog, interactorLog, err
	}
	if m.Logs != nil {
		m.Logs.Run = solutionLog
		m.Logs.InteractorRun = interactorLog
	}
	return solutionLog, interactorLog, nil
}

func runLogFromResult(res *sandbox.Result, exitIndex int, metadata map[string]string) *RunLog {
	return &RunLog{
		ExitCode:   res.ExitCode,
		ExitStatus: res.Status,
		WallTime:   res.WallTime.Seconds(),
		CPUTime:    res.CPUTime.Seconds(),
		MemoryUsed: res.MemoryKB * 1024,
		ExitIndex:  exitIndex,
		Metadata:   metadata,
	}
}

// applyTimeoutFloor ensures a run classified as a timeout never reports
// a suspiciously low wall/CPU time: both are floored at the configured
// time limit (falling back to the wall time limit when no CPU limit was
// set), matching the engine this is grounded on's timeout/1000 floor.
func applyTimeoutFloor(l *RunLog, limits process.Limits) {
	if l.ExitStatus != sandbox.Timeout && l.ExitStatus != sandbox.TimeoutWall {
		return
	}
	floor := limits.TimeLimit
	if floor == 0 {
		floor = limits.WallTimeLimit
	}
	floorSeconds := floor.Seconds()
	if l.CPUTime < floorSeconds {
		l.CPUTime = floorSeconds
	}
	if l.WallTime < floorSeconds {
		l.WallTime = floorSeconds
	}
}
