package grading

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rsalesc/rbx-grading/src/metrics"
	"github.com/rsalesc/rbx-grading/src/process"
	"github.com/rsalesc/rbx-grading/src/sandbox"
)

// CompileParams shapes a compile chain: a list of shell-style command
// lines run sequentially, sharing one set of limits, stopping at the
// first nonzero exit.
type CompileParams struct {
	CommandLines []string
	Limits       process.Limits
	Env          []string
}

// Compile stages m's inputs, runs each of params.CommandLines in order
// (stopping at the first failure), harvests m's outputs, and returns
// whether every command succeeded. Each command's PreprocessLog is
// appended to m.Logs if present, regardless of outcome.
func (e *Engine) Compile(ctx context.Context, params CompileParams, m *Manifest) (bool, error) {
	defer func(start time.Time) { metrics.ObserveStageDuration("compile", time.Since(start)) }(time.Now())
	if err := e.Sandbox.Reset(); err != nil {
		return false, err
	}
	for _, line := range params.CommandLines {
		command, err := splitAndExpand(e.Sandbox, line, 0)
		if err != nil {
			return false, err
		}
		if err := shapeCCompilerCommand(command); err != nil {
			return false, err
		}
		if isClang(command) {
			if inc, err := clangBuiltinIncludeInput(); err == nil && inc != "" {
				addBitsStdCxxInput(m, inc)
			}
		}
	}
	if err := e.stageInputs(ctx, m); err != nil {
		return false, err
	}

	ok := true
	for i, line := range params.CommandLines {
		command, err := splitAndExpand(e.Sandbox, line, 0)
		if err != nil {
			return false, err
		}

		stdoutPath := fmt.Sprintf("compile-%d.stdout", i)
		stderrPath := fmt.Sprintf("compile-%d.stderr", i)
		limits := params.Limits
		if isJavaKotlinLauncher(command) {
			limits.MemoryLimitKB = 0
		}
		res, err := e.Sandbox.Run(ctx, command, sandbox.Params{
			Limits: limits,
			Stdout: stdoutPath,
			Stderr: stderrPath,
			Env:    params.Env,
		})
		if err != nil {
			return false, err
		}

		combined := readCombined(e.Sandbox, stdoutPath, stderrPath)
		plog := &PreprocessLog{
			Command:    command,
			ExitStatus: res.Status,
			ExitCode:   res.ExitCode,
			Output:     combined,
			Warnings:   hasCompilerWarnings(combined),
			WallTime:   res.WallTime.Seconds(),
			CPUTime:    res.CPUTime.Seconds(),
			MemoryUsed: res.MemoryKB * 1024,
		}
		if m.Logs != nil {
			m.Logs.Preprocess = append(m.Logs.Preprocess, plog)
		}
		if res.Status != sandboxOK {
			ok = false
			break
		}
	}

	if !ok {
		return false, nil
	}
	if err := e.harvestOutputs(ctx, m); err != nil {
		return false, err
	}
	return true, nil
}

// bitsStdCxxDest is where a detected bits/stdc++.h is staged inside the
// sandbox. It is never referenced directly by the compile command: its
// only purpose is to make changes to the host's libstdc++ headers
// invalidate the dependency cache key, since the real header is already
// visible to the compiler at its normal system path (this sandbox has no
// filesystem namespace isolation).
const bitsStdCxxDest = ".rbx-bits-stdcxx.h"

func addBitsStdCxxInput(m *Manifest, path string) {
	for _, in := range m.Inputs {
		if in.Dest == bitsStdCxxDest {
			return
		}
	}
	m.Inputs = append(m.Inputs, InputFile{Dest: bitsStdCxxDest, Src: path, Hash: true})
}

// sandboxOK is a local alias so this file doesn't need to import
// sandbox solely for the OK constant name.
const sandboxOK = sandbox.OK

func readCombined(sb *sandbox.Sandbox, stdoutPath, stderrPath string) string {
	out, _ := os.ReadFile(sb.RelativePath(stdoutPath))
	errb, _ := os.ReadFile(sb.RelativePath(stderrPath))
	return string(out) + string(errb)
}

// shapeCCompilerCommand applies the C/C++-compiler-specific command
// shaping rules: refusing GCC+sanitizer combinations on macOS, which
// cannot sanitize.
func shapeCCompilerCommand(command []string) error {
	if !isCCompiler(command) {
		return nil
	}
	if runtime.GOOS != "darwin" || isClang(command) {
		return nil
	}
	for _, tok := range command {
		if tok == "-fsanitize=address" || tok == "-fsanitize=undefined" {
			return fmt.Errorf("grading: GCC on macOS cannot sanitize (got %q)", tok)
		}
	}
	return nil
}

// clangBuiltinIncludeInput asks clang for its search path (via
// "clang -v -xc++ -E -" against empty input) and returns the path to a
// bits/stdc++.h it finds there, if any. Lookup failures return an empty
// path rather than an error: the injection is best-effort, since not
// every clang toolchain (or libstdc++ install) ships the header.
func clangBuiltinIncludeInput() (string, error) {
	clang, err := which("clang++")
	if err != nil {
		clang, err = which("clang")
		if err != nil {
			return "", nil
		}
	}
	cmd := exec.Command(clang, "-v", "-xc++", "-E", "-")
	cmd.Stdin = strings.NewReader("")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Run() // exits nonzero even on success since it's fed empty input

	inSearchList := false
	for _, line := range strings.Split(stderr.String(), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.Contains(line, "#include <...> search starts here:"):
			inSearchList = true
		case strings.HasPrefix(line, "End of search list"):
			inSearchList = false
		case inSearchList:
			candidate := filepath.Join(line, "bits", "stdc++.h")
			if _, statErr := os.Stat(candidate); statErr == nil {
				return candidate, nil
			}
		}
	}
	return "", nil
}
