// Package grading implements the "compile" and "run" primitives that
// stage a declarative artifact manifest into a sandbox, invoke a command
// through it one or more times, and harvest the declared outputs back
// into the blob store and/or the filesystem, attaching execution logs
// along the way.
package grading

import (
	"github.com/rsalesc/rbx-grading/src/digest"
	"github.com/rsalesc/rbx-grading/src/sandbox"
)

// InputFile declares one file to stage into the sandbox before a run.
type InputFile struct {
	// Dest is the path inside the sandbox this input is materialized at,
	// relative to the sandbox root.
	Dest string
	// Src is a path on the host, resolved under Manifest.Root. Exactly
	// one of Src or Digest must be set.
	Src string
	// Digest, if set, names a blob to fetch from the cacher instead of a
	// host path.
	Digest string
	// Executable marks the materialized file executable (mode 0755).
	Executable bool
	// Hash marks this input as contributing to the dependency cache's
	// fingerprint (see the grading/depcache packages).
	Hash bool
}

// OutputFile declares one file a run is expected to produce.
type OutputFile struct {
	// Src is the path inside the sandbox the command is expected to
	// leave the file at, relative to the sandbox root.
	Src string
	// Dest, if set, is a host path (under Manifest.Root) the harvested
	// content is also placed at.
	Dest string
	// Digest, if non-nil, receives the blob digest of the harvested
	// file's contents.
	Digest *digest.Holder
	// Executable marks that the harvested file should keep (or be given)
	// the executable bit.
	Executable bool
	// Optional permits the output to be absent without failing the run.
	Optional bool
	// Intermediate marks an output as a cache-invisible byproduct (e.g. a
	// .o file): it is still harvested but never contributes an
	// output-fingerprint entry.
	Intermediate bool
	// Hash marks this output as contributing a digest to the dependency
	// cache's fingerprint.
	Hash bool
	// Touch asks that an empty file be created at Src before the command
	// runs, so the command may assume it exists (e.g. log files opened
	// for appending).
	Touch bool
	// MaxLen, if nonzero, truncates the harvested file to this many
	// bytes before it's placed at Dest.
	MaxLen int64
}

// Fifo declares a named pipe to create in the sandbox before a run.
type Fifo struct {
	// Path is where to create the fifo, relative to the sandbox root.
	Path string
	// Link, if set, is a host path to symlink Path to instead of
	// creating a genuine fifo (used when the fifo already exists
	// elsewhere and should just be exposed inside the sandbox).
	Link string
}

// Logs is the optional sink a manifest can supply to receive execution
// logs produced by compile/run/run-coordinated.
type Logs struct {
	Run           *RunLog
	InteractorRun *RunLog
	Preprocess    []*PreprocessLog
	// Cached is set to true only when the logged execution was actually
	// served from the dependency cache rather than genuinely run.
	Cached bool
}

// Manifest is a declarative description of one invocation's I/O.
type Manifest struct {
	// Root is the filesystem directory used to resolve Src/Dest of
	// inputs and outputs.
	Root    string
	Inputs  []InputFile
	Outputs []OutputFile
	Fifos   []Fifo
	Logs    *Logs
}

// RunLog is the observable behavior of one process execution.
type RunLog struct {
	ExitCode   int
	ExitStatus sandbox.ExitStatus
	WallTime   float64 // seconds
	CPUTime    float64 // seconds
	MemoryUsed int64   // bytes
	// Warnings is set when sanitizer/compiler warning output was
	// detected on stderr for a run flagged as sanitized.
	Warnings bool
	// ExitIndex is 0 or 1: reap order among two coordinated processes.
	// Always 0 for a plain (non-coordinated) run.
	ExitIndex int
	Metadata  map[string]string
}

// PreprocessLog records one command of a compile chain.
type PreprocessLog struct {
	Command    []string
	ExitStatus sandbox.ExitStatus
	ExitCode   int
	Output     string // combined stdout+stderr
	Warnings   bool
	WallTime   float64
	CPUTime    float64
	MemoryUsed int64
}
