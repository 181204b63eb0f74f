package grading

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/rsalesc/rbx-grading/src/cacher"
	"github.com/rsalesc/rbx-grading/src/cli/logging"
	"github.com/rsalesc/rbx-grading/src/gradingcontext"
	"github.com/rsalesc/rbx-grading/src/sandbox"
)

var log = logging.Log

// Engine runs compile/run/run-coordinated grading steps against one
// sandbox, harvesting their declared inputs and outputs through one
// cacher. It holds no per-manifest state: every method takes the
// manifest it operates on as an argument, so one Engine can service many
// unrelated tasks sequentially.
type Engine struct {
	Sandbox *sandbox.Sandbox
	Cacher  *cacher.Cacher
}

// New returns an Engine wired to the given sandbox and cacher.
func New(sb *sandbox.Sandbox, c *cacher.Cacher) *Engine {
	return &Engine{Sandbox: sb, Cacher: c}
}

// stageInputs materializes every input declaration into the sandbox,
// preferring a symlink into the blob store and falling back to a copy.
func (e *Engine) stageInputs(ctx context.Context, m *Manifest) error {
	for _, in := range m.Inputs {
		if err := e.stageInput(ctx, m, in); err != nil {
			return fmt.Errorf("grading: staging input %q: %w", in.Dest, err)
		}
	}
	for _, out := range m.Outputs {
		if out.Touch {
			f, err := e.Sandbox.CreateFile(out.Src)
			if err != nil {
				return fmt.Errorf("grading: touching output %q: %w", out.Src, err)
			}
			f.Close()
		}
	}
	return nil
}

func (e *Engine) stageInput(ctx context.Context, m *Manifest, in InputFile) error {
	if in.Digest != "" {
		if err := e.Cacher.GetFileToPath(ctx, in.Digest, e.Sandbox.RelativePath(in.Dest)); err != nil {
			return err
		}
	} else {
		src := in.Src
		if !filepath.IsAbs(src) {
			src = filepath.Join(m.Root, src)
		}
		dest := e.Sandbox.RelativePath(in.Dest)
		if err := linkOrCopy(src, dest); err != nil {
			return err
		}
	}
	if in.Executable {
		os.Chmod(e.Sandbox.RelativePath(in.Dest), 0755)
	}
	return nil
}

// linkOrCopy hardlinks src to dest if possible (same filesystem), else
// falls back to a byte copy.
func linkOrCopy(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	os.Remove(dest)
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func (e *Engine) stageFifos(m *Manifest) error {
	for _, f := range m.Fifos {
		if f.Link != "" {
			if err := e.Sandbox.CreateSymlink(f.Path, f.Link); err != nil {
				return err
			}
			continue
		}
		if err := e.Sandbox.CreateFifo(f.Path); err != nil {
			return err
		}
	}
	return nil
}

// harvestOutputs collects every declared output back into the blob store
// and/or the filesystem, assigning digests as declared.
func (e *Engine) harvestOutputs(ctx context.Context, m *Manifest) error {
	var errs *multierror.Error
	for i := range m.Outputs {
		if err := e.harvestOutput(ctx, m, &m.Outputs[i]); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("output %q: %w", m.Outputs[i].Src, err))
		}
	}
	return errs.ErrorOrNil()
}

func (e *Engine) harvestOutput(ctx context.Context, m *Manifest, out *OutputFile) error {
	if !e.Sandbox.FileExists(out.Src) {
		if out.Optional {
			return nil
		}
		return fmt.Errorf("grading: required output missing")
	}

	needsDigest := out.Digest != nil || out.Hash
	var d string
	if needsDigest {
		sandboxCtx := ctx
		if isExecutableArtifact(out) {
			sandboxCtx = gradingcontext.WithCompression(ctx, true)
		}
		var err error
		d, err = e.Cacher.PutFileFromPath(sandboxCtx, e.Sandbox.RelativePath(out.Src))
		if err != nil {
			return err
		}
		if out.Digest != nil {
			out.Digest.Value = d
		}
	}

	if out.Dest == "" {
		return nil
	}
	dest := out.Dest
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(m.Root, dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if d != "" {
		if p, ok := e.Cacher.PathForSymlink(ctx, d); ok {
			os.Remove(dest)
			if err := os.Symlink(p, dest); err == nil {
				return chmodExecutable(dest, out.Executable)
			}
		}
	}
	if err := e.copyWithMaxLen(e.Sandbox.RelativePath(out.Src), dest, out.MaxLen); err != nil {
		return err
	}
	return chmodExecutable(dest, out.Executable)
}

func isExecutableArtifact(out *OutputFile) bool {
	return out.Executable
}

func chmodExecutable(path string, executable bool) error {
	if executable {
		return os.Chmod(path, 0755)
	}
	return os.Chmod(path, 0644)
}

func (e *Engine) copyWithMaxLen(src, dest string, maxLen int64) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	r := io.Reader(in)
	if maxLen > 0 {
		if info, err := in.Stat(); err == nil && info.Size() > maxLen {
			log.Debug("grading: truncating %s from %s to %s", src,
				humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(maxLen)))
		}
		r = io.LimitReader(in, maxLen)
	}
	_, err = io.Copy(out, r)
	return err
}

func (e *Engine) areArtifactsOK(m *Manifest) bool {
	return AreArtifactsOK(m, e.Cacher)
}

// AreArtifactsOK reports whether every required (non-optional) output in m
// either has a digest value already present in c, or its Dest exists on
// disk with the declared executable bit. It takes a Cacher directly
// rather than an Engine so the dependency cache can reuse the exact same
// check to decide whether a would-be hit is still trustworthy, without
// needing a sandbox of its own.
func AreArtifactsOK(m *Manifest, c *cacher.Cacher) bool {
	for _, out := range m.Outputs {
		if out.Optional {
			continue
		}
		if out.Digest != nil && out.Digest.IsSet() {
			if !c.Exists(out.Digest.Value) {
				return false
			}
			continue
		}
		if out.Dest != "" {
			dest := out.Dest
			if !filepath.IsAbs(dest) {
				dest = filepath.Join(m.Root, dest)
			}
			info, err := os.Stat(dest)
			if err != nil {
				return false
			}
			isExec := info.Mode()&0111 != 0
			if out.Executable != isExec {
				return false
			}
		}
	}
	return true
}

// AllArtifactsOK reports whether AreArtifactsOK holds for every manifest.
func AllArtifactsOK(manifests []*Manifest, c *cacher.Cacher) bool {
	for _, m := range manifests {
		if !AreArtifactsOK(m, c) {
			return false
		}
	}
	return true
}
