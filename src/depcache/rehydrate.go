package depcache

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rsalesc/rbx-grading/src/cacher"
	"github.com/rsalesc/rbx-grading/src/digest"
	rbxfs "github.com/rsalesc/rbx-grading/src/fs"
	"github.com/rsalesc/rbx-grading/src/gradingcontext"
	"github.com/rsalesc/rbx-grading/src/grading"
)

// checkIntegrity re-hashes every hashed output whose Dest is already a
// materialized symlink into the blob store and compares it against the
// digest it was stored under, so that someone editing a cached file by
// hand (or disk corruption) is caught instead of silently served.
// Skipped entirely when the scope turns integrity checking off, and
// per-output whenever there's nothing on disk yet to compare against.
func checkIntegrity(ctx context.Context, outs []digestOutput, storedDigests []string) error {
	if !gradingcontext.ShouldCheckIntegrity(ctx) {
		return nil
	}
	for i, do := range outs {
		if i >= len(storedDigests) || storedDigests[i] == "" {
			continue
		}
		if !do.Out.Hash || do.Out.Dest == "" {
			continue
		}
		dest := resolvePath(do.Root, do.Out.Dest)
		info, err := os.Lstat(dest)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		if _, err := os.Stat(dest); err != nil {
			continue // broken symlink: the store lost the blob, handled by eviction elsewhere
		}
		current, err := digest.OfFile(dest)
		if err != nil {
			return err
		}
		if current != storedDigests[i] {
			return fmt.Errorf("%w: %s", ErrTampered, dest)
		}
	}
	return nil
}

// copyHashedFiles rematerializes every hashed output that also declares a
// host Dest, preferring a symlink into the blob store and falling back to
// a streaming copy that respects MaxLen.
func copyHashedFiles(ctx context.Context, manifests []*grading.Manifest, c *cacher.Cacher) error {
	for _, m := range manifests {
		for i := range m.Outputs {
			out := &m.Outputs[i]
			if !out.Hash || out.Dest == "" {
				continue
			}
			if out.Optional && (out.Digest == nil || !out.Digest.IsSet()) {
				continue
			}
			dest := resolvePath(m.Root, out.Dest)
			value := out.Digest.Value
			if p, ok := c.PathForSymlink(ctx, value); ok {
				if err := rbxfs.EnsureDir(dest); err != nil {
					return err
				}
				os.Remove(dest)
				if err := os.Symlink(p, dest); err != nil {
					return err
				}
			} else if err := copyHashedFile(ctx, c, value, dest, out.MaxLen); err != nil {
				return err
			}
			if out.Executable {
				if err := os.Chmod(dest, 0o755); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func copyHashedFile(ctx context.Context, c *cacher.Cacher, value, dest string, maxLen int64) error {
	rc, err := c.GetFile(ctx, value)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := rbxfs.EnsureDir(dest); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	var r io.Reader = rc
	if maxLen > 0 {
		r = io.LimitReader(rc, maxLen)
	}
	_, err = io.Copy(f, r)
	return err
}
