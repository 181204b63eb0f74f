// Package cacher implements a local read-through file cache layered over
// a content-addressed blob store (src/storage). It is the component that
// everything else in the grading engine actually calls to get bytes onto
// disk or to persist them: it prefers symlinking straight into the blob
// store when possible, falls back to a streaming copy otherwise, and
// writes new content through a scratch temp file before an atomic rename,
// exactly like the blob store's own commit protocol.
package cacher

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/xattr"

	"github.com/rsalesc/rbx-grading/src/cli/logging"
	"github.com/rsalesc/rbx-grading/src/digest"
	rbxfs "github.com/rsalesc/rbx-grading/src/fs"
	"github.com/rsalesc/rbx-grading/src/gradingcontext"
	"github.com/rsalesc/rbx-grading/src/storage"

	"context"
)

var log = logging.Log

// ErrTombstone is returned when a read targets the tombstone digest.
var ErrTombstone = storage.ErrTombstone

// xattrDigestName is the extended attribute a materialized file's digest
// is opportunistically cached under, so that re-deriving digest_from_symlink
// for an already-materialized file can skip a full re-hash.
const xattrDigestName = "user.rbx_digest"

// A Cacher is a local read-through cache over a Storage backend.
type Cacher struct {
	storage storage.Storage
	fileDir string
	tempDir string
	shared  bool
}

// New returns a Cacher backed by storage, using fileDir as its local
// scratch root. If shared is false, the scratch root is exclusive to this
// process and Purge is permitted; shared caches must never be
// purged since other processes may be relying on their contents.
func New(s storage.Storage, fileDir string, shared bool) (*Cacher, error) {
	if err := os.MkdirAll(fileDir, rbxfs.DirPermissions); err != nil {
		return nil, err
	}
	// The temp dir is nested inside fileDir (rather than os.TempDir) so that
	// the final rename into fileDir never crosses a filesystem boundary.
	tempDir := filepath.Join(fileDir, ".tmp")
	if err := os.MkdirAll(tempDir, rbxfs.DirPermissions); err != nil {
		return nil, err
	}
	return &Cacher{storage: s, fileDir: fileDir, tempDir: tempDir, shared: shared}, nil
}

func (c *Cacher) scratchPath(d string) string {
	return filepath.Join(c.fileDir, d)
}

// Exists reports whether a digest is available, either already scratched
// locally or retrievable from the backing store.
func (c *Cacher) Exists(d string) bool {
	if digest.IsTombstone(d) {
		return false
	}
	if rbxfs.FileExists(c.scratchPath(d)) {
		return true
	}
	return c.storage.Exists(d)
}

// GetFile opens the content named by digest for reading, materializing it
// into the local scratch area first if it wasn't already there.
func (c *Cacher) GetFile(ctx context.Context, d string) (io.ReadCloser, error) {
	if digest.IsTombstone(d) {
		return nil, ErrTombstone
	}
	if err := c.ensureScratched(ctx, d); err != nil {
		return nil, err
	}
	return os.Open(c.scratchPath(d))
}

// GetFileToPath materializes digest's content at dest: by symlink to the
// store when that's available and we're not in transient mode, otherwise
// by a streaming copy.
func (c *Cacher) GetFileToPath(ctx context.Context, d, dest string) error {
	if digest.IsTombstone(d) {
		return ErrTombstone
	}
	if err := rbxfs.EnsureDir(dest); err != nil {
		return err
	}
	if p, ok := c.PathForSymlink(ctx, d); ok {
		os.Remove(dest)
		if err := os.Symlink(p, dest); err == nil {
			return nil
		}
		// Fall through to a copy if symlinking failed for some reason
		// (e.g. cross-device on an unusual mount layout).
	}
	rc, err := c.GetFile(ctx, d)
	if err != nil {
		return err
	}
	defer rc.Close()
	return rbxfs.WriteFile(rc, dest, 0644)
}

// ensureScratched makes sure digest's content is present under the local
// scratch root: it symlinks to the backend's own copy when one is
// available, and otherwise copies the content down from the backend.
func (c *Cacher) ensureScratched(ctx context.Context, d string) error {
	if rbxfs.FileExists(c.scratchPath(d)) {
		return nil
	}
	if p, ok := c.storage.PathForSymlink(d); ok {
		os.Symlink(p, c.scratchPath(d))
		return nil
	}
	rc, err := c.storage.GetFile(d)
	if err != nil {
		return err
	}
	defer rc.Close()
	tmp := filepath.Join(c.tempDir, uuid.NewString())
	if err := rbxfs.WriteFile(rc, tmp, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, c.scratchPath(d)); err != nil {
		os.Remove(tmp) // someone else scratched it first
	}
	return nil
}

// PathForSymlink returns a path suitable for symlinking directly to the
// backing store's content, and whether one is available. In a transient
// scope no such path is ever returned, since the caller must not depend
// on the durable store outliving the task.
func (c *Cacher) PathForSymlink(ctx context.Context, d string) (string, bool) {
	if gradingcontext.IsTransient(ctx) {
		return "", false
	}
	return c.storage.PathForSymlink(d)
}

// PutFileFromReader streams r into the cache, computing its digest as it
// goes, and returns that digest. Unless ctx is in a transient scope, the
// content is also committed to the backing store.
func (c *Cacher) PutFileFromReader(ctx context.Context, r io.Reader) (string, error) {
	tmp := filepath.Join(c.tempDir, uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	d := digest.New()
	w := io.MultiWriter(f, d)
	_, copyErr := io.Copy(w, r)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return "", copyErr
	}
	if closeErr != nil {
		os.Remove(tmp)
		return "", closeErr
	}
	value := d.Digest()

	if !gradingcontext.IsTransient(ctx) {
		if err := c.commitToBackend(ctx, value, tmp); err != nil {
			os.Remove(tmp)
			return "", err
		}
	}
	dest := c.scratchPath(value)
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp) // content already present locally under this digest
	}
	setDigestXattr(dest, value)
	return value, nil
}

// commitToBackend streams the already-digested temp file into the backing
// store under its own digest.
func (c *Cacher) commitToBackend(ctx context.Context, d, tmpPath string) error {
	if c.storage.Exists(d) {
		return nil
	}
	compress := gradingcontext.ShouldCompress(ctx)
	pf, err := c.storage.CreateFile(d, compress, gradingcontext.CompressionLevel(ctx))
	if err != nil {
		return err
	}
	if pf == nil {
		return nil // another writer already has this digest
	}
	f, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(pf, f)
	f.Close()
	if copyErr != nil {
		return copyErr
	}
	_, err = c.storage.CommitFile(pf)
	return err
}

// PutFileFromPath is a convenience wrapper over PutFileFromReader for
// content already on disk.
func (c *Cacher) PutFileFromPath(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return c.PutFileFromReader(ctx, f)
}

// DigestFromSymlink resolves path, if it is (transitively) a symlink
// pointing into the backing store, to the digest it names. It first
// consults a cached xattr on the file itself to skip the symlink-chasing
// walk entirely when available.
func (c *Cacher) DigestFromSymlink(path string) (string, bool) {
	if b, err := xattr.Get(path, xattrDigestName); err == nil && len(b) > 0 {
		return string(b), true
	}
	d, ok := c.storage.FilenameFromSymlink(path)
	if ok {
		setDigestXattr(path, d)
	}
	return d, ok
}

func setDigestXattr(path, d string) {
	// Best-effort: not all filesystems support extended attributes, and
	// losing this cache is never fatal, just slower.
	if err := xattr.Set(path, xattrDigestName, []byte(d)); err != nil {
		log.Debug("could not set digest xattr on %s: %s", path, err)
	}
}

// PrecacheLock takes an advisory, non-blocking exclusive lock intended to
// serialize a slow "warm up the cache" step across concurrent processes
// sharing the same cache directory. It returns ok=false (and a nil
// unlock func) if another process already holds the lock.
func (c *Cacher) PrecacheLock() (unlock func(), ok bool, err error) {
	lockPath := filepath.Join(c.fileDir, ".cache_lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, false, err
	}
	if err := flock(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return func() { funlock(f); f.Close() }, true, nil
}

// GetSize returns the size of a digest as recorded by the backing store,
// falling back to the local scratch copy's size if the digest hasn't
// (yet, or ever will, under transient mode) been committed there.
func (c *Cacher) GetSize(d string) (int64, error) {
	if n, err := c.storage.GetSize(d); err == nil {
		return n, nil
	}
	info, err := os.Stat(c.scratchPath(d))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Delete removes a digest from both the local scratch area and, unless
// the cache is shared, the backing store.
func (c *Cacher) Delete(d string) error {
	os.Remove(c.scratchPath(d))
	if c.shared {
		return nil
	}
	return c.storage.Delete(d)
}

// Purge removes every locally scratched file. It must never be called on
// a shared cache, since other processes may depend on its contents.
func (c *Cacher) Purge() error {
	if c.shared {
		return errors.New("cacher: refusing to purge a shared cache")
	}
	if err := rbxfs.RemoveAll(c.fileDir); err != nil {
		return err
	}
	return os.MkdirAll(c.tempDir, rbxfs.DirPermissions)
}

// CheckIntegrity forwards to the backing storage's whole-store integrity
// sweep, re-hashing every blob and reporting (and optionally deleting)
// whichever ones no longer match their own digest. It does not touch this
// cacher's local scratch copies; a corrupted scratch file is instead
// caught lazily the next time something hashes it.
func (c *Cacher) CheckIntegrity(delete bool) ([]string, error) {
	return c.storage.CheckIntegrity(delete)
}
