// Package storage implements a content-addressed blob store: immutable
// blobs keyed by their digest, each with an optional set of small
// structured metadata entries stored alongside it, and optional
// transparent compression.
//
// It is grounded on the filesystem-backed storage backend of the original
// grading engine this module reimplements: blobs live under a root
// directory named by digest, metadata lives in parallel JSON files under a
// ".metadata" subdirectory, and commits are atomic (write to a temp file,
// then rename into place; if two writers race for the same digest, the
// loser simply discards its temp file instead of erroring, since the
// winner already wrote byte-identical content).
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/rsalesc/rbx-grading/src/cli/logging"
	"github.com/rsalesc/rbx-grading/src/digest"
	rbxfs "github.com/rsalesc/rbx-grading/src/fs"
)

var log = logging.Log

// ErrTombstone is returned when reading or sizing a digest that points at
// the tombstone sentinel.
var ErrTombstone = errors.New("storage: digest is a tombstone")

// ErrNotFound is returned when a digest does not exist in the store.
var ErrNotFound = errors.New("storage: blob not found")

// metadataDir is the subdirectory (relative to the store root) that holds
// per-blob structured metadata JSON files.
const metadataDir = ".metadata"

// CompressionMetadataKey is the well-known metadata key recording the
// compression level a blob was written with, if any.
const CompressionMetadataKey = "compression"

// CompressionMetadata is the structured value stored under
// CompressionMetadataKey.
type CompressionMetadata struct {
	CompressionLevel int `json:"compression_level"`
}

// A Storage is a content-addressed blob store.
type Storage interface {
	// GetFile opens the blob named by digest for reading, transparently
	// decompressing it if it was stored compressed.
	GetFile(d string) (io.ReadCloser, error)
	// CreateFile begins writing a new blob for digest. It returns (nil, nil)
	// if the blob already exists (nothing to do). compress, if true, frames
	// the written content with zstd and records CompressionMetadata.
	CreateFile(d string, compress bool, compressionLevel int) (*PendingFile, error)
	// CommitFile finalizes a PendingFile, publishing it under its digest.
	// It returns false if another writer already committed the same digest
	// first; in that case the caller's temp file has already been removed.
	CommitFile(pf *PendingFile) (bool, error)
	// Exists reports whether a blob exists for the given digest.
	Exists(d string) bool
	// GetSize returns the on-disk (possibly compressed) size of a blob.
	GetSize(d string) (int64, error)
	// Delete removes a blob and its metadata. A no-op for the tombstone.
	Delete(d string) error
	// List returns every digest currently stored.
	List() ([]string, error)
	// GetMetadata reads one metadata entry, unmarshalling it into out.
	GetMetadata(d, key string, out interface{}) (bool, error)
	// SetMetadata writes one metadata entry.
	SetMetadata(d, key string, value interface{}) error
	// ListMetadata returns every metadata key stored for a digest.
	ListMetadata(d string) ([]string, error)
	// PathForSymlink returns a path that may be symlinked to in order to
	// expose the blob's content directly, and whether one is available.
	// Compressed blobs have no such path, since the stored bytes aren't
	// the plain content.
	PathForSymlink(d string) (string, bool)
	// FilenameFromSymlink resolves a path, if it is (transitively) a
	// symlink into this store, back to the digest it names.
	FilenameFromSymlink(path string) (string, bool)
	// CheckIntegrity re-hashes every stored blob and reports which ones no
	// longer match their own digest, deleting them first if delete is true.
	CheckIntegrity(delete bool) ([]string, error)
}

// A PendingFile is an in-progress blob write returned by CreateFile.
// It satisfies io.Writer; callers stream content into it and then call
// Storage.CommitFile.
type PendingFile struct {
	digest    string
	finalPath string
	tempPath  string
	file      *os.File
	zw        *zstd.Encoder
	compress  bool
	level     int
}

// Write implements io.Writer, writing through the compressor if enabled.
func (pf *PendingFile) Write(p []byte) (int, error) {
	if pf.zw != nil {
		return pf.zw.Write(p)
	}
	return pf.file.Write(p)
}

// Close flushes and closes the underlying temp file. It does not publish
// the blob; call Storage.CommitFile for that.
func (pf *PendingFile) Close() error {
	if pf.zw != nil {
		if err := pf.zw.Close(); err != nil {
			pf.file.Close()
			return err
		}
	}
	return pf.file.Close()
}

// FilesystemStorage is a Storage backed by a plain directory on disk.
type FilesystemStorage struct {
	root string
}

// New returns a FilesystemStorage rooted at the given directory, creating
// it (and its metadata subdirectory) if necessary.
func New(root string) (*FilesystemStorage, error) {
	if err := os.MkdirAll(root, rbxfs.DirPermissions); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, metadataDir), rbxfs.DirPermissions); err != nil {
		return nil, err
	}
	return &FilesystemStorage{root: root}, nil
}

func (s *FilesystemStorage) pathFor(d string) string {
	return filepath.Join(s.root, d)
}

func (s *FilesystemStorage) metadataPath(d, key string) string {
	return filepath.Join(s.root, metadataDir, fmt.Sprintf("%s__%s.json", d, key))
}

// GetFile implements Storage.
func (s *FilesystemStorage) GetFile(d string) (io.ReadCloser, error) {
	if digest.IsTombstone(d) {
		return nil, ErrTombstone
	}
	f, err := os.Open(s.pathFor(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta CompressionMetadata
	ok, err := s.GetMetadata(d, CompressionMetadataKey, &meta)
	if err != nil {
		f.Close()
		return nil, err
	}
	if !ok {
		return f, nil
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &decompressingReadCloser{zr: zr, f: f}, nil
}

type decompressingReadCloser struct {
	zr *zstd.Decoder
	f  *os.File
}

func (d *decompressingReadCloser) Read(p []byte) (int, error) { return d.zr.Read(p) }
func (d *decompressingReadCloser) Close() error {
	d.zr.Close()
	return d.f.Close()
}

// encoderLevel maps the spec's small integer compression level (mirroring
// the original gzip-style 1-9 scale) onto zstd's coarser speed/ratio
// buckets.
func encoderLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 5:
		return zstd.SpeedDefault
	case level <= 8:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// CreateFile implements Storage.
func (s *FilesystemStorage) CreateFile(d string, compress bool, compressionLevel int) (*PendingFile, error) {
	if digest.IsTombstone(d) {
		return nil, nil
	}
	if s.Exists(d) {
		return nil, nil
	}
	tempName := filepath.Join(s.root, fmt.Sprintf(".tmp.%s.%s", uuid.NewString(), d))
	f, err := os.Create(tempName)
	if err != nil {
		return nil, err
	}
	pf := &PendingFile{digest: d, finalPath: s.pathFor(d), tempPath: tempName, file: f, compress: compress, level: compressionLevel}
	if compress {
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(encoderLevel(compressionLevel)))
		if err != nil {
			f.Close()
			os.Remove(tempName)
			return nil, err
		}
		pf.zw = zw
	}
	return pf, nil
}

// CommitFile implements Storage.
func (s *FilesystemStorage) CommitFile(pf *PendingFile) (bool, error) {
	if err := pf.Close(); err != nil {
		os.Remove(pf.tempPath)
		return false, err
	}
	if s.Exists(pf.digest) {
		// Another writer committed this digest first; rename would replace
		// its blob, so drop ours instead.
		os.Remove(pf.tempPath)
		return false, nil
	}
	if pf.compress {
		if err := s.SetMetadata(pf.digest, CompressionMetadataKey, CompressionMetadata{CompressionLevel: pf.level}); err != nil {
			os.Remove(pf.tempPath)
			return false, err
		}
	}
	if err := os.Chmod(pf.tempPath, 0444); err != nil {
		log.Warning("could not make blob %s read-only: %s", pf.digest, err)
	}
	if err := os.Rename(pf.tempPath, pf.finalPath); err != nil {
		// Someone else committed first (or another error occurred); either
		// way our temp file is no longer wanted.
		os.Remove(pf.tempPath)
		if s.Exists(pf.digest) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Exists implements Storage.
func (s *FilesystemStorage) Exists(d string) bool {
	if digest.IsTombstone(d) {
		return false
	}
	return rbxfs.FileExists(s.pathFor(d))
}

// GetSize implements Storage.
func (s *FilesystemStorage) GetSize(d string) (int64, error) {
	if digest.IsTombstone(d) {
		return 0, ErrTombstone
	}
	info, err := os.Stat(s.pathFor(d))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

// Delete implements Storage.
func (s *FilesystemStorage) Delete(d string) error {
	if digest.IsTombstone(d) {
		return nil
	}
	if err := os.Remove(s.pathFor(d)); err != nil && !os.IsNotExist(err) {
		return err
	}
	keys, err := s.ListMetadata(d)
	if err != nil {
		return nil
	}
	for _, k := range keys {
		os.Remove(s.metadataPath(d, k))
	}
	return nil
}

// List implements Storage.
func (s *FilesystemStorage) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == metadataDir {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

// GetMetadata implements Storage.
func (s *FilesystemStorage) GetMetadata(d, key string, out interface{}) (bool, error) {
	b, err := os.ReadFile(s.metadataPath(d, key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if out != nil {
		if err := json.Unmarshal(b, out); err != nil {
			return false, err
		}
	}
	return true, nil
}

// SetMetadata implements Storage.
func (s *FilesystemStorage) SetMetadata(d, key string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return rbxfs.WriteFile(bytes.NewReader(b), s.metadataPath(d, key), 0644)
}

// ListMetadata implements Storage.
func (s *FilesystemStorage) ListMetadata(d string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, metadataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := d + "__"
	var out []string
	for _, e := range entries {
		name := e.Name()
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			key := name[len(prefix):]
			key = key[:len(key)-len(".json")]
			out = append(out, key)
		}
	}
	return out, nil
}

// PathForSymlink implements Storage. Compressed blobs can't be symlinked to
// directly since their on-disk bytes aren't the logical content.
func (s *FilesystemStorage) PathForSymlink(d string) (string, bool) {
	if digest.IsTombstone(d) || !s.Exists(d) {
		return "", false
	}
	var meta CompressionMetadata
	ok, err := s.GetMetadata(d, CompressionMetadataKey, &meta)
	if err != nil || ok {
		return "", false
	}
	return s.pathFor(d), true
}

// FilenameFromSymlink implements Storage. It follows a bounded chain of
// symlinks (to guard against cycles) and verifies the final target lives
// directly inside this store's root before returning the digest it names.
func (s *FilesystemStorage) FilenameFromSymlink(path string) (string, bool) {
	const maxDepth = 100
	p := path
	for i := 0; i < maxDepth; i++ {
		info, err := os.Lstat(p)
		if err != nil {
			return "", false
		}
		if info.Mode()&os.ModeSymlink == 0 {
			break
		}
		target, err := os.Readlink(p)
		if err != nil {
			return "", false
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(p), target)
		}
		p = filepath.Clean(target)
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", false
	}
	dir := filepath.Dir(p)
	rel, err := filepath.Rel(s.root, dir)
	if err != nil || rel != "." {
		return "", false
	}
	return filepath.Base(p), true
}
