// Package digest implements the core streaming SHA-1 digesting used to
// address everything stored in the blob store.
package digest

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// ChunkSize is the buffer size used when digesting cooperatively; it's
// intentionally small enough that a digest of a huge file doesn't block
// other goroutines from running for long at a time.
const ChunkSize = 1 << 20 // 1 MiB

// Tombstone is the sentinel digest value that denotes a deleted/poisoned
// blob. Reads against it always fail; writes and deletes against it are
// no-ops.
const Tombstone = "x"

// IsTombstone reports whether the given digest is the tombstone sentinel.
func IsTombstone(d string) bool {
	return d == Tombstone
}

// A Holder is a mutable, shared cell for a digest value. It is assigned
// exactly once by a producer and read any number of times afterwards by
// consumers. The zero value is an empty, unassigned holder.
type Holder struct {
	Value string
}

// NewHolder returns a Holder already carrying the given value. An empty
// string means "not yet produced".
func NewHolder(value string) *Holder {
	return &Holder{Value: value}
}

// IsSet reports whether this holder has been assigned a value.
func (h *Holder) IsSet() bool {
	return h != nil && h.Value != ""
}

// Digester wraps a hash.Hash, streaming SHA-1 of everything written to it.
type Digester struct {
	h hash.Hash
}

// New returns a new, empty Digester.
func New() *Digester {
	return &Digester{h: sha1.New()}
}

// Write implements io.Writer.
func (d *Digester) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Digest returns the lowercase hex SHA-1 digest of everything written so far.
// It does not reset the underlying hash.
func (d *Digester) Digest() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Cooperatively streams r into d in ChunkSize pieces, calling yield (if
// non-nil) between chunks so that callers cooperating with other work (e.g.
// a single-threaded event loop, or a context cancellation check) get a
// chance to intervene. It mirrors the "digest cooperatively" idiom of
// reading bounded chunks instead of handing the whole stream to io.Copy in
// one shot.
func Cooperatively(r io.Reader, d *Digester, yield func() error) error {
	buf := make([]byte, ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := d.Write(buf[:n]); werr != nil {
				return werr
			}
			if yield != nil {
				if yerr := yield(); yerr != nil {
					return yerr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// OfReader digests the entire contents of r and returns the hex digest.
func OfReader(r io.Reader) (string, error) {
	d := New()
	if err := Cooperatively(r, d, nil); err != nil {
		return "", err
	}
	return d.Digest(), nil
}

// OfFile digests the contents of the file named by path.
func OfFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return OfReader(f)
}

// OfBytes digests a byte slice already resident in memory.
func OfBytes(b []byte) string {
	d := New()
	d.Write(b)
	return d.Digest()
}
