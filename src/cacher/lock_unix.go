//go:build !windows

package cacher

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// errWouldBlock is returned by flock when another process already holds
// the lock.
var errWouldBlock = errors.New("cacher: lock held by another process")

func flock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return errWouldBlock
		}
		return err
	}
	return nil
}

func funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
