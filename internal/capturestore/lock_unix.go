//go:build unix

// Package capturestore's FileLock is the cross-process analogue of the
// teacher's cluster.DistributedLock: instead of a keyed in-process mutex
// coordinating goroutines, it coordinates separate OS processes attaching
// to the same capture file, using an OS-level advisory lock that an
// in-process mutex cannot provide.
package capturestore

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/cookiemonster/cookiemonster/internal/errs"
)

// FileLock holds an exclusive advisory lock on a capture file for the
// lifetime of a Writer (spec.md §9 Open Questions: "concurrent captures to
// the same file are forbidden").
type FileLock struct {
	f *os.File
}

// AcquireFileLock opens path (creating it if absent) and takes a
// non-blocking exclusive flock on the descriptor. A second process
// attempting to acquire the same path fails immediately rather than
// blocking, so a concurrent-capture attempt surfaces as an error instead of
// stalling.
func AcquireFileLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, err, "capturestore: open %q for locking", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.PolicyDenied, err, "capturestore: %q is locked by another writer", path)
	}
	return &FileLock{f: f}, nil
}

// Release drops the lock and closes the underlying descriptor. It is safe
// to call Release more than once.
func (l *FileLock) Release() error {
	if l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return closeErr
}
