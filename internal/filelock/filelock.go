package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Suffix is appended to a guarded path to name its lock file
const Suffix = ".lock"

// Lock is an advisory flock on <path>.lock
type Lock struct {
	f *os.File
}

// Acquire blocks until the lock for path is held.
// Exclusive locks are for writers; shared locks let readers run together.
func Acquire(path string, exclusive bool) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}

	f, err := os.OpenFile(path+Suffix, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	for {
		err = unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	return &Lock{f: f}, nil
}

// Release drops the lock. The lock file itself is left in place for other processes.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// With runs fn while holding the lock for path
func With(path string, exclusive bool, fn func() error) error {
	lock, err := Acquire(path, exclusive)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}
