package taskgraph

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const lockFileName = "taskgraph.lock"

// FileLock serializes snapshot reads and writes between crew processes that
// share a state directory. It wraps flock(2) on dir/taskgraph.lock.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock returns an unheld lock for dir.
func NewFileLock(dir string) *FileLock {
	return &FileLock{path: filepath.Join(dir, lockFileName)}
}

// Lock blocks until the lock is held.
func (fl *FileLock) Lock() error {
	_, err := fl.acquire(syscall.LOCK_EX)
	return err
}

// TryLock reports false without blocking when another holder has the lock.
func (fl *FileLock) TryLock() (bool, error) {
	return fl.acquire(syscall.LOCK_EX | syscall.LOCK_NB)
}

func (fl *FileLock) acquire(how int) (bool, error) {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("taskgraph: open %s: %w", fl.path, err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		if how&syscall.LOCK_NB != 0 && stderrors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("taskgraph: lock %s: %w", fl.path, err)
	}
	fl.file = f
	return true, nil
}

// Unlock releases the lock; it is a no-op when the lock is not held.
func (fl *FileLock) Unlock() error {
	f := fl.file
	if f == nil {
		return nil
	}
	fl.file = nil
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("taskgraph: unlock %s: %w", fl.path, err)
	}
	return nil
}

// withLock runs fn while holding the state directory lock.
func withLock(dir string, fn func() error) error {
	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return err
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}
