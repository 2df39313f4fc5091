// Package instance keeps a single daemon running per user.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another daemon holds the lock
var ErrAlreadyRunning = errors.New("another nowcast instance is already running")

// Lock is an exclusive advisory file lock
type Lock struct {
	path string
	lock *flock.Flock
}

// DefaultPath places the lock in $XDG_RUNTIME_DIR, or the temp dir without one
func DefaultPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "nowcast.lock")
}

// New prepares a lock at path without taking it
func New(path string) *Lock {
	return &Lock{path: path, lock: flock.New(path)}
}

// Path returns the lock file location
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock or fails immediately with ErrAlreadyRunning
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, l.path)
	}
	return nil
}

// Release drops the lock; releasing an unheld lock is a no-op
func (l *Lock) Release() error {
	if !l.lock.Locked() {
		return nil
	}
	return l.lock.Unlock()
}
