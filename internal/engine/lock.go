package engine

import (
	"fmt"
	"os"
	"path/filepath"

	syncerrors "github.com/alexjbarnes/placeholder-sync/internal/errors"
	"github.com/gofrs/flock"
)

// WorkspaceLock keeps a second client from syncing the same directory.
type WorkspaceLock struct {
	flock *flock.Flock
}

// NewWorkspaceLock prepares a lock file at path. Nothing is locked yet.
func NewWorkspaceLock(path string) *WorkspaceLock {
	return &WorkspaceLock{flock: flock.New(path)}
}

// Lock takes the lock without waiting. It returns ErrWorkspaceLocked when
// another process holds it.
func (l *WorkspaceLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.flock.Path()), 0o700); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("locking workspace: %w", err)
	}

	if !locked {
		return syncerrors.ErrWorkspaceLocked
	}

	return nil
}

// Unlock releases the lock and removes the lock file. It is a no-op when
// this process does not hold the lock.
func (l *WorkspaceLock) Unlock() error {
	if !l.flock.Locked() {
		return nil
	}

	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("unlocking workspace: %w", err)
	}

	return os.Remove(l.flock.Path())
}
