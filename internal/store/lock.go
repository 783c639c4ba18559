package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	qaerrors "github.com/supnum/qarag/internal/errors"
)

// IndexLock serializes ingestion runs that target the same bundle directory,
// across processes. The lock file sits next to the directory, not inside it,
// because the directory itself is replaced on publish.
type IndexLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewIndexLock creates the lock for the bundle at dir (<parent>/.<name>.lock).
func NewIndexLock(dir string) *IndexLock {
	dir = filepath.Clean(dir)
	lockPath := filepath.Join(filepath.Dir(dir), "."+filepath.Base(dir)+".lock")
	return &IndexLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *IndexLock) Acquire(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	ok, err := l.flock.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil {
		return qaerrors.New(qaerrors.ErrCodeIndexLocked, "failed to acquire index lock", err).
			WithDetail("path", l.path)
	}
	if !ok {
		return qaerrors.New(qaerrors.ErrCodeIndexLocked, "index is locked by another ingestion", nil).
			WithDetail("path", l.path)
	}
	l.locked = true
	return nil
}

// TryAcquire takes the lock without blocking. It reports false when another
// process holds it.
func (l *IndexLock) TryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	l.locked = ok
	return ok, nil
}

// Release unlocks. Safe to call more than once.
func (l *IndexLock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *IndexLock) Path() string {
	return l.path
}
