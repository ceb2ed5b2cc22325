package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLocked is returned when a lock file is already held by someone else.
var ErrLocked = errors.New("file is locked")

// lockPollInterval is how often AcquireWait retries a held lock.
const lockPollInterval = 25 * time.Millisecond

// Lock represents an acquired advisory file lock.
// The lock is held for as long as the underlying file handle remains open.
type Lock struct {
	path string
	f    *os.File
}

// AttachmentLockPath returns the per-attachment lock file under the uploads root.
func AttachmentLockPath(uploadsDir string, attachmentID int64) string {
	return filepath.Join(uploadsDir, "webp-migrator-locks", fmt.Sprintf("att-%d.lock", attachmentID))
}

// Acquire takes an exclusive, non-blocking lock on path, creating the file
// and its parent directory as needed.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// #nosec G304 -- lock paths are derived from configured directories.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "pid=%d\nstarted_at=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))

	return &Lock{path: path, f: f}, nil
}

// AcquireWait polls Acquire until the lock is obtained or ctx is done.
func AcquireWait(ctx context.Context, path string) (*Lock, error) {
	for {
		l, err := Acquire(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", path, ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes the lock. The lock file itself is left in place.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	_ = l.f.Close()
	l.f = nil
	return err
}
