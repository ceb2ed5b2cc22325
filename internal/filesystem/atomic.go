package filesystem

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrExists is returned by MoveFile when the destination is already present.
var ErrExists = errors.New("destination already exists")

// TempPath returns a unique sibling path for staging writes to path.
// The result stays in the same directory so a later rename is atomic.
func TempPath(path string) string {
	return fmt.Sprintf("%s.tmp.%s", path, uuid.NewString())
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	info, err := StatWithRetry(path, DefaultRetryConfig())
	return err == nil && info.Mode().IsRegular()
}

// Size returns the size of path, or -1 if it cannot be stat'ed.
func Size(path string) int64 {
	info, err := StatWithRetry(path, DefaultRetryConfig())
	if err != nil {
		return -1
	}
	return info.Size()
}

// ReplaceFile moves src over dst. A plain rename is tried first; when that
// fails (for example across devices) the data is copied into a temp file next
// to dst, verified by size, renamed into place and src is unlinked.
func ReplaceFile(src, dst string) (err error) {
	start := time.Now()
	defer func() { observeOperation(dst, "replace", start, err) }()

	if err = RenameWithRetry(src, dst, DefaultRetryConfig()); err == nil {
		return nil
	}
	renameErr := err

	if err = copyVerified(src, dst); err != nil {
		return fmt.Errorf("replace %s: rename failed (%v), copy failed: %w", dst, renameErr, err)
	}
	if err = os.Remove(src); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace %s: removing source: %w", dst, err)
	}
	return nil
}

// MoveFile moves src to dst, creating dst's directory. It refuses to
// overwrite an existing destination.
func MoveFile(src, dst string) (err error) {
	start := time.Now()
	defer func() { observeOperation(dst, "move", start, err) }()

	if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if _, statErr := os.Lstat(dst); statErr == nil {
		return fmt.Errorf("%w: %s", ErrExists, dst)
	}
	if err = RenameWithRetry(src, dst, DefaultRetryConfig()); err == nil {
		return nil
	}
	if err = copyVerified(src, dst); err != nil {
		return fmt.Errorf("move %s: %w", src, err)
	}
	return os.Remove(src)
}

// CopyFile copies src to dst through a temp file so readers never observe a
// partially written destination. The source is left untouched.
func CopyFile(src, dst string) (err error) {
	start := time.Now()
	defer func() { observeOperation(dst, "copy", start, err) }()

	if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyVerified(src, dst)
}

// RemoveIfExists deletes path, treating a missing file as success.
func RemoveIfExists(path string) (err error) {
	start := time.Now()
	defer func() { observeOperation(path, "remove", start, err) }()

	err = os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

func copyVerified(src, dst string) error {
	in, err := OpenWithRetry(src, DefaultRetryConfig())
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	tmp := TempPath(dst)
	// #nosec G304 -- tmp is derived from a caller-controlled destination path.
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	n, copyErr := io.Copy(out, in)
	if copyErr == nil {
		copyErr = out.Sync()
	}
	closeErr := out.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil && n != info.Size() {
		copyErr = fmt.Errorf("short copy: wrote %d of %d bytes", n, info.Size())
	}
	if copyErr != nil {
		_ = os.Remove(tmp)
		return copyErr
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func observeOperation(path, op string, start time.Time, err error) {
	if obs := observe(); obs != nil {
		obs.ObserveOperation(defaultResolver.Resolve(path), op, time.Since(start).Seconds(), err)
	}
}
