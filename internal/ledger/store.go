package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"webp-migrator/internal/filesystem"
	"webp-migrator/internal/logging"
)

// lockTimeout bounds how long a writer waits for another process.
const lockTimeout = 10 * time.Second

// jsonFile is a small JSON document guarded by an exclusive sidecar lock.
// Readers load the whole file; writers hold the lock across read-modify-write
// and replace the file atomically.
type jsonFile struct {
	path string
}

func (f jsonFile) lockPath() string {
	return f.path + ".lock"
}

// read decodes the file into v. A missing file leaves v untouched.
func (f jsonFile) read(v any) error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", f.path, err)
	}
	return nil
}

// update runs fn on the decoded document under the lock and writes the
// result back. A corrupt file is moved aside and treated as empty.
func update[T any](ctx context.Context, f jsonFile, fn func(doc *T) error) error {
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	lock, err := filesystem.AcquireWait(ctx, f.lockPath())
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", f.path, err)
	}
	defer func() { _ = lock.Release() }()

	var doc T
	if err := f.read(&doc); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", f.path, time.Now().Unix())
		logging.Warn("Ledger file unreadable, moving to %s: %v", aside, err)
		if renameErr := os.Rename(f.path, aside); renameErr != nil {
			return err
		}
		var zero T
		doc = zero
	}

	if err := fn(&doc); err != nil {
		return err
	}
	return f.write(doc)
}

// load reads the document without locking; writers replace the file
// atomically so a reader never sees a partial write.
func load[T any](f jsonFile) (T, error) {
	var doc T
	err := f.read(&doc)
	return doc, err
}

func (f jsonFile) write(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := filesystem.TempPath(f.path)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := filesystem.ReplaceFile(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
