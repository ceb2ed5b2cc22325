package filesystem

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestAttachmentLockPath(t *testing.T) {
	got := AttachmentLockPath("/srv/uploads", 42)
	want := filepath.Join("/srv/uploads", "webp-migrator-locks", "att-42.lock")
	if got != want {
		t.Errorf("AttachmentLockPath() = %q, want %q", got, want)
	}
}

func TestAcquire_Exclusive(t *testing.T) {
	path := AttachmentLockPath(t.TempDir(), 7)

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if _, err := Acquire(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire() error = %v, want ErrLocked", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	again, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
	_ = again.Release()
}

func TestAcquireWait_TimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.lock")
	held, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = held.Release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	if _, err := AcquireWait(ctx, path); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AcquireWait() error = %v, want deadline exceeded", err)
	}
}

func TestAcquireWait_ObtainsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.lock")
	held, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = held.Release()
	}()

	l, err := AcquireWait(context.Background(), path)
	if err != nil {
		t.Fatalf("AcquireWait() error = %v", err)
	}
	_ = l.Release()
}

func TestRelease_NilSafe(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() = %v", err)
	}
	if l.Path() != "" {
		t.Error("nil Path() should be empty")
	}
}
