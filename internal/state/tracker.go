package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Per-attachment meta keys owned by the migrator.
const (
	KeyStatus      = "_webp_migrator_status"
	KeyBackupDir   = "_webp_migrator_backup_dir"
	KeyReport      = "_webp_migrator_report"
	KeyError       = "_webp_migrator_error"
	KeyCommittedAt = "_webp_migrator_committed_at"
)

// PluginKeys are the keys removed by commit and rollback.
var PluginKeys = []string{KeyStatus, KeyBackupDir, KeyReport, KeyError}

// MetaStore is the host's per-attachment key/value capability.
type MetaStore interface {
	GetPostMeta(ctx context.Context, postID int64, key string) (string, bool, error)
	SetPostMeta(ctx context.Context, postID int64, key, value string) error
	DeletePostMeta(ctx context.Context, postID int64, key string) error
}

// Tracker reads and writes migration state through the host meta store.
type Tracker struct {
	store MetaStore
	now   func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(store MetaStore) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// Status returns the current status. A committed marker wins over any
// stored status key.
func (t *Tracker) Status(ctx context.Context, id int64) (Status, error) {
	if _, ok, err := t.store.GetPostMeta(ctx, id, KeyCommittedAt); err != nil {
		return StatusNone, err
	} else if ok {
		return StatusCommitted, nil
	}
	raw, ok, err := t.store.GetPostMeta(ctx, id, KeyStatus)
	if err != nil || !ok {
		return StatusNone, err
	}
	return ParseStatus(raw)
}

// SetStatus persists s. StatusNone removes the key; StatusCommitted writes
// the committed marker and drops the status key.
func (t *Tracker) SetStatus(ctx context.Context, id int64, s Status) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, string(s))
	}
	switch s {
	case StatusNone:
		return t.store.DeletePostMeta(ctx, id, KeyStatus)
	case StatusCommitted:
		if err := t.store.SetPostMeta(ctx, id, KeyCommittedAt, t.now().UTC().Format(time.RFC3339)); err != nil {
			return err
		}
		return t.store.DeletePostMeta(ctx, id, KeyStatus)
	}
	if err := t.store.DeletePostMeta(ctx, id, KeyCommittedAt); err != nil {
		return err
	}
	return t.store.SetPostMeta(ctx, id, KeyStatus, string(s))
}

// BackupDir returns the stored backup directory, if any.
func (t *Tracker) BackupDir(ctx context.Context, id int64) (string, bool, error) {
	return t.store.GetPostMeta(ctx, id, KeyBackupDir)
}

// SetBackupDir records the attachment's backup directory.
func (t *Tracker) SetBackupDir(ctx context.Context, id int64, dir string) error {
	return t.store.SetPostMeta(ctx, id, KeyBackupDir, dir)
}

// Report returns the stored conversion report, or nil when absent.
func (t *Tracker) Report(ctx context.Context, id int64) (*Report, error) {
	raw, ok, err := t.store.GetPostMeta(ctx, id, KeyReport)
	if err != nil || !ok {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("failed to decode report for attachment %d: %w", id, err)
	}
	return &r, nil
}

// SaveReport stores r.
func (t *Tracker) SaveReport(ctx context.Context, id int64, r *Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return t.store.SetPostMeta(ctx, id, KeyReport, string(data))
}

// SetError stores the last error message shown next to the attachment.
func (t *Tracker) SetError(ctx context.Context, id int64, msg string) error {
	return t.store.SetPostMeta(ctx, id, KeyError, msg)
}

// LastError returns the stored error message.
func (t *Tracker) LastError(ctx context.Context, id int64) (string, error) {
	msg, _, err := t.store.GetPostMeta(ctx, id, KeyError)
	return msg, err
}

// ClearPluginKeys removes status, backup pointer, report and error.
func (t *Tracker) ClearPluginKeys(ctx context.Context, id int64) error {
	for _, k := range PluginKeys {
		if err := t.store.DeletePostMeta(ctx, id, k); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	return nil
}

// ClearCommitted removes the committed marker.
func (t *Tracker) ClearCommitted(ctx context.Context, id int64) error {
	return t.store.DeletePostMeta(ctx, id, KeyCommittedAt)
}
