// Package commit finalizes or reverses relinked attachments.
//
// Commit deletes the backup of the originals and makes the conversion
// permanent. Rollback copies the originals back, restores the attachment
// record, applies the inverse of the stored URL map and deletes the
// converted files. The backup directory survives a rollback.
package commit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"webp-migrator/internal/database"
	"webp-migrator/internal/filesystem"
	"webp-migrator/internal/logging"
	"webp-migrator/internal/media"
	"webp-migrator/internal/mediatypes"
	"webp-migrator/internal/metrics"
	"webp-migrator/internal/pipeline"
	"webp-migrator/internal/rewrite"
	"webp-migrator/internal/serial"
	"webp-migrator/internal/state"
	"webp-migrator/internal/urlmap"
	"webp-migrator/internal/workers"
)

var (
	// ErrNotRelinked is returned when an operation needs a relinked attachment.
	ErrNotRelinked = errors.New("attachment is not relinked")
	// ErrNoBackup is returned by Rollback when the backup directory is gone.
	ErrNoBackup = errors.New("backup directory not found")
	// ErrInvalidReport is returned by Rollback when the stored report cannot
	// drive a rollback.
	ErrInvalidReport = errors.New("invalid conversion report")
)

// Store is the host record capability.
type Store interface {
	GetAttachment(ctx context.Context, id int64) (*database.Attachment, error)
	UpdateAttachment(ctx context.Context, a *database.Attachment) error
	AttachmentsWithMeta(ctx context.Context, key, value string) ([]database.AttachmentRef, error)
}

// ErrorLog drops error ledger entries of attachments leaving the queue.
type ErrorLog interface {
	Remove(ctx context.Context, id int64) (bool, error)
}

// ReferenceRewriter applies URL maps to content surfaces.
type ReferenceRewriter interface {
	Apply(ctx context.Context, m *urlmap.Map, scope rewrite.Scope) (state.Manifest, error)
}

// Relinked describes an attachment awaiting commit or rollback.
type Relinked struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	RelativePath string    `json:"relative_path"`
	BackupDir    string    `json:"backup_dir"`
	MapSize      int       `json:"map_size"`
	ConvertedAt  time.Time `json:"converted_at"`
}

// Summary is the outcome of CommitAll.
type Summary struct {
	Committed int              `json:"committed"`
	Failed    int              `json:"failed"`
	Errors    map[int64]string `json:"errors,omitempty"`
}

// Manager commits and rolls back relinked attachments.
type Manager struct {
	store      Store
	tracker    *state.Tracker
	rewriter   ReferenceRewriter
	ledger     ErrorLog
	uploadsDir string
	workers    int
}

// NewManager creates a Manager. errs may be nil.
func NewManager(store Store, meta state.MetaStore, rewriter ReferenceRewriter, errs ErrorLog, uploadsDir string) *Manager {
	return &Manager{
		store:      store,
		tracker:    state.NewTracker(meta),
		rewriter:   rewriter,
		ledger:     errs,
		uploadsDir: uploadsDir,
		workers:    workers.ForIO(16),
	}
}

// dropLedgerEntry removes id's warnings from the error ledger so a rolled
// back attachment becomes eligible again.
func (m *Manager) dropLedgerEntry(ctx context.Context, id int64) {
	if m.ledger == nil {
		return
	}
	if _, err := m.ledger.Remove(ctx, id); err != nil {
		logging.Warn("Failed to clear ledger entry for attachment %d: %v", id, err)
	}
}

func (m *Manager) lock(id int64) (*filesystem.Lock, error) {
	l, err := filesystem.Acquire(filesystem.AttachmentLockPath(m.uploadsDir, id))
	if errors.Is(err, filesystem.ErrLocked) {
		return nil, fmt.Errorf("attachment %d: %w", id, pipeline.ErrBusy)
	}
	return l, err
}

// Commit removes the backup of a relinked attachment and marks it
// committed. Committing an already committed attachment is a no-op that
// returns false.
func (m *Manager) Commit(ctx context.Context, id int64) (committed bool, err error) {
	defer func() { observe("commit", committed, err) }()

	l, err := m.lock(id)
	if err != nil {
		return false, err
	}
	defer func() { _ = l.Release() }()

	status, err := m.tracker.Status(ctx, id)
	if err != nil {
		return false, err
	}
	if status == state.StatusCommitted {
		return false, nil
	}
	if status != state.StatusRelinked {
		return false, fmt.Errorf("attachment %d is %s: %w", id, status.Label(), ErrNotRelinked)
	}

	if dir, ok, err := m.tracker.BackupDir(ctx, id); err != nil {
		return false, err
	} else if ok && dir != "" {
		if err := m.removeBackup(dir); err != nil {
			return false, err
		}
	}

	if err := m.tracker.ClearPluginKeys(ctx, id); err != nil {
		return false, err
	}
	if err := m.tracker.SetStatus(ctx, id, state.StatusCommitted); err != nil {
		return false, err
	}
	m.dropLedgerEntry(ctx, id)
	logging.Info("Committed attachment %d", id)
	return true, nil
}

// removeBackup deletes an attachment's backup directory and its stamp
// directory once empty. Paths outside the backup root are refused.
func (m *Manager) removeBackup(dir string) error {
	root := filepath.Join(m.uploadsDir, pipeline.BackupDirName) + string(filepath.Separator)
	clean := filepath.Clean(dir)
	if !strings.HasPrefix(clean, root) {
		return fmt.Errorf("refusing to remove %s: outside %s", dir, root)
	}
	if err := os.RemoveAll(clean); err != nil {
		return fmt.Errorf("failed to remove backup %s: %w", clean, err)
	}
	_ = os.Remove(filepath.Dir(clean))
	return nil
}

// Rollback reverses the conversion of a relinked attachment.
func (m *Manager) Rollback(ctx context.Context, id int64) (err error) {
	defer func() { observe("rollback", err == nil, err) }()

	l, err := m.lock(id)
	if err != nil {
		return err
	}
	defer func() { _ = l.Release() }()

	status, err := m.tracker.Status(ctx, id)
	if err != nil {
		return err
	}
	if status != state.StatusRelinked {
		return fmt.Errorf("attachment %d is %s: %w", id, status.Label(), ErrNotRelinked)
	}
	backup, ok, err := m.tracker.BackupDir(ctx, id)
	if err != nil {
		return err
	}
	if info, statErr := os.Stat(backup); !ok || backup == "" || statErr != nil || !info.IsDir() {
		return fmt.Errorf("attachment %d: %w: %q", id, ErrNoBackup, backup)
	}
	report, err := m.tracker.Report(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if err := report.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}

	current, err := m.store.GetAttachment(ctx, id)
	if err != nil {
		return err
	}
	inverse := report.URLMap.Inverse()

	originalRel, err := m.originalPath(current, report, inverse, backup)
	if err != nil {
		return err
	}
	if err := m.restoreFiles(backup, path.Dir(originalRel)); err != nil {
		return err
	}

	restored, err := m.restoredRecord(current, report, inverse, originalRel)
	if err != nil {
		return err
	}
	if err := m.store.UpdateAttachment(ctx, restored); err != nil {
		return fmt.Errorf("failed to restore attachment record: %w", err)
	}

	manifest, err := m.rewriter.Apply(ctx, inverse, rewrite.Scope{AttachmentID: id})
	if err != nil {
		return fmt.Errorf("failed to restore references after %d rows: %w", manifest.Total(), err)
	}

	for _, f := range m.convertedFiles(current, report, restored) {
		if err := filesystem.RemoveIfExists(m.abs(f)); err != nil {
			logging.Warn("Rollback of attachment %d: failed to remove %s: %v", id, f, err)
		}
	}

	if err := m.tracker.ClearPluginKeys(ctx, id); err != nil {
		return err
	}
	if err := m.tracker.ClearCommitted(ctx, id); err != nil {
		return err
	}
	m.dropLedgerEntry(ctx, id)
	logging.Info("Rolled back attachment %d to %s (%d rows restored)", id, restored.RelativePath, manifest.Total())
	return nil
}

func (m *Manager) abs(rel string) string {
	return filepath.Join(m.uploadsDir, filepath.FromSlash(rel))
}

// originalPath finds the pre-conversion relative path: the stored record,
// then the inverse URL map, then the backup file whose name matches the
// converted file's stem under a legacy extension.
func (m *Manager) originalPath(current *database.Attachment, report *state.Report, inverse *urlmap.Map, backup string) (string, error) {
	if report.Original != nil && report.Original.RelativePath != "" {
		return report.Original.RelativePath, nil
	}
	if rel, ok := m.lookupRel(inverse, current.RelativePath); ok {
		return rel, nil
	}

	stem := strings.TrimSuffix(path.Base(current.RelativePath), path.Ext(current.RelativePath))
	stem = strings.TrimSuffix(stem, "-scaled")
	entries, err := os.ReadDir(backup)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		name := e.Name()
		f := mediatypes.FormatForPath(name)
		if e.IsDir() || f == "" || strings.TrimSuffix(name, path.Ext(name)) != stem {
			continue
		}
		return joinRel(path.Dir(current.RelativePath), name), nil
	}
	return "", fmt.Errorf("%w: no original for %s in %s", ErrInvalidReport, current.RelativePath, backup)
}

// lookupRel resolves an upload-relative path through a URL map. Files at
// the uploads root have no relative key, so the absolute path form is
// tried as well.
func (m *Manager) lookupRel(um *urlmap.Map, rel string) (string, bool) {
	if v, ok := um.Get(rel); ok {
		return v, true
	}
	root := strings.TrimRight(filepath.ToSlash(m.uploadsDir), "/") + "/"
	if v, ok := um.Get(root + rel); ok && strings.HasPrefix(v, root) {
		return strings.TrimPrefix(v, root), true
	}
	return "", false
}

// restoreFiles copies every file in the backup into dir. The backup is
// left in place.
func (m *Manager) restoreFiles(backup, dir string) error {
	entries, err := os.ReadDir(backup)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		dst := m.abs(joinRel(dir, e.Name()))
		if err := filesystem.CopyFile(filepath.Join(backup, e.Name()), dst); err != nil {
			return fmt.Errorf("failed to restore %s: %w", e.Name(), err)
		}
	}
	return nil
}

// restoredRecord is the attachment record as it was before conversion.
// The stored original wins; otherwise it is regenerated from the current
// record and the inverse map.
func (m *Manager) restoredRecord(current *database.Attachment, report *state.Report, inverse *urlmap.Map, originalRel string) (*database.Attachment, error) {
	if o := report.Original; o != nil {
		return &database.Attachment{
			ID:           current.ID,
			MimeType:     o.MimeType,
			RelativePath: o.RelativePath,
			Title:        current.Title,
			GUID:         o.GUID,
			RawMetadata:  o.Metadata,
		}, nil
	}

	meta := current.Metadata.Clone()
	meta.File = originalRel
	if d, err := media.ProbeDimensions(m.abs(originalRel)); err == nil {
		meta.Width, meta.Height = d.Width, d.Height
	}
	dir := path.Dir(current.RelativePath)
	for i, s := range meta.Sizes {
		old, ok := m.lookupRel(inverse, joinRel(dir, s.File))
		if !ok {
			continue
		}
		meta.Sizes[i].File = path.Base(old)
		if f := mediatypes.FormatForPath(old); f != "" {
			meta.Sizes[i].MimeType = f.Mime()
		}
	}

	mime := current.MimeType
	if f := mediatypes.FormatForPath(originalRel); f != "" {
		mime = f.Mime()
	}
	guid, _ := serial.ReplaceString(current.GUID, inverse.Pairs())
	return &database.Attachment{
		ID:           current.ID,
		MimeType:     mime,
		RelativePath: originalRel,
		Title:        current.Title,
		GUID:         guid,
		Metadata:     meta,
	}, nil
}

// convertedFiles lists the files the conversion created, never including
// a file the restored record points at.
func (m *Manager) convertedFiles(current *database.Attachment, report *state.Report, restored *database.Attachment) []string {
	files := report.Files
	if len(files) == 0 {
		files = []string{current.RelativePath}
		dir := path.Dir(current.RelativePath)
		for _, s := range current.Metadata.Sizes {
			files = append(files, joinRel(dir, s.File))
		}
	}
	keep := map[string]bool{restored.RelativePath: true}
	if restored.Metadata != nil {
		dir := path.Dir(restored.RelativePath)
		for _, s := range restored.Metadata.Sizes {
			keep[joinRel(dir, s.File)] = true
		}
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		if !keep[f] {
			out = append(out, f)
		}
	}
	return out
}

// ListRelinked returns every attachment awaiting commit or rollback.
func (m *Manager) ListRelinked(ctx context.Context) ([]Relinked, error) {
	refs, err := m.store.AttachmentsWithMeta(ctx, state.KeyStatus, string(state.StatusRelinked))
	if err != nil {
		return nil, err
	}
	out := make([]Relinked, 0, len(refs))
	for _, r := range refs {
		item := Relinked{ID: r.ID, Title: r.Title, RelativePath: r.RelativePath}
		if dir, ok, err := m.tracker.BackupDir(ctx, r.ID); err == nil && ok {
			item.BackupDir = dir
		}
		if report, err := m.tracker.Report(ctx, r.ID); err == nil && report != nil {
			item.MapSize = report.MapSize
			item.ConvertedAt = report.Timestamp
		}
		out = append(out, item)
	}
	return out, nil
}

// CommitAll commits every relinked attachment. Backup removal runs on an
// I/O-sized worker pool.
func (m *Manager) CommitAll(ctx context.Context) (Summary, error) {
	items, err := m.ListRelinked(ctx)
	if err != nil {
		return Summary{}, err
	}
	errs := workers.Each(ctx, m.workers, items, func(ctx context.Context, it Relinked) error {
		_, err := m.Commit(ctx, it.ID)
		return err
	})

	var sum Summary
	for i, err := range errs {
		if err == nil {
			sum.Committed++
			continue
		}
		sum.Failed++
		if sum.Errors == nil {
			sum.Errors = map[int64]string{}
		}
		sum.Errors[items[i].ID] = err.Error()
		logging.Warn("Commit of attachment %d failed: %v", items[i].ID, err)
	}
	logging.Info("Committed %d attachments (%d failed)", sum.Committed, sum.Failed)
	return sum, nil
}

func observe(op string, ok bool, err error) {
	result := "success"
	switch {
	case err != nil:
		result = "error"
	case !ok:
		result = "noop"
	}
	metrics.CommitOperationsTotal.WithLabelValues(op, result).Inc()
}

func joinRel(dir, file string) string {
	if dir == "." || dir == "" {
		return file
	}
	return dir + "/" + file
}
