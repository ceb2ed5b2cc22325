package ledger

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// File names of the observational logs under the uploads root.
const (
	DimensionsFile  = "webp-migrator-dimension-inconsistencies.json"
	ResizeDebugFile = "webp-migrator-resize-debug.json"
)

// MaxResizeDebugEntries bounds the resize debug log; older entries are dropped.
const MaxResizeDebugEntries = 1000

// DimensionEntry records a filename whose encoded size disagrees with the
// decoded image.
type DimensionEntry struct {
	AttachmentID   int64     `json:"attachment_id"`
	File           string    `json:"file"`
	FilenameWidth  int       `json:"filename_width"`
	FilenameHeight int       `json:"filename_height"`
	ActualWidth    int       `json:"actual_width"`
	ActualHeight   int       `json:"actual_height"`
	LoggedAt       time.Time `json:"logged_at"`
}

// DimensionLog is keyed by attachment id; the latest observation wins.
type DimensionLog struct {
	file jsonFile
	now  func() time.Time
}

// NewDimensionLog opens the log under dir.
func NewDimensionLog(dir string) *DimensionLog {
	return &DimensionLog{file: jsonFile{path: filepath.Join(dir, DimensionsFile)}, now: time.Now}
}

// Record stores e.
func (d *DimensionLog) Record(ctx context.Context, e DimensionEntry) error {
	e.LoggedAt = d.now().UTC()
	return update(ctx, d.file, func(doc *map[string]DimensionEntry) error {
		if *doc == nil {
			*doc = map[string]DimensionEntry{}
		}
		(*doc)[strconv.FormatInt(e.AttachmentID, 10)] = e
		return nil
	})
}

// All returns the entries ordered by attachment id.
func (d *DimensionLog) All(_ context.Context) ([]DimensionEntry, error) {
	doc, err := load[map[string]DimensionEntry](d.file)
	if err != nil {
		return nil, err
	}
	out := make([]DimensionEntry, 0, len(doc))
	for _, e := range doc {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttachmentID < out[j].AttachmentID })
	return out, nil
}

// ResizeEntry is one resize attempt.
type ResizeEntry struct {
	Time         time.Time `json:"time"`
	AttachmentID int64     `json:"attachment_id"`
	Path         string    `json:"path"`
	FromWidth    int       `json:"from_width"`
	FromHeight   int       `json:"from_height"`
	TargetWidth  int       `json:"target_width"`
	TargetHeight int       `json:"target_height"`
	ResultWidth  int       `json:"result_width,omitempty"`
	ResultHeight int       `json:"result_height,omitempty"`
	Outcome      string    `json:"outcome"`
	Message      string    `json:"message,omitempty"`
}

// ResizeDebugLog is an append-only log truncated to the newest
// MaxResizeDebugEntries entries.
type ResizeDebugLog struct {
	file jsonFile
	now  func() time.Time
}

// NewResizeDebugLog opens the log under dir.
func NewResizeDebugLog(dir string) *ResizeDebugLog {
	return &ResizeDebugLog{file: jsonFile{path: filepath.Join(dir, ResizeDebugFile)}, now: time.Now}
}

// Append adds e, dropping the oldest entries past the bound.
func (r *ResizeDebugLog) Append(ctx context.Context, e ResizeEntry) error {
	if e.Time.IsZero() {
		e.Time = r.now().UTC()
	}
	return update(ctx, r.file, func(doc *[]ResizeEntry) error {
		*doc = append(*doc, e)
		if over := len(*doc) - MaxResizeDebugEntries; over > 0 {
			*doc = append([]ResizeEntry(nil), (*doc)[over:]...)
		}
		return nil
	})
}

// All returns the log oldest first.
func (r *ResizeDebugLog) All(_ context.Context) ([]ResizeEntry, error) {
	return load[[]ResizeEntry](r.file)
}
