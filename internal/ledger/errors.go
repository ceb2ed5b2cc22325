package ledger

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"webp-migrator/internal/state"
)

// ErrorsFile is the error ledger file name under the uploads root.
const ErrorsFile = "webp-migrator-conversion-errors.json"

// Entry is one attachment's current failure.
type Entry struct {
	AttachmentID   int64          `json:"attachment_id"`
	Filename       string         `json:"filename"`
	Mime           string         `json:"mime"`
	Step           state.Step     `json:"step"`
	Message        string         `json:"last_error_message"`
	FirstTS        time.Time      `json:"first_ts"`
	LastTS         time.Time      `json:"last_ts"`
	Count          int            `json:"occurrence_count"`
	TargetFormat   string         `json:"target_format"`
	Quality        int            `json:"quality"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
}

// Failure is the input to Log.
type Failure struct {
	AttachmentID int64
	Filename     string
	Mime         string
	Step         state.Step
	Message      string
	TargetFormat string
	Quality      int
	Extra        map[string]any
}

// Stats summarizes the ledger.
type Stats struct {
	Total       int                `json:"total"`
	Occurrences int                `json:"occurrences"`
	ByStep      map[state.Step]int `json:"by_step"`
	Repeated    int                `json:"repeated"`
}

type entries map[string]*Entry

// ErrorLedger is the persistent per-attachment error store.
type ErrorLedger struct {
	file jsonFile
	now  func() time.Time
}

// NewErrorLedger opens the ledger under dir.
func NewErrorLedger(dir string) *ErrorLedger {
	return &ErrorLedger{
		file: jsonFile{path: filepath.Join(dir, ErrorsFile)},
		now:  time.Now,
	}
}

// Path returns the ledger file path.
func (l *ErrorLedger) Path() string {
	return l.file.path
}

// Log upserts the failure for f.AttachmentID. The first record sets
// FirstTS and Count=1; later records bump Count and refresh the rest.
// first reports whether this created the entry.
func (l *ErrorLedger) Log(ctx context.Context, f Failure) (entry Entry, first bool, err error) {
	now := l.now().UTC()
	key := strconv.FormatInt(f.AttachmentID, 10)
	err = update(ctx, l.file, func(doc *entries) error {
		if *doc == nil {
			*doc = entries{}
		}
		e, ok := (*doc)[key]
		if !ok {
			e = &Entry{AttachmentID: f.AttachmentID, FirstTS: now}
			(*doc)[key] = e
			first = true
		}
		e.Filename = f.Filename
		e.Mime = f.Mime
		e.Step = f.Step
		e.Message = f.Message
		e.LastTS = now
		e.Count++
		e.TargetFormat = f.TargetFormat
		e.Quality = f.Quality
		e.AdditionalData = f.Extra
		entry = *e
		return nil
	})
	return entry, first, err
}

// Remove drops the entry for id and reports whether it existed.
func (l *ErrorLedger) Remove(ctx context.Context, id int64) (bool, error) {
	removed := false
	key := strconv.FormatInt(id, 10)
	err := update(ctx, l.file, func(doc *entries) error {
		if _, ok := (*doc)[key]; ok {
			delete(*doc, key)
			removed = true
		}
		return nil
	})
	return removed, err
}

// Clear removes every entry and returns how many there were.
func (l *ErrorLedger) Clear(ctx context.Context) (int, error) {
	n := 0
	err := update(ctx, l.file, func(doc *entries) error {
		n = len(*doc)
		*doc = entries{}
		return nil
	})
	return n, err
}

// Get returns the entry for id.
func (l *ErrorLedger) Get(_ context.Context, id int64) (Entry, bool, error) {
	doc, err := load[entries](l.file)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := doc[strconv.FormatInt(id, 10)]
	if !ok {
		return Entry{}, false, nil
	}
	return *e, true, nil
}

// All returns every entry ordered by attachment id.
func (l *ErrorLedger) All(_ context.Context) ([]Entry, error) {
	doc, err := load[entries](l.file)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(doc))
	for _, e := range doc {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttachmentID < out[j].AttachmentID })
	return out, nil
}

// AllIDs returns the ids present in the ledger, ascending.
func (l *ErrorLedger) AllIDs(ctx context.Context) ([]int64, error) {
	all, err := l.All(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(all))
	for i, e := range all {
		ids[i] = e.AttachmentID
	}
	return ids, nil
}

// IDSet returns the ledger ids as a set for exclusion checks.
func (l *ErrorLedger) IDSet(ctx context.Context) (map[int64]struct{}, error) {
	ids, err := l.AllIDs(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// Stats counts entries per step. Total counts distinct attachments, so a
// repeated failure is only counted once.
func (l *ErrorLedger) Stats(ctx context.Context) (Stats, error) {
	all, err := l.All(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ByStep: map[state.Step]int{}}
	for _, e := range all {
		st.Total++
		st.Occurrences += e.Count
		st.ByStep[e.Step]++
		if e.Count > 1 {
			st.Repeated++
		}
	}
	return st, nil
}
