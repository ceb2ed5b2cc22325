// Package queue selects the attachments eligible for conversion.
//
// An attachment is eligible when its MIME type is one of the base image
// types minus the configured skip list, its status is not terminal
// (relinked, committed or skipped as animated), it has no error ledger
// entry and its path does not contain a skipped folder name. Candidates are
// read from the host in id order, several times the requested amount at a
// time, and filtered in memory.
package queue

import (
	"context"
	"strings"
	"time"

	"webp-migrator/internal/database"
	"webp-migrator/internal/mediatypes"
	"webp-migrator/internal/metrics"
	"webp-migrator/internal/settings"
	"webp-migrator/internal/state"
)

// SafetyLimit caps Count unless the caller overrides it.
const SafetyLimit = 10000

const (
	overFetchFactor = 10
	minOverFetch    = 100
	countPageSize   = 1000
)

// Store is the host listing capability.
type Store interface {
	ListAttachments(ctx context.Context, q database.AttachmentQuery) ([]database.AttachmentRef, error)
	PostMetaValues(ctx context.Context, ids []int64, key string) (map[int64]string, error)
}

// ErrorIndex exposes the ids present in the error ledger.
type ErrorIndex interface {
	IDSet(ctx context.Context) (map[int64]struct{}, error)
}

// Filter narrows the candidate set.
type Filter struct {
	SkipMimes     []string
	SkipFolders   []string
	ExcludeErrors bool
	// AfterID restricts the scan to ids above it, so a running job never
	// revisits an attachment it already handled.
	AfterID int64
}

// FilterFromSettings builds the filter a batch uses. Files already in the
// target format are only candidates while the bounding box is enabled.
func FilterFromSettings(s settings.Settings) Filter {
	skip := append([]string(nil), s.SkipMimes...)
	if f, ok := mediatypes.ParseFormat(s.TargetFormat); ok && !s.BoundingBox.Enabled {
		skip = append(skip, f.Mime())
	}
	return Filter{SkipMimes: skip, SkipFolders: s.SkipFolders, ExcludeErrors: true}
}

// CountResult reports an eligibility count.
type CountResult struct {
	Count             int   `json:"count"`
	Limited           bool  `json:"limited"`
	OverrideAvailable bool  `json:"override_available"`
	QueryTimeMS       int64 `json:"query_time_ms"`
	SafetyLimit       int   `json:"safety_limit"`
}

// Selector picks eligible attachments.
type Selector struct {
	store  Store
	errors ErrorIndex
}

// NewSelector creates a Selector. errors may be nil.
func NewSelector(store Store, errors ErrorIndex) *Selector {
	return &Selector{store: store, errors: errors}
}

// Select returns at most limit eligible attachments in ascending id order.
func (s *Selector) Select(ctx context.Context, limit int, f Filter) ([]database.AttachmentRef, error) {
	if limit <= 0 {
		return nil, nil
	}
	fetch := max(overFetchFactor*limit, minOverFetch)

	var out []database.AttachmentRef
	err := s.scan(ctx, fetch, f, func(r database.AttachmentRef) bool {
		out = append(out, r)
		return len(out) < limit
	})
	return out, err
}

// Count returns the number of eligible attachments, up to limit (0 means
// no limit). Unless override is set the count stops at SafetyLimit and
// Limited reports the truncation.
func (s *Selector) Count(ctx context.Context, limit int, override bool, f Filter) (CountResult, error) {
	start := time.Now()
	ceiling := limit
	if !override && (ceiling <= 0 || ceiling > SafetyLimit) {
		ceiling = SafetyLimit
	}

	n := 0
	err := s.scan(ctx, countPageSize, f, func(database.AttachmentRef) bool {
		n++
		return ceiling <= 0 || n <= ceiling
	})
	elapsed := time.Since(start)
	metrics.QueueCountDuration.Observe(elapsed.Seconds())
	if err != nil {
		return CountResult{}, err
	}

	res := CountResult{Count: n, QueryTimeMS: elapsed.Milliseconds(), SafetyLimit: SafetyLimit}
	if ceiling > 0 && n > ceiling {
		res.Count = ceiling
		res.Limited = true
		res.OverrideAvailable = !override && ceiling == SafetyLimit
	}
	return res, nil
}

// scan pages through candidates and calls yield for each eligible one
// until yield returns false or the candidates run out.
func (s *Selector) scan(ctx context.Context, pageSize int, f Filter, yield func(database.AttachmentRef) bool) error {
	mimes := allowedMimes(f.SkipMimes)
	if len(mimes) == 0 {
		return nil
	}

	var failed map[int64]struct{}
	if f.ExcludeErrors && s.errors != nil {
		var err error
		if failed, err = s.errors.IDSet(ctx); err != nil {
			return err
		}
	}
	folders := lowerAll(f.SkipFolders)

	after := f.AfterID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.store.ListAttachments(ctx, database.AttachmentQuery{Mimes: mimes, AfterID: after, Limit: pageSize})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		after = page[len(page)-1].ID

		ids := make([]int64, len(page))
		for i, r := range page {
			ids[i] = r.ID
		}
		statuses, err := s.store.PostMetaValues(ctx, ids, state.KeyStatus)
		if err != nil {
			return err
		}
		committed, err := s.store.PostMetaValues(ctx, ids, state.KeyCommittedAt)
		if err != nil {
			return err
		}

		for _, r := range page {
			if _, ok := committed[r.ID]; ok {
				continue
			}
			if state.Status(statuses[r.ID]).Terminal() {
				continue
			}
			if _, ok := failed[r.ID]; ok {
				continue
			}
			if inSkippedFolder(r.RelativePath, folders) {
				continue
			}
			if !yield(r) {
				return nil
			}
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// allowedMimes is the base MIME set minus skip.
func allowedMimes(skip []string) []string {
	skipped := make(map[string]bool, len(skip))
	for _, m := range skip {
		skipped[strings.ToLower(strings.TrimSpace(m))] = true
	}
	var out []string
	for _, m := range mediatypes.BaseMimes() {
		if !skipped[m] {
			out = append(out, m)
		}
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// inSkippedFolder matches folder names case-insensitively anywhere in the
// upload-relative path.
func inSkippedFolder(rel string, folders []string) bool {
	rel = strings.ToLower(rel)
	for _, f := range folders {
		if strings.Contains(rel, f) {
			return true
		}
	}
	return false
}
