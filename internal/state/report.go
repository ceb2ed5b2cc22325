package state

import (
	"fmt"
	"time"

	"webp-migrator/internal/urlmap"
)

// MetaRef identifies one key/value meta row.
type MetaRef struct {
	Kind    string `json:"kind"`
	OwnerID int64  `json:"owner_id"`
	Key     string `json:"key"`
}

// CustomRef identifies one cell in a discovered custom table.
type CustomRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	RowKey string `json:"row_key"`
}

// Manifest lists every row the reference rewriter changed.
type Manifest struct {
	Posts    []int64     `json:"touched_posts"`
	Meta     []MetaRef   `json:"touched_meta_rows"`
	Options  []string    `json:"touched_options"`
	Comments []int64     `json:"touched_comments"`
	Custom   []CustomRef `json:"touched_custom_rows"`
}

// Merge appends other's rows.
func (m *Manifest) Merge(other Manifest) {
	m.Posts = append(m.Posts, other.Posts...)
	m.Meta = append(m.Meta, other.Meta...)
	m.Options = append(m.Options, other.Options...)
	m.Comments = append(m.Comments, other.Comments...)
	m.Custom = append(m.Custom, other.Custom...)
}

// Total is the number of touched rows.
func (m Manifest) Total() int {
	return len(m.Posts) + len(m.Meta) + len(m.Options) + len(m.Comments) + len(m.Custom)
}

// Counts summarizes the manifest per surface, for logs and ledger context.
func (m Manifest) Counts() map[string]int {
	return map[string]int{
		"posts":    len(m.Posts),
		"meta":     len(m.Meta),
		"options":  len(m.Options),
		"comments": len(m.Comments),
		"custom":   len(m.Custom),
	}
}

// OriginalRecord is the attachment record as it was before conversion.
type OriginalRecord struct {
	RelativePath string `json:"relative_path"`
	MimeType     string `json:"mime_type"`
	GUID         string `json:"guid"`
	Metadata     string `json:"metadata"`
}

// Report is stored with every relinked attachment. URLMap is authoritative:
// rollback applies its inverse.
type Report struct {
	Timestamp time.Time   `json:"timestamp"`
	MapSize   int         `json:"map_size"`
	URLMap    *urlmap.Map `json:"url_map"`
	Manifest
	Files    []string        `json:"converted_files,omitempty"`
	Original *OriginalRecord `json:"original,omitempty"`
}

// NewReport builds a report for a successful relink.
func NewReport(m *urlmap.Map, manifest Manifest, files []string, original *OriginalRecord, now time.Time) *Report {
	return &Report{
		Timestamp: now.UTC(),
		MapSize:   m.Len(),
		URLMap:    m,
		Manifest:  manifest,
		Files:     files,
		Original:  original,
	}
}

// Validate checks what rollback depends on.
func (r *Report) Validate() error {
	if r == nil {
		return fmt.Errorf("missing report")
	}
	if r.URLMap.Len() == 0 {
		return fmt.Errorf("report has an empty url_map")
	}
	return nil
}
