package rewrite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"webp-migrator/internal/database"
	"webp-migrator/internal/logging"
	"webp-migrator/internal/metrics"
	"webp-migrator/internal/serial"
	"webp-migrator/internal/state"
	"webp-migrator/internal/urlmap"
)

// Scan budgets. Custom-table discovery is a best-effort safety net: at most
// MaxCustomTables tables are visited, each probed with MaxCustomProbes map
// keys and at most MaxCustomRows rows per column.
const (
	MetaProbeKeys   = 10
	MaxCustomTables = 10
	MaxCustomProbes = 5
	MaxCustomRows   = 100
)

// Surface labels.
const (
	SurfacePosts    = "posts"
	SurfaceComments = "comments"
	SurfaceOptions  = "options"
	SurfaceCustom   = "custom"
)

// Store is the host content the rewriter scans and updates. Updates go
// through the host's primitives for each kind of row.
type Store interface {
	FindPostsContaining(ctx context.Context, needle string) ([]database.TextRow, error)
	UpdatePostContent(ctx context.Context, id int64, content string) error
	FindCommentsContaining(ctx context.Context, needle string) ([]database.TextRow, error)
	UpdateCommentContent(ctx context.Context, id int64, content string) error
	FindMetaContaining(ctx context.Context, kind database.MetaKind, needles []string) ([]database.MetaRow, error)
	UpdateMetaValue(ctx context.Context, kind database.MetaKind, metaID int64, value string) error
	FindOptionsContaining(ctx context.Context, needles []string) ([]database.OptionRow, error)
	UpdateOption(ctx context.Context, name, value string) error
	ListCustomTables(ctx context.Context) ([]string, error)
	DescribeColumns(ctx context.Context, table string) ([]database.Column, error)
	FindCustomRows(ctx context.Context, table, idColumn, column string, needles []string, limit int) ([]database.CustomRow, error)
	UpdateCustomValue(ctx context.Context, table, idColumn, column, key, value string) error
}

// SurfaceError reports which surface failed. The manifest returned with it
// lists the rows already changed.
type SurfaceError struct {
	Surface string
	Err     error
}

func (e *SurfaceError) Error() string {
	return fmt.Sprintf("rewrite %s: %v", e.Surface, e.Err)
}

func (e *SurfaceError) Unwrap() error {
	return e.Err
}

// Scope identifies the attachment whose references are being rewritten.
type Scope struct {
	AttachmentID int64
}

type surfaceStep struct {
	surface string
	run     func() error
}

// Rewriter applies a URL map across every host surface.
type Rewriter struct {
	store Store
}

// New creates a rewriter over store.
func New(store Store) *Rewriter {
	return &Rewriter{store: store}
}

// Apply substitutes every pair of m in post bodies, comment bodies, the
// meta tables, options and discovered custom tables. It stops at the first
// failing surface; the returned manifest always lists what was changed.
func (r *Rewriter) Apply(ctx context.Context, m *urlmap.Map, scope Scope) (state.Manifest, error) {
	var manifest state.Manifest
	if m == nil || m.Len() == 0 {
		return manifest, nil
	}
	pairs := m.Pairs()
	keys := m.Keys()

	steps := []surfaceStep{
		{SurfacePosts, func() error { return r.rewritePosts(ctx, keys, pairs, &manifest) }},
		{SurfaceComments, func() error { return r.rewriteComments(ctx, keys, pairs, &manifest) }},
	}
	for _, kind := range database.MetaKinds() {
		steps = append(steps, surfaceStep{kind.Surface(), func() error {
			return r.rewriteMeta(ctx, kind, keys, pairs, &manifest)
		}})
	}
	steps = append(steps,
		surfaceStep{SurfaceOptions, func() error { return r.rewriteOptions(ctx, keys, pairs, &manifest) }},
		surfaceStep{SurfaceCustom, func() error { return r.rewriteCustom(ctx, keys, pairs, &manifest) }},
	)

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return manifest, &SurfaceError{Surface: step.surface, Err: err}
		}
		if err := step.run(); err != nil {
			logging.Warn("Reference rewrite for attachment %d failed on %s: %v", scope.AttachmentID, step.surface, err)
			return manifest, &SurfaceError{Surface: step.surface, Err: err}
		}
	}

	logging.Debug("Rewrote references: %v", manifest.Counts())
	return manifest, nil
}

func (r *Rewriter) rewritePosts(ctx context.Context, keys []string, pairs []serial.Pair, manifest *state.Manifest) error {
	seen := map[int64]bool{}
	for _, key := range keys {
		rows, err := r.store.FindPostsContaining(ctx, key)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if seen[row.ID] {
				continue
			}
			seen[row.ID] = true
			updated, changed := serial.ReplaceString(row.Content, pairs)
			if !changed {
				continue
			}
			if err := r.store.UpdatePostContent(ctx, row.ID, updated); err != nil {
				return fmt.Errorf("post %d: %w", row.ID, err)
			}
			manifest.Posts = append(manifest.Posts, row.ID)
			metrics.RewrittenRowsTotal.WithLabelValues(SurfacePosts).Inc()
		}
	}
	return nil
}

func (r *Rewriter) rewriteComments(ctx context.Context, keys []string, pairs []serial.Pair, manifest *state.Manifest) error {
	seen := map[int64]bool{}
	for _, key := range keys {
		rows, err := r.store.FindCommentsContaining(ctx, key)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if seen[row.ID] {
				continue
			}
			seen[row.ID] = true
			updated, changed := serial.ReplaceString(row.Content, pairs)
			if !changed {
				continue
			}
			if err := r.store.UpdateCommentContent(ctx, row.ID, updated); err != nil {
				return fmt.Errorf("comment %d: %w", row.ID, err)
			}
			manifest.Comments = append(manifest.Comments, row.ID)
			metrics.RewrittenRowsTotal.WithLabelValues(SurfaceComments).Inc()
		}
	}
	return nil
}

// skipMeta excludes plugin bookkeeping and attachment record rows. Record
// rows describe their owner's files; the converted attachment's own rows
// are written by the pipeline and no other attachment's rows may change.
func skipMeta(kind database.MetaKind, row database.MetaRow) bool {
	if strings.HasPrefix(row.Key, "_webp_migrator_") {
		return true
	}
	return kind == database.PostMeta &&
		(row.Key == database.KeyAttachedFile || row.Key == database.KeyAttachmentMetadata)
}

func (r *Rewriter) rewriteMeta(ctx context.Context, kind database.MetaKind, keys []string, pairs []serial.Pair, manifest *state.Manifest) error {
	rows, err := r.store.FindMetaContaining(ctx, kind, probe(keys, MetaProbeKeys))
	if err != nil {
		return err
	}
	for _, row := range rows {
		if skipMeta(kind, row) {
			continue
		}
		updated, changed, err := ReplaceValue(row.Value, pairs)
		if err != nil {
			logging.Warn("Skipping %s row %d (%s): %v", kind.Table, row.MetaID, row.Key, err)
			continue
		}
		if !changed {
			continue
		}
		if err := r.store.UpdateMetaValue(ctx, kind, row.MetaID, updated); err != nil {
			return fmt.Errorf("%s %d: %w", kind.Table, row.MetaID, err)
		}
		manifest.Meta = append(manifest.Meta, state.MetaRef{Kind: kind.Name, OwnerID: row.OwnerID, Key: row.Key})
		metrics.RewrittenRowsTotal.WithLabelValues(kind.Surface()).Inc()
	}
	return nil
}

func (r *Rewriter) rewriteOptions(ctx context.Context, keys []string, pairs []serial.Pair, manifest *state.Manifest) error {
	rows, err := r.store.FindOptionsContaining(ctx, probe(keys, MetaProbeKeys))
	if err != nil {
		return err
	}
	for _, row := range rows {
		if strings.HasPrefix(row.Name, "webp_migrator_") {
			continue
		}
		updated, changed, err := ReplaceValue(row.Value, pairs)
		if err != nil {
			logging.Warn("Skipping option %s: %v", row.Name, err)
			continue
		}
		if !changed {
			continue
		}
		if err := r.store.UpdateOption(ctx, row.Name, updated); err != nil {
			return fmt.Errorf("option %s: %w", row.Name, err)
		}
		manifest.Options = append(manifest.Options, row.Name)
		metrics.RewrittenRowsTotal.WithLabelValues(SurfaceOptions).Inc()
	}
	return nil
}

func (r *Rewriter) rewriteCustom(ctx context.Context, keys []string, pairs []serial.Pair, manifest *state.Manifest) error {
	tables, err := r.store.ListCustomTables(ctx)
	if err != nil {
		return err
	}
	if len(tables) > MaxCustomTables {
		logging.Debug("Custom table scan limited to %d of %d tables", MaxCustomTables, len(tables))
		tables = tables[:MaxCustomTables]
	}
	needles := probe(keys, MaxCustomProbes)

	for _, table := range tables {
		cols, err := r.store.DescribeColumns(ctx, table)
		if err != nil {
			return fmt.Errorf("describe %s: %w", table, err)
		}
		idCol := identityColumn(cols)
		if idCol == "" {
			logging.Debug("Custom table %s has no id column, skipping", table)
			continue
		}
		for _, col := range cols {
			if col.Name == idCol || !col.IsTextual() {
				continue
			}
			rows, err := r.store.FindCustomRows(ctx, table, idCol, col.Name, needles, MaxCustomRows)
			if err != nil {
				return fmt.Errorf("scan %s.%s: %w", table, col.Name, err)
			}
			for _, row := range rows {
				updated, changed, err := ReplaceValue(row.Value, pairs)
				if err != nil {
					logging.Warn("Skipping %s.%s row %s: %v", table, col.Name, row.Key, err)
					continue
				}
				if !changed {
					continue
				}
				if err := r.store.UpdateCustomValue(ctx, table, idCol, col.Name, row.Key, updated); err != nil {
					return fmt.Errorf("%s.%s row %s: %w", table, col.Name, row.Key, err)
				}
				manifest.Custom = append(manifest.Custom, state.CustomRef{Table: table, Column: col.Name, RowKey: row.Key})
				metrics.RewrittenRowsTotal.WithLabelValues(SurfaceCustom).Inc()
			}
		}
	}
	return nil
}

// identityColumn finds the row key: "id", then "ID".
func identityColumn(cols []database.Column) string {
	for _, want := range []string{"id", "ID"} {
		for _, c := range cols {
			if c.Name == want {
				return c.Name
			}
		}
	}
	return ""
}

func probe(keys []string, n int) []string {
	if len(keys) > n {
		return keys[:n]
	}
	return keys
}

// ErrUndecodable is returned for serialised values that cannot be parsed;
// rewriting them as plain text would corrupt their length prefixes.
var ErrUndecodable = errors.New("undecodable serialised value")

// ReplaceValue rewrites a stored value. JSON documents and PHP-serialised
// values are decoded, walked and re-encoded; anything else is plain text.
// changed is true only when the stored form differs.
func ReplaceValue(raw string, pairs []serial.Pair) (string, bool, error) {
	switch {
	case serial.IsPHPSerialized(raw):
		v, err := serial.DecodePHP(raw)
		if err != nil {
			return raw, false, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		v, changed := serial.Replace(v, pairs)
		if !changed {
			return raw, false, nil
		}
		out, err := serial.EncodePHP(v)
		if err != nil {
			return raw, false, err
		}
		return out, out != raw, nil

	case serial.LooksLikeJSON(raw):
		v, style, err := serial.DecodeJSON(raw)
		if err != nil {
			break
		}
		v, changed := serial.Replace(v, pairs)
		if !changed {
			return raw, false, nil
		}
		out, err := serial.EncodeJSON(v, style)
		if err != nil {
			return raw, false, err
		}
		return out, out != raw, nil
	}

	out, changed := serial.ReplaceString(raw, pairs)
	return out, changed, nil
}
