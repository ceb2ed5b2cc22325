package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GetAttachment loads an attachment with its file path and size metadata.
func (d *Database) GetAttachment(ctx context.Context, id int64) (*Attachment, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_attachment", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := d.rebind(`
	SELECT p.ID, p.post_mime_type, p.post_title, p.guid,
		COALESCE((SELECT meta_value FROM ` + d.table("postmeta") + ` WHERE post_id = p.ID AND meta_key = ? ORDER BY meta_id LIMIT 1), ''),
		COALESCE((SELECT meta_value FROM ` + d.table("postmeta") + ` WHERE post_id = p.ID AND meta_key = ? ORDER BY meta_id LIMIT 1), '')
	FROM ` + d.table("posts") + ` p
	WHERE p.ID = ? AND p.post_type = 'attachment'
	`)

	a := &Attachment{}
	err = d.db.QueryRowContext(ctx, query, KeyAttachedFile, KeyAttachmentMetadata, id).Scan(
		&a.ID, &a.MimeType, &a.Title, &a.GUID, &a.RelativePath, &a.RawMetadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return nil, fmt.Errorf("attachment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	a.Metadata, err = ParseAttachmentMetadata(a.RawMetadata)
	if err != nil {
		return nil, fmt.Errorf("attachment %d: %w", id, err)
	}
	return a, nil
}

// UpdateAttachment writes the record fields the migration changes: mime,
// guid, attached file and size metadata. It fails unless exactly one row
// was updated.
func (d *Database) UpdateAttachment(ctx context.Context, a *Attachment) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("update_attachment", start, err) }()

	raw := a.RawMetadata
	if a.Metadata != nil {
		if raw, err = a.Metadata.Encode(); err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, d.rebind(`
		UPDATE `+d.table("posts")+` SET post_mime_type = ?, guid = ?
		WHERE ID = ? AND post_type = 'attachment'`),
		a.MimeType, a.GUID, a.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		err = fmt.Errorf("attachment %d: %w", a.ID, ErrNotFound)
		return err
	}

	if err = d.setPostMetaTx(ctx, tx, a.ID, KeyAttachedFile, a.RelativePath); err != nil {
		return err
	}
	if err = d.setPostMetaTx(ctx, tx, a.ID, KeyAttachmentMetadata, raw); err != nil {
		return err
	}
	err = tx.Commit()
	if err == nil {
		a.RawMetadata = raw
	}
	return err
}

// ListAttachments returns attachments with one of q.Mimes and an id above
// q.AfterID, in ascending id order.
func (d *Database) ListAttachments(ctx context.Context, q AttachmentQuery) ([]AttachmentRef, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_attachments", start, err) }()

	if len(q.Mimes) == 0 {
		return nil, nil
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	query := d.rebind(`
	SELECT p.ID, p.post_mime_type, p.post_title,
		COALESCE((SELECT meta_value FROM ` + d.table("postmeta") + ` WHERE post_id = p.ID AND meta_key = ? ORDER BY meta_id LIMIT 1), '')
	FROM ` + d.table("posts") + ` p
	WHERE p.post_type = 'attachment' AND p.ID > ? AND p.post_mime_type IN (` + placeholders(len(q.Mimes)) + `)
	ORDER BY p.ID ASC
	LIMIT ?`)

	args := []any{KeyAttachedFile, q.AfterID}
	for _, m := range q.Mimes {
		args = append(args, m)
	}
	args = append(args, q.Limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttachmentRef
	for rows.Next() {
		var r AttachmentRef
		if err = rows.Scan(&r.ID, &r.MimeType, &r.Title, &r.RelativePath); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	err = rows.Err()
	return out, err
}

// StatusCounts returns how many attachments carry each value of statusKey,
// plus the number carrying committedKey under the "committed" label.
func (d *Database) StatusCounts(ctx context.Context, statusKey, committedKey string) (map[string]int, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("status_counts", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, d.rebind(`
		SELECT meta_value, COUNT(DISTINCT post_id) FROM `+d.table("postmeta")+`
		WHERE meta_key = ? GROUP BY meta_value`), statusKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			value string
			n     int
		)
		if err = rows.Scan(&value, &n); err != nil {
			return nil, err
		}
		counts[value] += n
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	var committed int
	err = d.db.QueryRowContext(ctx, d.rebind(`
		SELECT COUNT(DISTINCT post_id) FROM `+d.table("postmeta")+` WHERE meta_key = ?`), committedKey).Scan(&committed)
	if err != nil {
		return nil, err
	}
	if committed > 0 {
		counts["committed"] += committed
	}
	return counts, nil
}

// CreateAttachment registers a new attachment, as the host does on upload.
func (d *Database) CreateAttachment(ctx context.Context, a *Attachment) (int64, error) {
	raw := a.RawMetadata
	if a.Metadata != nil {
		var err error
		if raw, err = a.Metadata.Encode(); err != nil {
			return 0, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var id int64
	if a.ID > 0 {
		err = tx.QueryRowContext(ctx, d.rebind(`
			INSERT INTO `+d.table("posts")+` (ID, post_type, post_status, post_mime_type, post_title, guid)
			VALUES (?, 'attachment', 'inherit', ?, ?, ?) RETURNING ID`),
			a.ID, a.MimeType, a.Title, a.GUID).Scan(&id)
	} else {
		err = tx.QueryRowContext(ctx, d.rebind(`
			INSERT INTO `+d.table("posts")+` (post_type, post_status, post_mime_type, post_title, guid)
			VALUES ('attachment', 'inherit', ?, ?, ?) RETURNING ID`),
			a.MimeType, a.Title, a.GUID).Scan(&id)
	}
	if err != nil {
		return 0, err
	}
	if err = d.setPostMetaTx(ctx, tx, id, KeyAttachedFile, a.RelativePath); err != nil {
		return 0, err
	}
	if err = d.setPostMetaTx(ctx, tx, id, KeyAttachmentMetadata, raw); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	a.ID = id
	a.RawMetadata = raw
	return id, nil
}

// AttachmentsWithMeta lists attachments that carry key with value, in id
// order.
func (d *Database) AttachmentsWithMeta(ctx context.Context, key, value string) ([]AttachmentRef, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_attachments", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, d.rebind(`
	SELECT p.ID, p.post_mime_type, p.post_title,
		COALESCE((SELECT meta_value FROM `+d.table("postmeta")+` WHERE post_id = p.ID AND meta_key = ? ORDER BY meta_id LIMIT 1), '')
	FROM `+d.table("posts")+` p
	WHERE p.post_type = 'attachment'
		AND EXISTS (SELECT 1 FROM `+d.table("postmeta")+` m WHERE m.post_id = p.ID AND m.meta_key = ? AND m.meta_value = ?)
	ORDER BY p.ID`), KeyAttachedFile, key, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttachmentRef
	for rows.Next() {
		var a AttachmentRef
		if err = rows.Scan(&a.ID, &a.MimeType, &a.Title, &a.RelativePath); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	err = rows.Err()
	return out, err
}

// PostMetaValues returns the value of key for each of ids that has one.
func (d *Database) PostMetaValues(ctx context.Context, ids []int64, key string) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	start := time.Now()
	var err error
	defer func() { recordQuery("get_meta", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	args := make([]any, 0, len(ids)+1)
	args = append(args, key)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := d.db.QueryContext(ctx, d.rebind(`
		SELECT post_id, meta_value FROM `+d.table("postmeta")+`
		WHERE meta_key = ? AND post_id IN (`+placeholders(len(ids))+`)
		ORDER BY meta_id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    int64
			value string
		)
		if err = rows.Scan(&id, &value); err != nil {
			return nil, err
		}
		if _, seen := out[id]; !seen {
			out[id] = value
		}
	}
	err = rows.Err()
	return out, err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
