package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// FindPostsContaining returns posts whose body contains needle.
func (d *Database) FindPostsContaining(ctx context.Context, needle string) ([]TextRow, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("find_posts", start, err) }()

	var rows []TextRow
	rows, err = d.findText(ctx, `SELECT ID, post_content FROM `+d.table("posts")+`
		WHERE post_content LIKE ? ESCAPE '\' ORDER BY ID`, needle)
	return rows, err
}

// UpdatePostContent replaces a post body.
func (d *Database) UpdatePostContent(ctx context.Context, id int64, content string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("update_post", start, err) }()

	err = d.updateOne(ctx, `UPDATE `+d.table("posts")+` SET post_content = ? WHERE ID = ?`, content, id)
	return err
}

// GetPostContent returns a post body.
func (d *Database) GetPostContent(ctx context.Context, id int64) (string, error) {
	return d.getText(ctx, `SELECT post_content FROM `+d.table("posts")+` WHERE ID = ?`, id)
}

// CreatePost inserts a published post.
func (d *Database) CreatePost(ctx context.Context, title, content string) (int64, error) {
	return d.insertReturning(ctx, `INSERT INTO `+d.table("posts")+` (post_type, post_title, post_content)
		VALUES ('post', ?, ?) RETURNING ID`, title, content)
}

// FindCommentsContaining returns comments whose body contains needle.
func (d *Database) FindCommentsContaining(ctx context.Context, needle string) ([]TextRow, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("find_comments", start, err) }()

	var rows []TextRow
	rows, err = d.findText(ctx, `SELECT comment_ID, comment_content FROM `+d.table("comments")+`
		WHERE comment_content LIKE ? ESCAPE '\' ORDER BY comment_ID`, needle)
	return rows, err
}

// UpdateCommentContent replaces a comment body.
func (d *Database) UpdateCommentContent(ctx context.Context, id int64, content string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("update_comment", start, err) }()

	err = d.updateOne(ctx, `UPDATE `+d.table("comments")+` SET comment_content = ? WHERE comment_ID = ?`, content, id)
	return err
}

// GetCommentContent returns a comment body.
func (d *Database) GetCommentContent(ctx context.Context, id int64) (string, error) {
	return d.getText(ctx, `SELECT comment_content FROM `+d.table("comments")+` WHERE comment_ID = ?`, id)
}

// CreateComment inserts a comment on postID.
func (d *Database) CreateComment(ctx context.Context, postID int64, content string) (int64, error) {
	return d.insertReturning(ctx, `INSERT INTO `+d.table("comments")+` (comment_post_ID, comment_content)
		VALUES (?, ?) RETURNING comment_ID`, postID, content)
}

// FindMetaContaining returns rows of a meta table whose value contains any
// of needles.
func (d *Database) FindMetaContaining(ctx context.Context, kind MetaKind, needles []string) ([]MetaRow, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("find_meta", start, err) }()

	if len(needles) == 0 {
		return nil, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	where, args := orLikes("meta_value", needles)
	rows, err := d.db.QueryContext(ctx, d.rebind(`
		SELECT `+kind.IDColumn+`, `+kind.OwnerColumn+`, COALESCE(meta_key, ''), COALESCE(meta_value, '')
		FROM `+d.table(kind.Table)+` WHERE `+where+` ORDER BY `+kind.IDColumn), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MetaRow
	for rows.Next() {
		var r MetaRow
		if err = rows.Scan(&r.MetaID, &r.OwnerID, &r.Key, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	err = rows.Err()
	return out, err
}

// UpdateMetaValue replaces the value of one meta row.
func (d *Database) UpdateMetaValue(ctx context.Context, kind MetaKind, metaID int64, value string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("update_meta", start, err) }()

	err = d.updateOne(ctx, `UPDATE `+d.table(kind.Table)+` SET meta_value = ? WHERE `+kind.IDColumn+` = ?`, value, metaID)
	return err
}

// FindOptionsContaining returns options whose value contains any of needles.
func (d *Database) FindOptionsContaining(ctx context.Context, needles []string) ([]OptionRow, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("find_options", start, err) }()

	if len(needles) == 0 {
		return nil, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	where, args := orLikes("option_value", needles)
	rows, err := d.db.QueryContext(ctx, d.rebind(`
		SELECT option_name, option_value FROM `+d.table("options")+` WHERE `+where+` ORDER BY option_id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OptionRow
	for rows.Next() {
		var r OptionRow
		if err = rows.Scan(&r.Name, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	err = rows.Err()
	return out, err
}

func orLikes(column string, needles []string) (string, []any) {
	parts := make([]string, 0, len(needles))
	args := make([]any, 0, len(needles))
	for _, n := range needles {
		parts = append(parts, column+` LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(n))
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func (d *Database) findText(ctx context.Context, query, needle string) ([]TextRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, d.rebind(query), escapeLike(needle))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TextRow
	for rows.Next() {
		var r TextRow
		if err := rows.Scan(&r.ID, &r.Content); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *Database) getText(ctx context.Context, query string, id int64) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var s string
	err := d.db.QueryRowContext(ctx, d.rebind(query), id).Scan(&s)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("row %d: %w", id, ErrNotFound)
	}
	return s, err
}

func (d *Database) updateOne(ctx context.Context, query string, args ...any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := d.db.ExecContext(ctx, d.rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *Database) insertReturning(ctx context.Context, query string, args ...any) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var id int64
	err := d.db.QueryRowContext(ctx, d.rebind(query), args...).Scan(&id)
	return id, err
}
