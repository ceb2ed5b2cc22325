package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetPostMeta returns the first value stored under key for a post.
func (d *Database) GetPostMeta(ctx context.Context, postID int64, key string) (string, bool, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_meta", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var value sql.NullString
	err = d.db.QueryRowContext(ctx, d.rebind(`
		SELECT meta_value FROM `+d.table("postmeta")+`
		WHERE post_id = ? AND meta_key = ? ORDER BY meta_id LIMIT 1`), postID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value.String, true, nil
}

// SetPostMeta stores value under key, replacing any existing value.
func (d *Database) SetPostMeta(ctx context.Context, postID int64, key, value string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("set_meta", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err = d.setPostMetaTx(ctx, tx, postID, key, value); err != nil {
		_ = tx.Rollback()
		return err
	}
	err = tx.Commit()
	return err
}

func (d *Database) setPostMetaTx(ctx context.Context, tx *sql.Tx, postID int64, key, value string) error {
	res, err := tx.ExecContext(ctx, d.rebind(`
		UPDATE `+d.table("postmeta")+` SET meta_value = ? WHERE post_id = ? AND meta_key = ?`),
		value, postID, key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, d.rebind(`
		INSERT INTO `+d.table("postmeta")+` (post_id, meta_key, meta_value) VALUES (?, ?, ?)`),
		postID, key, value)
	return err
}

// DeletePostMeta removes every value stored under key for a post.
func (d *Database) DeletePostMeta(ctx context.Context, postID int64, key string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("delete_meta", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, d.rebind(`
		DELETE FROM `+d.table("postmeta")+` WHERE post_id = ? AND meta_key = ?`), postID, key)
	return err
}

// AddMeta inserts a row into one of the meta tables.
func (d *Database) AddMeta(ctx context.Context, kind MetaKind, ownerID int64, key, value string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var id int64
	err := d.db.QueryRowContext(ctx, d.rebind(`
		INSERT INTO `+d.table(kind.Table)+` (`+kind.OwnerColumn+`, meta_key, meta_value)
		VALUES (?, ?, ?) RETURNING `+kind.IDColumn), ownerID, key, value).Scan(&id)
	return id, err
}

// GetMeta returns a meta row by its id.
func (d *Database) GetMeta(ctx context.Context, kind MetaKind, metaID int64) (MetaRow, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_meta", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := MetaRow{MetaID: metaID}
	var key, value sql.NullString
	err = d.db.QueryRowContext(ctx, d.rebind(`
		SELECT `+kind.OwnerColumn+`, meta_key, meta_value FROM `+d.table(kind.Table)+`
		WHERE `+kind.IDColumn+` = ?`), metaID).Scan(&row.OwnerID, &key, &value)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return row, ErrNotFound
	}
	row.Key, row.Value = key.String, value.String
	return row, err
}

// GetOption returns a global option.
func (d *Database) GetOption(ctx context.Context, name string) (string, bool, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("get_option", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var value string
	err = d.db.QueryRowContext(ctx, d.rebind(`
		SELECT option_value FROM `+d.table("options")+` WHERE option_name = ?`), name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// UpdateOption creates or replaces a global option.
func (d *Database) UpdateOption(ctx context.Context, name, value string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("update_option", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, d.rebind(`
		INSERT INTO `+d.table("options")+` (option_name, option_value, autoload) VALUES (?, ?, 'no')
		ON CONFLICT(option_name) DO UPDATE SET option_value = excluded.option_value`), name, value)
	return err
}
