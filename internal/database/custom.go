package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ListCustomTables returns every table that is not one of the host's core
// tables, sorted by name.
func (d *Database) ListCustomTables(ctx context.Context) ([]string, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("list_tables", start, err) }()

	var tables []string
	tables, err = d.listTables(ctx)
	if err != nil {
		return nil, err
	}
	core := make(map[string]bool, len(coreTables))
	for _, t := range coreTables {
		core[d.prefix+t] = true
	}
	out := tables[:0]
	for _, t := range tables {
		if !core[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

func (d *Database) listTables(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var query string
	switch d.backend {
	case BackendPostgres:
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`
	default:
		query = `SELECT name FROM sqlite_master
			WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	}
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// DescribeColumns returns the columns of table with their declared types.
func (d *Database) DescribeColumns(ctx context.Context, table string) ([]Column, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("describe_columns", start, err) }()

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var rows *sql.Rows
	switch d.backend {
	case BackendPostgres:
		rows, err = d.db.QueryContext(ctx, `SELECT column_name, data_type FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 ORDER BY ordinal_position`, table)
	default:
		rows, err = d.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?)`, table)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var c Column
		if err = rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	err = rows.Err()
	return out, err
}

// IsTextual reports whether a column type can hold URLs: any text, char,
// clob or JSON type.
func (c Column) IsTextual() bool {
	t := strings.ToLower(c.Type)
	for _, s := range []string{"text", "char", "clob", "json"} {
		if strings.Contains(t, s) {
			return true
		}
	}
	return false
}

// FindCustomRows returns up to limit rows of table whose column contains
// any of needles, keyed by idColumn.
func (d *Database) FindCustomRows(ctx context.Context, table, idColumn, column string, needles []string, limit int) ([]CustomRow, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery("find_custom", start, err) }()

	if len(needles) == 0 {
		return nil, nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	col := "CAST(" + quoteIdent(column) + " AS TEXT)"
	where, args := orLikes(col, needles)
	args = append(args, limit)
	rows, err := d.db.QueryContext(ctx, d.rebind(fmt.Sprintf(
		`SELECT CAST(%s AS TEXT), %s FROM %s WHERE %s ORDER BY %s LIMIT ?`,
		quoteIdent(idColumn), col, quoteIdent(table), where, quoteIdent(idColumn))), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CustomRow
	for rows.Next() {
		var (
			key   sql.NullString
			value sql.NullString
		)
		if err = rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		if !key.Valid {
			continue
		}
		out = append(out, CustomRow{Key: key.String, Value: value.String})
	}
	err = rows.Err()
	return out, err
}

// GetCustomValue reads one cell of a custom table.
func (d *Database) GetCustomValue(ctx context.Context, table, idColumn, column, key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var v sql.NullString
	err := d.db.QueryRowContext(ctx, d.rebind(fmt.Sprintf(
		`SELECT CAST(%s AS TEXT) FROM %s WHERE CAST(%s AS TEXT) = ?`,
		quoteIdent(column), quoteIdent(table), quoteIdent(idColumn))), key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v.String, err
}

// UpdateCustomValue replaces one cell of a custom table.
func (d *Database) UpdateCustomValue(ctx context.Context, table, idColumn, column, key, value string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("update_custom", start, err) }()

	err = d.updateOne(ctx, fmt.Sprintf(`UPDATE %s SET %s = ? WHERE CAST(%s AS TEXT) = ?`,
		quoteIdent(table), quoteIdent(column), quoteIdent(idColumn)), value, key)
	return err
}
