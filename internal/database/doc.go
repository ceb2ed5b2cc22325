// Package database is the host content store the migration reads and
// rewrites: attachment records and their size metadata, the post, user,
// term and comment meta tables, global options, long-form content, and any
// custom tables the reference rewriter discovers.
//
// The schema is WordPress-shaped with a configurable table prefix. SQLite
// (mattn/go-sqlite3) creates the schema on open; PostgreSQL (pgx) expects
// it to exist, and queries written with ? placeholders are rebound to $n.
package database
