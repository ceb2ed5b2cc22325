package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"webp-migrator/internal/logging"
	"webp-migrator/internal/metrics"
)

// Default timeout for database operations
const defaultTimeout = 5 * time.Second

// scanTimeout bounds the LIKE scans of the reference rewriter.
const scanTimeout = 60 * time.Second

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotReady is returned when the host tables are missing.
	ErrNotReady = errors.New("host database not ready")
)

// Backend selects the SQL dialect.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// ParseBackend accepts the usual spellings of the supported backends.
func ParseBackend(raw string) (Backend, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	switch raw {
	case "", "sqlite", "sqlite3":
		return BackendSQLite, nil
	case "postgres", "postgresql", "pg":
		return BackendPostgres, nil
	default:
		return "", fmt.Errorf("unsupported db backend %q (expected sqlite or postgres)", raw)
	}
}

// Config describes how to reach the host database.
type Config struct {
	Backend     Backend
	Path        string // sqlite database file
	URL         string // postgres connection string
	TablePrefix string
}

// Database is the host content store: attachments, meta tables, options,
// comments and any custom tables.
type Database struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	backend Backend
	prefix  string
	dbPath  string
	mu      sync.RWMutex
}

// New opens the host database. For SQLite the schema is created when
// missing; a Postgres host must already have its tables.
func New(ctx context.Context, cfg Config) (*Database, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendSQLite
	}
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = "wp_"
	}

	d := &Database{backend: backend, prefix: prefix, dbPath: cfg.Path}

	switch backend {
	case BackendSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("sqlite path is required")
		}
		if err := d.openSQLite(ctx, cfg.Path); err != nil {
			return nil, err
		}
	case BackendPostgres:
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("DATABASE_URL is required when DB_BACKEND=postgres")
		}
		if err := d.openPostgres(ctx, cfg.URL); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported db backend %q", backend)
	}

	logging.Info("Database initialized successfully (%s, prefix %q)", backend, prefix)
	return d, nil
}

func (d *Database) openSQLite(ctx context.Context, dbPath string) error {
	logging.Info("Database path: %s", dbPath)

	if err := diagnoseDatabasePermissions(dbPath); err != nil {
		logging.Warn("Database permission diagnostics: %v", err)
	}

	// busy_timeout helps prevent "database is locked" errors
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after ping failure: %v", closeErr)
		}
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	d.db = db

	if err := d.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after initialization failure: %v", closeErr)
		}
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return nil
}

func (d *Database) openPostgres(ctx context.Context, url string) error {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	d.pool = pool
	d.db = stdlib.OpenDBFromPool(pool)
	return nil
}

// coreTables are the host's own tables; they are never treated as custom.
var coreTables = []string{
	"posts", "postmeta", "users", "usermeta", "terms", "termmeta",
	"term_taxonomy", "term_relationships", "comments", "commentmeta",
	"options", "links",
}

func (d *Database) initialize(ctx context.Context) error {
	p := d.prefix
	schema := `
	CREATE TABLE IF NOT EXISTS ` + p + `posts (
		ID INTEGER PRIMARY KEY AUTOINCREMENT,
		post_type TEXT NOT NULL DEFAULT 'post',
		post_status TEXT NOT NULL DEFAULT 'publish',
		post_mime_type TEXT NOT NULL DEFAULT '',
		post_title TEXT NOT NULL DEFAULT '',
		post_content TEXT NOT NULL DEFAULT '',
		guid TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_` + p + `posts_type_mime ON ` + p + `posts(post_type, post_mime_type);

	CREATE TABLE IF NOT EXISTS ` + p + `postmeta (
		meta_id INTEGER PRIMARY KEY AUTOINCREMENT,
		post_id INTEGER NOT NULL DEFAULT 0,
		meta_key TEXT,
		meta_value TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_` + p + `postmeta_post_key ON ` + p + `postmeta(post_id, meta_key);
	CREATE INDEX IF NOT EXISTS idx_` + p + `postmeta_key ON ` + p + `postmeta(meta_key);

	CREATE TABLE IF NOT EXISTS ` + p + `users (
		ID INTEGER PRIMARY KEY AUTOINCREMENT,
		user_login TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS ` + p + `usermeta (
		umeta_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL DEFAULT 0,
		meta_key TEXT,
		meta_value TEXT
	);
	CREATE TABLE IF NOT EXISTS ` + p + `terms (
		term_id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS ` + p + `termmeta (
		meta_id INTEGER PRIMARY KEY AUTOINCREMENT,
		term_id INTEGER NOT NULL DEFAULT 0,
		meta_key TEXT,
		meta_value TEXT
	);
	CREATE TABLE IF NOT EXISTS ` + p + `term_taxonomy (
		term_taxonomy_id INTEGER PRIMARY KEY AUTOINCREMENT,
		term_id INTEGER NOT NULL DEFAULT 0,
		taxonomy TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS ` + p + `term_relationships (
		object_id INTEGER NOT NULL DEFAULT 0,
		term_taxonomy_id INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (object_id, term_taxonomy_id)
	);
	CREATE TABLE IF NOT EXISTS ` + p + `comments (
		comment_ID INTEGER PRIMARY KEY AUTOINCREMENT,
		comment_post_ID INTEGER NOT NULL DEFAULT 0,
		comment_content TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS ` + p + `commentmeta (
		meta_id INTEGER PRIMARY KEY AUTOINCREMENT,
		comment_id INTEGER NOT NULL DEFAULT 0,
		meta_key TEXT,
		meta_value TEXT
	);
	CREATE TABLE IF NOT EXISTS ` + p + `options (
		option_id INTEGER PRIMARY KEY AUTOINCREMENT,
		option_name TEXT NOT NULL UNIQUE,
		option_value TEXT NOT NULL DEFAULT '',
		autoload TEXT NOT NULL DEFAULT 'yes'
	);
	CREATE TABLE IF NOT EXISTS ` + p + `links (
		link_id INTEGER PRIMARY KEY AUTOINCREMENT,
		link_url TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := d.db.ExecContext(ctx, schema)
	return err
}

// CheckReady verifies that the attachment tables exist.
func (d *Database) CheckReady(ctx context.Context) error {
	tables, err := d.listTables(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	have := make(map[string]bool, len(tables))
	for _, t := range tables {
		have[t] = true
	}
	for _, t := range []string{"posts", "postmeta", "options"} {
		if !have[d.prefix+t] {
			return fmt.Errorf("%w: table %s%s is missing", ErrNotReady, d.prefix, t)
		}
	}
	return nil
}

// Backend returns the SQL dialect in use.
func (d *Database) Backend() Backend {
	return d.backend
}

// Prefix returns the host table prefix.
func (d *Database) Prefix() string {
	return d.prefix
}

// Close closes the database connection.
func (d *Database) Close() error {
	err := d.db.Close()
	if d.pool != nil {
		d.pool.Close()
	}
	return err
}

// Exec runs a statement with ? placeholders. It exists for host-side
// maintenance such as seeding fixtures and creating plugin tables.
func (d *Database) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return d.db.ExecContext(ctx, d.rebind(query), args...)
}

func (d *Database) table(name string) string {
	return d.prefix + name
}

func (d *Database) rebind(query string) string {
	return Rebind(d.backend, query)
}

// quoteIdent quotes a catalog-provided identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// escapeLike escapes LIKE wildcards; queries use ESCAPE '\'.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// recordQuery records database query metrics
func recordQuery(operation string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DBQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(duration)
}

// UpdateDBMetrics updates database connection metrics
func (d *Database) UpdateDBMetrics() {
	stats := d.db.Stats()
	metrics.DBConnectionsOpen.Set(float64(stats.OpenConnections))
}

// diagnoseDatabasePermissions checks database directory and file permissions
func diagnoseDatabasePermissions(dbPath string) error {
	dir := filepath.Dir(dbPath)

	dirInfo, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("cannot stat database directory: %w", err)
	}
	logging.Debug("Database directory: %s (mode: %v)", dir, dirInfo.Mode())

	testFile := filepath.Join(dir, ".perm-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("database directory not writable: %w", err)
	}
	_ = os.Remove(testFile)

	if dbInfo, err := os.Stat(dbPath); err == nil {
		logging.Debug("Database file exists: %s (mode: %v, size: %d bytes)", dbPath, dbInfo.Mode(), dbInfo.Size())
		if dbInfo.Mode().Perm()&0o200 == 0 {
			logging.Warn("Database file is read-only! Mode: %v", dbInfo.Mode())
		}
	}

	walPath := dbPath + "-wal"
	if walInfo, err := os.Stat(walPath); err == nil && walInfo.Mode().Perm()&0o200 == 0 {
		logging.Warn("WAL file is read-only! Mode: %v - this will cause write failures", walInfo.Mode())
		if chmodErr := os.Chmod(walPath, 0o600); chmodErr != nil {
			logging.Error("Failed to fix WAL file permissions: %v", chmodErr)
		} else {
			logging.Info("Fixed WAL file permissions")
		}
	}
	return nil
}
