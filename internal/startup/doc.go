// Package startup handles application initialization, configuration loading,
// and startup/shutdown logging.
//
// # Configuration
//
// Process configuration is loaded from environment variables via [FromEnv]
// ([LoadConfig] additionally prints the banner and logs every value):
//
//   - UPLOADS_DIR: Host uploads root (default: /var/www/html/wp-content/uploads)
//   - UPLOADS_URL: Public URL of the uploads root (default: siteurl + /wp-content/uploads)
//   - DB_BACKEND: sqlite or postgres (default: sqlite)
//   - DATABASE_PATH: SQLite host database file
//   - DATABASE_URL: Postgres connection string
//   - TABLE_PREFIX: Host table prefix (default: wp_)
//   - PORT: API server port (default: 8080)
//   - METRICS_PORT: Prometheus metrics server port (default: 9090)
//   - METRICS_ENABLED: Enable or disable metrics server (default: true)
//   - API_TOKEN_HASH: bcrypt hash of the API bearer token; empty disables auth
//   - SETTINGS_FILE: YAML migration settings imported at startup
//   - BATCH_TIMEOUT, REPROCESS_TIMEOUT, STOP_TIMEOUT, BATCH_DELAY: scheduler timing
//   - DEV_MODE: Debug logging and the resize debug log
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//
// Invalid values are wrapped in [ErrConfig].
//
// # Build Information
//
// Build-time variables are injected via ldflags and exposed via [GetBuildInfo].
package startup
