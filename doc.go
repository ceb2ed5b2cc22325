// Package main provides the entry point for the webp-migrator operator service.
//
// webp-migrator converts the raster attachments of a WordPress-shaped host
// to WebP, AVIF or JPEG-XL. Each attachment is re-encoded, every reference to
// its old URLs is rewritten, and the originals are kept in a backup directory
// until the operator commits or rolls the attachment back.
//
// # Application Lifecycle
//
//  1. Memory Configuration: Sets GOMEMLIMIT from MEMORY_LIMIT and MEMORY_RATIO
//  2. Configuration Loading: Reads environment variables and validates the uploads root
//  3. Engine Assembly ([webp-migrator/internal/startup.Open]):
//     - Host database (SQLite or Postgres) and its readiness check
//     - libvips, with native encoders as the fallback
//     - Error ledger and observational logs under the uploads root
//     - Attachment pipeline, queue selector, commit manager and batch scheduler
//     - Memory monitor gating batch dispatch
//  4. HTTP Server Setup: Configures routes, middleware, and starts server
//  5. Graceful Shutdown: Handles SIGINT/SIGTERM, stops the running job cleanly
//
// # HTTP Server
//
// The application runs two HTTP servers:
//
//  1. Main Server (default port 8080):
//     - Batch control: /api/run, /api/stop, /api/progress, /api/count
//     - Single attachments: /api/attachments/{id}/retry|commit|rollback|status
//     - Error ledger: /api/errors, /api/errors/{id}, /api/errors/reprocess
//     - Settings: /api/settings
//     - Health: /health, /healthz, /livez, /version
//
//  2. Metrics Server (default port 9090, optional):
//     - Prometheus metrics endpoint (/metrics)
//
// API requests carry "Authorization: Bearer <token>" when API_TOKEN_HASH is
// set. See [webp-migrator/internal/startup] for every environment variable.
//
// # Graceful Shutdown
//
//  1. Stop accepting new HTTP requests
//  2. Stop the running job gracefully (escalates after STOP_TIMEOUT)
//  3. Stop metrics collector
//  4. Shutdown metrics server (if running)
//  5. Stop memory monitor, shut down libvips, close the database
//
// # Build Requirements
//
// The application requires CGO for SQLite and libvips:
//
//	go build -o webp-migrator-server .
//	go build -o webp-migrator ./cmd/webp-migrator
//
// # Related Packages
//
//   - [webp-migrator/internal/pipeline]: per-attachment state machine
//   - [webp-migrator/internal/scheduler]: batch jobs and the error reprocessor
//   - [webp-migrator/internal/commit]: commit and rollback
//   - [webp-migrator/internal/handlers]: HTTP request handlers
//   - [webp-migrator/internal/middleware]: HTTP middleware (logging, metrics, compression)
//   - [webp-migrator/internal/startup]: configuration and initialization
package main
