// Package handlers provides the operator HTTP API of the migrator.
//
// It includes handlers for:
//   - Starting, stopping and watching migration jobs
//   - Counting eligible attachments
//   - Retrying, committing and rolling back single attachments
//   - Browsing, clearing and reprocessing the error ledger
//   - Reading and saving migration settings
//   - Health checks, version and state statistics
package handlers
