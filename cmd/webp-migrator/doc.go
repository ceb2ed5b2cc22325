// Command webp-migrator drives the attachment migration from the shell.
//
// Usage:
//
//	webp-migrator [--log-level=LEVEL] <command> [arguments]
//
// Commands:
//
//	run [batch=N] [limit=N] [format=webp|avif|jxl] [quality=1..100]
//	    [speed=0..10] [effort=1..9] [no-validate]
//	        Convert eligible attachments until the queue is empty or limit
//	        attachments have been dispatched. The arguments override the
//	        stored settings for this run only. Ctrl+C stops after the
//	        current attachment; a second Ctrl+C aborts it.
//
//	count [limit=N] [override]
//	        Count eligible attachments.
//
//	retry <id>
//	        Run one attachment through the explicit path, ignoring its
//	        ledger entry.
//
//	status <id>
//	        Show the migration status, backup and last error of an
//	        attachment.
//
//	commit <id>|all [--yes]
//	rollback <id>|all [--yes]
//	        Make a relinked attachment permanent, or restore its original.
//	        "all" asks for confirmation unless --yes is given.
//
//	errors [list|stats|clear|reprocess|remove <id>]
//	        Inspect and manage the error ledger.
//
//	settings [show|import <file>|check <file>]
//	        Print the stored settings as YAML, store the settings from a
//	        YAML file, or validate a file without storing it.
//
// Exit codes:
//
//	0  success
//	1  runtime failure
//	2  configuration or usage error
//	3  host not ready (database unreachable or attachment tables missing)
//
// The host is configured through the same environment variables as the
// server; see the startup package.
package main
