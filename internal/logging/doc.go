// Package logging provides a simple leveled logging interface for the
// migrator.
//
// It supports the following log levels:
//   - DEBUG: Verbose debugging information
//   - INFO: General operational messages
//   - WARN: Warning conditions
//   - ERROR: Error conditions
//   - FATAL: Fatal errors that terminate the application
//
// The log level is configured via the LOG_LEVEL environment variable,
// DEBUG=true or DEV_MODE=true, and may be overridden with SetLevel. A
// Recorder receives a copy of each emitted line.
package logging
