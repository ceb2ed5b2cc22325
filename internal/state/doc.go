// Package state defines the closed vocabularies of the migration (attachment
// statuses and pipeline error steps), the conversion report, and the Tracker
// that persists them as per-attachment meta rows in the host database.
//
// Status and Step are string-backed sum types; Tracker refuses to persist a
// Status outside the closed set. StatusNone is represented by the absence of
// the status key, and StatusCommitted by a separate committed-at marker so
// that it survives the removal of the four per-attachment keys.
package state
