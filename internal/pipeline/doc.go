// Package pipeline converts one attachment at a time.
//
// A run takes the per-attachment lock, checks the original, encodes it next
// to itself in the target format, optionally fits it into the bounding box,
// converts the thumbnails, builds the URL map, rewrites every reference,
// relinks the attachment record, records its status and report, and
// finally stages the originals: moved into a timestamped backup directory
// when validation is on, deleted otherwise.
//
// The original files are never written to before the record has been
// relinked and verified and the migration state has been stored. Every fatal failure removes the files the run
// created, records a status and upserts an error ledger entry. When a
// failure happens after references were rewritten, the inverse URL map is
// applied before the converted files are removed.
package pipeline
