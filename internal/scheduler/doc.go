// Package scheduler runs migration jobs.
//
// A job repeatedly reloads the settings, selects the next batch of eligible
// attachments and hands them to the pipeline one at a time in id order.
// Batches are separated by a fixed delay. Progress is kept in memory:
//   - processed and failed unit counts
//   - the initial and remaining eligibility estimates
//   - a bounded log stream of unit results and warnings
//
// A graceful stop is observed only between units, so the attachment in
// flight always reaches a terminal state. If it has not finished within the
// stop timeout the job is cancelled and the progress carries a warning.
//
// The same machinery reprocesses the error ledger through the explicit
// retry path under its own soft timeout.
package scheduler
