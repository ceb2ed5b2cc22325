/*
Package metrics declares the Prometheus metrics exported by the migrator.

All metrics use the "webp_migrator_" prefix and are registered with
promauto at package init. InitializeMetrics pre-populates the label sets
(statuses, error steps, rewrite surfaces, filesystem volumes, database
operations) so dashboards see zero-valued series from the first scrape.

# Groups

  - HTTP: request counts, durations, in-flight gauge, auth attempts
  - Database: host query counts and durations per operation
  - Pipeline: attachments processed by status, first-time failures by step,
    per-attachment and per-encode durations, bytes before/after, rewritten
    rows by surface, commit/rollback outcomes
  - Scheduler: batches by outcome, running flag, remaining estimate
  - State: attachments per status and error-ledger size, refreshed by Collector
  - Filesystem: operation durations and NFS retry counters, fed through
    FilesystemObserver
  - Memory: usage ratio and pause state from the memory monitor

# Collector

Collector polls a StatsProvider on an interval and updates the state gauges.
*/
package metrics
