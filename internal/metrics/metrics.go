package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webp_migrator_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webp_migrator_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webp_migrator_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webp_migrator_auth_attempts_total",
			Help: "Total API token checks by result",
		},
		[]string{"result"},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webp_migrator_db_queries_total",
			Help: "Total number of host database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webp_migrator_db_query_duration_seconds",
			Help:    "Host database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webp_migrator_db_connections_open",
			Help: "Number of open host database connections",
		},
	)
)

// Pipeline metrics
var (
	AttachmentsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webp_migrator_attachments_processed_total",
			Help: "Attachments that finished the pipeline, by resulting status",
		},
		[]string{"status"},
	)

	PipelineFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webp_migrator_pipeline_failures_total",
			Help: "First-time pipeline failures by error step",
		},
		[]string{"step"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webp_migrator_pipeline_duration_seconds",
			Help:    "Time to run one attachment through the pipeline",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	EncodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webp_migrator_encode_duration_seconds",
			Help:    "Codec encode duration by format and backend",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"format", "backend"},
	)

	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webp_migrator_bytes_total",
			Help: "Bytes of main files before and after conversion",
		},
		[]string{"stage"}, // "before", "after"
	)

	RewrittenRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webp_migrator_rewritten_rows_total",
			Help: "Rows changed by the reference rewriter, by surface",
		},
		[]string{"surface"},
	)

	CommitOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webp_migrator_commit_operations_total",
			Help: "Commit and rollback operations by result",
		},
		[]string{"operation", "result"},
	)
)

// Scheduler metrics
var (
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webp_migrator_batches_total",
			Help: "Batches run by the scheduler, by outcome",
		},
		[]string{"outcome"}, // "complete", "stopped", "timeout", "error"
	)

	SchedulerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webp_migrator_scheduler_running",
			Help: "Whether a migration job is currently running (1 = running, 0 = idle)",
		},
	)

	QueueRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webp_migrator_queue_remaining",
			Help: "Estimated attachments still eligible for processing",
		},
	)

	QueueCountDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webp_migrator_queue_count_duration_seconds",
			Help:    "Time taken by eligibility counts",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
	)
)

// State metrics, refreshed by the Collector
var (
	AttachmentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "webp_migrator_attachments_by_status",
			Help: "Attachments per migration status",
		},
		[]string{"status"},
	)

	LedgerEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webp_migrator_ledger_entries",
			Help: "Attachments currently recorded in the error ledger",
		},
	)
)

// Filesystem metrics
var (
	FilesystemOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webp_migrator_filesystem_operation_duration_seconds",
			Help:    "Duration of filesystem operations by volume",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"volume", "operation"},
	)

	FilesystemOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webp_migrator_filesystem_operation_errors_total",
			Help: "Failed filesystem operations by volume",
		},
		[]string{"volume", "operation"},
	)

	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webp_migrator_filesystem_retry_attempts_total",
			Help: "Retries caused by NFS stale file handles",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webp_migrator_filesystem_retry_success_total",
			Help: "Operations that succeeded after at least one retry",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webp_migrator_filesystem_retry_failures_total",
			Help: "Operations that exhausted their retries",
		},
		[]string{"operation", "volume"},
	)

	FilesystemRetryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webp_migrator_filesystem_retry_duration_seconds",
			Help:    "Total time spent in retried operations including backoff",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"operation", "volume"},
	)

	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webp_migrator_filesystem_stale_errors_total",
			Help: "ESTALE errors observed",
		},
		[]string{"operation", "volume"},
	)
)

// Memory metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webp_migrator_memory_usage_ratio",
			Help: "Heap usage as a fraction of the configured memory limit",
		},
	)

	MemoryPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webp_migrator_memory_paused",
			Help: "Whether processing is paused for memory pressure (1 = paused)",
		},
	)

	MemoryGCPauses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webp_migrator_memory_gc_pauses_total",
			Help: "Times processing paused to let the GC reclaim memory",
		},
	)
)

// Application info
var (
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "webp_migrator_app_info",
			Help: "Application build information",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// SetAppInfo sets the application info metric
func SetAppInfo(version, commit, goVersion string) {
	AppInfo.WithLabelValues(version, commit, goVersion).Set(1)
}
