package metrics

// Label values pre-populated by InitializeMetrics.
var (
	Statuses = []string{"none", "skipped_animated", "convert_failed", "metadata_failed",
		"critical_failure", "relinked", "committed"}
	Steps = []string{"file_validation", "metadata_preparation", "directory_creation",
		"format_conversion", "bounding_box_resize", "metadata_generation", "url_mapping",
		"database_update", "attachment_update", "file_cleanup", "dimension_validation"}
	Surfaces = []string{"posts", "postmeta", "usermeta", "termmeta", "commentmeta",
		"options", "comments", "custom"}
)

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics() {
	for _, s := range Statuses {
		AttachmentsProcessedTotal.WithLabelValues(s)
		AttachmentsByStatus.WithLabelValues(s)
	}
	for _, s := range Steps {
		PipelineFailuresTotal.WithLabelValues(s)
	}
	for _, s := range Surfaces {
		RewrittenRowsTotal.WithLabelValues(s)
	}
	for _, stage := range []string{"before", "after"} {
		BytesTotal.WithLabelValues(stage)
	}
	for _, f := range []string{"webp", "avif", "jxl"} {
		for _, b := range []string{"vips", "native"} {
			EncodeDuration.WithLabelValues(f, b)
		}
	}
	for _, op := range []string{"commit", "rollback"} {
		for _, result := range []string{"success", "noop", "error"} {
			CommitOperationsTotal.WithLabelValues(op, result)
		}
	}
	for _, o := range []string{"complete", "stopped", "timeout", "error"} {
		BatchesTotal.WithLabelValues(o)
	}
	for _, r := range []string{"success", "failure", "missing"} {
		AuthAttemptsTotal.WithLabelValues(r)
	}

	// --- Filesystem operation metrics (per volume × operation) ---
	volumes := []string{"uploads", "backup", "ledger", "unknown"}
	for _, vol := range volumes {
		for _, op := range []string{"replace", "move", "copy", "remove"} {
			FilesystemOperationDuration.WithLabelValues(vol, op)
			FilesystemOperationErrors.WithLabelValues(vol, op)
		}
		for _, op := range []string{"stat", "open", "rename"} {
			FilesystemRetryAttempts.WithLabelValues(op, vol)
			FilesystemRetrySuccess.WithLabelValues(op, vol)
			FilesystemRetryFailures.WithLabelValues(op, vol)
			FilesystemStaleErrors.WithLabelValues(op, vol)
			FilesystemRetryDuration.WithLabelValues(op, vol)
		}
	}

	for _, op := range []string{"get_attachment", "update_attachment", "list_attachments",
		"get_meta", "set_meta", "delete_meta", "find_posts", "update_post", "find_comments",
		"update_comment", "find_meta", "update_meta", "find_options", "get_option",
		"update_option", "list_tables", "describe_columns", "find_custom", "update_custom",
		"status_counts"} {
		DBQueryTotal.WithLabelValues(op, "success")
		DBQueryTotal.WithLabelValues(op, "error")
		DBQueryDuration.WithLabelValues(op)
	}
}
