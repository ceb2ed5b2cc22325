package metrics

import (
	"testing"
)

func TestMetricsExist(t *testing.T) {
	tests := []struct {
		name   string
		metric interface{}
	}{
		{"HTTPRequestsTotal", HTTPRequestsTotal},
		{"HTTPRequestDuration", HTTPRequestDuration},
		{"HTTPRequestsInFlight", HTTPRequestsInFlight},
		{"DBQueryTotal", DBQueryTotal},
		{"DBQueryDuration", DBQueryDuration},
		{"AttachmentsProcessedTotal", AttachmentsProcessedTotal},
		{"PipelineFailuresTotal", PipelineFailuresTotal},
		{"PipelineDuration", PipelineDuration},
		{"EncodeDuration", EncodeDuration},
		{"RewrittenRowsTotal", RewrittenRowsTotal},
		{"BatchesTotal", BatchesTotal},
		{"SchedulerRunning", SchedulerRunning},
		{"AttachmentsByStatus", AttachmentsByStatus},
		{"LedgerEntries", LedgerEntries},
		{"FilesystemOperationDuration", FilesystemOperationDuration},
		{"MemoryUsageRatio", MemoryUsageRatio},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.metric == nil {
				t.Errorf("%s metric is nil", tt.name)
			}
		})
	}
}

func TestInitializeMetricsDoesNotPanic(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("InitializeMetrics panicked: %v", r)
		}
	}()
	InitializeMetrics()
	InitializeMetrics()
}

func TestMetricOperations(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("metric operation panicked: %v", r)
		}
	}()

	AttachmentsProcessedTotal.WithLabelValues("relinked").Inc()
	PipelineFailuresTotal.WithLabelValues("format_conversion").Inc()
	PipelineDuration.Observe(1.2)
	EncodeDuration.WithLabelValues("webp", "vips").Observe(0.3)
	BytesTotal.WithLabelValues("before").Add(2048)
	RewrittenRowsTotal.WithLabelValues("posts").Add(3)
	CommitOperationsTotal.WithLabelValues("commit", "success").Inc()
	BatchesTotal.WithLabelValues("complete").Inc()
	SchedulerRunning.Set(1)
	SchedulerRunning.Set(0)
	QueueRemaining.Set(12)
	QueueCountDuration.Observe(0.05)
	SetAppInfo("1.0.0", "abc123", "go1.25")
}

func TestLabelSetsCoverClosedVocabularies(t *testing.T) {
	if len(Statuses) != 7 {
		t.Errorf("Statuses has %d values, want 7", len(Statuses))
	}
	if len(Steps) != 11 {
		t.Errorf("Steps has %d values, want 11", len(Steps))
	}
}

func TestFilesystemObserver(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("observer panicked: %v", r)
		}
	}()
	var obs FilesystemObserver
	obs.ObserveOperation("uploads", "replace", 0.01, nil)
	obs.ObserveOperation("backup", "move", 0.01, errTest)
	obs.ObserveRetryAttempt("stat", "uploads")
	obs.ObserveRetrySuccess("stat", "uploads")
	obs.ObserveRetryFailure("open", "backup")
	obs.ObserveRetryDuration("rename", "uploads", 0.2)
	obs.ObserveStaleError("stat", "ledger")
}

var errTest = errorString("boom")

type errorString string

func (e errorString) Error() string { return string(e) }
