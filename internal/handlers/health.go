package handlers

import (
	"net/http"
	"runtime"
	"time"

	"webp-migrator/internal/logging"
	"webp-migrator/internal/startup"
)

const (
	statusHealthy  = "healthy"
	statusDegraded = "degraded"
)

// HealthResponse contains the health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Ready   bool   `json:"ready"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Error   string `json:"error,omitempty"`

	// Migration info
	Running      bool   `json:"running"`
	JobState     string `json:"jobState"`
	LedgerErrors int    `json:"ledgerErrors"`

	// System info
	GoVersion    string `json:"goVersion"`
	NumCPU       int    `json:"numCpu"`
	NumGoroutine int    `json:"numGoroutine"`
}

// HealthCheck reports whether the host database is reachable and the
// attachment tables exist, together with the scheduler state.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	response := HealthResponse{
		Status:       statusHealthy,
		Ready:        true,
		Version:      startup.Version,
		Uptime:       time.Since(h.startTime).Round(time.Second).String(),
		GoVersion:    runtime.Version(),
		NumCPU:       runtime.NumCPU(),
		NumGoroutine: runtime.NumGoroutine(),
	}

	if err := h.db.CheckReady(ctx); err != nil {
		logging.Warn("Health check: host not ready: %v", err)
		response.Status = statusDegraded
		response.Ready = false
		response.Error = err.Error()
	}

	if h.scheduler != nil {
		response.Running = h.scheduler.Running()
		response.JobState = string(h.scheduler.Progress().State)
	}

	if h.ledger != nil {
		if stats, err := h.ledger.Stats(ctx); err == nil {
			response.LedgerErrors = stats.Total
		}
	}

	w.Header().Set("Content-Type", "application/json")

	// Return 503 only if the host is unusable
	if !response.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	writeJSON(w, response)
}

// LivenessCheck is a simple liveness probe (always returns 200 if server is running)
func (h *Handlers) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	// For HEAD requests, only send headers (no body)
	if r.Method != http.MethodHead {
		writeJSON(w, map[string]string{
			"status": "alive",
		})
	}
}
