package handlers

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"webp-migrator/internal/metrics"
	"webp-migrator/internal/state"
)

// MetricsHandler returns the Prometheus metrics handler
func (h *Handlers) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// GetStats implements metrics.StatsProvider: attachments per status and
// the size of the error ledger.
func (h *Handlers) GetStats(ctx context.Context) (metrics.Stats, error) {
	h.db.UpdateDBMetrics()
	counts, err := h.db.StatusCounts(ctx, state.KeyStatus, state.KeyCommittedAt)
	if err != nil {
		return metrics.Stats{}, err
	}
	stats := metrics.Stats{ByStatus: counts}
	if h.ledger != nil {
		ls, err := h.ledger.Stats(ctx)
		if err != nil {
			return stats, err
		}
		stats.LedgerEntries = ls.Total
	}
	return stats, nil
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	ByStatus map[string]int `json:"by_status"`
	Errors   interface{}    `json:"errors"`
}

// GetStatsJSON serves the status counts and ledger statistics.
func (h *Handlers) GetStatsJSON(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := h.db.StatusCounts(ctx, state.KeyStatus, state.KeyCommittedAt)
	if err != nil {
		writeJSONError(w, "Failed to read status counts", http.StatusInternalServerError)
		return
	}
	ls, err := h.ledger.Stats(ctx)
	if err != nil {
		writeJSONError(w, "Failed to read error ledger", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, StatsResponse{ByStatus: counts, Errors: ls})
}
