package handlers

import (
	"errors"
	"net/http"

	"webp-migrator/internal/ledger"
	"webp-migrator/internal/logging"
	"webp-migrator/internal/scheduler"
)

// ErrorsResponse is the body of GET /api/errors.
type ErrorsResponse struct {
	Entries []ledger.Entry `json:"entries"`
	Stats   ledger.Stats   `json:"stats"`
}

// ListErrors returns every ledger entry and the ledger statistics.
func (h *Handlers) ListErrors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entries, err := h.ledger.All(ctx)
	if err != nil {
		logging.Error("Failed to read error ledger: %v", err)
		writeJSONError(w, "Failed to read error ledger", http.StatusInternalServerError)
		return
	}
	stats, err := h.ledger.Stats(ctx)
	if err != nil {
		writeJSONError(w, "Failed to read error ledger", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ErrorsResponse{Entries: entries, Stats: stats})
}

// ClearErrors empties the ledger, making every failed attachment eligible
// for automatic batches again.
func (h *Handlers) ClearErrors(w http.ResponseWriter, r *http.Request) {
	n, err := h.ledger.Clear(r.Context())
	if err != nil {
		logging.Error("Failed to clear error ledger: %v", err)
		writeJSONError(w, "Failed to clear error ledger", http.StatusInternalServerError)
		return
	}
	logging.Info("Cleared %d error ledger entries", n)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]int{"removed": n})
}

// DeleteError removes one attachment's ledger entry.
func (h *Handlers) DeleteError(w http.ResponseWriter, r *http.Request) {
	id, ok := attachmentID(r)
	if !ok {
		writeJSONError(w, "Invalid attachment id", http.StatusBadRequest)
		return
	}

	removed, err := h.ledger.Remove(r.Context(), id)
	if err != nil {
		logging.Error("Failed to remove ledger entry %d: %v", id, err)
		writeJSONError(w, "Failed to update error ledger", http.StatusInternalServerError)
		return
	}
	if !removed {
		writeJSONError(w, "No ledger entry for attachment", http.StatusNotFound)
		return
	}

	writeJSONStatus(w, "removed")
}

// ReprocessErrors retries every ledger entry in the background.
func (h *Handlers) ReprocessErrors(w http.ResponseWriter, r *http.Request) {
	jobID, err := h.scheduler.StartReprocess(r.Context())
	if errors.Is(err, scheduler.ErrAlreadyRunning) {
		writeJSONError(w, "A migration job is already running", http.StatusConflict)
		return
	}
	if err != nil {
		logging.Error("Failed to start reprocessing: %v", err)
		writeJSONError(w, "Failed to start reprocessing", http.StatusInternalServerError)
		return
	}

	writeJSONCode(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}
