package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"webp-migrator/internal/logging"
	"webp-migrator/internal/queue"
	"webp-migrator/internal/scheduler"
	"webp-migrator/internal/settings"
)

// RunRequest is the optional body of POST /api/run.
type RunRequest struct {
	// Limit caps the number of attachments the job processes. Zero means
	// the whole eligible set.
	Limit int `json:"limit"`
}

// GetProgress returns the current or last job's progress snapshot.
func (h *Handlers) GetProgress(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	writeJSON(w, h.scheduler.Progress())
}

// CountEligible counts the attachments the next job would select.
func (h *Handlers) CountEligible(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	set, err := settings.Load(ctx, h.db)
	if err != nil {
		logging.Error("Failed to load settings: %v", err)
		writeJSONError(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}

	res, err := h.selector.Count(ctx, limit, queryBool(r, "override"), queue.FilterFromSettings(set))
	if err != nil {
		logging.Error("Failed to count eligible attachments: %v", err)
		writeJSONError(w, "Failed to count attachments", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res)
}

// StartRun starts a migration job in the background.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Limit < 0 {
		writeJSONError(w, "Invalid limit", http.StatusBadRequest)
		return
	}

	jobID, err := h.scheduler.Start(r.Context(), scheduler.RunOptions{Limit: req.Limit})
	if errors.Is(err, scheduler.ErrAlreadyRunning) {
		writeJSONError(w, "A migration job is already running", http.StatusConflict)
		return
	}
	if err != nil {
		logging.Error("Failed to start migration: %v", err)
		writeJSONError(w, "Failed to start migration", http.StatusInternalServerError)
		return
	}

	writeJSONCode(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// StopRun asks the running job to stop. With ?emergency=1 the unit in
// flight is interrupted instead of finished.
func (h *Handlers) StopRun(w http.ResponseWriter, r *http.Request) {
	emergency := queryBool(r, "emergency")
	if err := h.scheduler.Stop(emergency); err != nil {
		if errors.Is(err, scheduler.ErrNotRunning) {
			writeJSONError(w, "No migration job is running", http.StatusConflict)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if emergency {
		writeJSONStatus(w, "stopping_emergency")
		return
	}
	writeJSONStatus(w, "stopping")
}
