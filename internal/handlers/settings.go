package handlers

import (
	"net/http"

	"webp-migrator/internal/logging"
	"webp-migrator/internal/settings"
)

// GetSettings returns the stored migration settings.
func (h *Handlers) GetSettings(w http.ResponseWriter, r *http.Request) {
	set, err := settings.Load(r.Context(), h.db)
	if err != nil {
		logging.Error("Failed to load settings: %v", err)
		writeJSONError(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, set)
}

// UpdateSettings stores new migration settings. Out-of-range values are
// clamped; the normalized result is returned. A running job picks the
// change up at its next batch.
func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	set, err := settings.Load(r.Context(), h.db)
	if err != nil {
		writeJSONError(w, "Failed to load settings", http.StatusInternalServerError)
		return
	}
	if err := decodeBody(r, &set); err != nil {
		writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	saved, err := settings.Save(r.Context(), h.db, set)
	if err != nil {
		logging.Error("Failed to save settings: %v", err)
		writeJSONError(w, "Failed to save settings", http.StatusInternalServerError)
		return
	}
	logging.Info("Settings updated: format=%s quality=%d batch=%d", saved.TargetFormat, saved.Quality(), saved.BatchSize)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, saved)
}
