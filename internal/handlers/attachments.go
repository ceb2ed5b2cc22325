package handlers

import (
	"errors"
	"net/http"

	"webp-migrator/internal/commit"
	"webp-migrator/internal/database"
	"webp-migrator/internal/ledger"
	"webp-migrator/internal/logging"
	"webp-migrator/internal/pipeline"
	"webp-migrator/internal/state"
)

// RetryResponse is the body of a single-attachment retry.
type RetryResponse struct {
	ID      int64        `json:"id"`
	Title   string       `json:"title"`
	Status  state.Status `json:"status,omitempty"`
	Message string       `json:"message"`
	Error   string       `json:"error,omitempty"`
	Step    state.Step   `json:"step,omitempty"`
}

// AttachmentStatus is the plugin state of one attachment.
type AttachmentStatus struct {
	ID        int64         `json:"id"`
	Status    string        `json:"status"`
	BackupDir string        `json:"backup_dir,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Report    *state.Report `json:"report,omitempty"`
	Ledger    *ledger.Entry `json:"ledger,omitempty"`
}

// RetryAttachment runs one attachment through the explicit retry path.
func (h *Handlers) RetryAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := attachmentID(r)
	if !ok {
		writeJSONError(w, "Invalid attachment id", http.StatusBadRequest)
		return
	}

	res, err := h.scheduler.Retry(r.Context(), id)
	if errors.Is(err, pipeline.ErrBusy) {
		writeJSONError(w, "Attachment is being processed", http.StatusConflict)
		return
	}

	resp := RetryResponse{ID: id}
	if res != nil {
		resp.Title = res.Title
		resp.Status = res.Status
		resp.Message = res.Message
	}

	var stepErr *state.StepError
	switch {
	case errors.As(err, &stepErr):
		resp.Error = stepErr.Error()
		resp.Step = stepErr.Step
		writeJSONCode(w, http.StatusUnprocessableEntity, resp)
	case err != nil:
		logging.Error("Retry of attachment %d failed: %v", id, err)
		resp.Error = err.Error()
		writeJSONCode(w, http.StatusInternalServerError, resp)
	default:
		writeJSONCode(w, http.StatusOK, resp)
	}
}

// CommitAttachment finalizes a relinked attachment.
func (h *Handlers) CommitAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := attachmentID(r)
	if !ok {
		writeJSONError(w, "Invalid attachment id", http.StatusBadRequest)
		return
	}

	committed, err := h.commits.Commit(r.Context(), id)
	if err != nil {
		h.writeCommitError(w, "commit", id, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]interface{}{"id": id, "committed": committed})
}

// RollbackAttachment restores a relinked attachment from its backup.
func (h *Handlers) RollbackAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := attachmentID(r)
	if !ok {
		writeJSONError(w, "Invalid attachment id", http.StatusBadRequest)
		return
	}

	if err := h.commits.Rollback(r.Context(), id); err != nil {
		h.writeCommitError(w, "rollback", id, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]interface{}{"id": id, "rolled_back": true})
}

func (h *Handlers) writeCommitError(w http.ResponseWriter, op string, id int64, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeJSONError(w, "Attachment not found", http.StatusNotFound)
	case errors.Is(err, commit.ErrNotRelinked),
		errors.Is(err, commit.ErrNoBackup),
		errors.Is(err, commit.ErrInvalidReport),
		errors.Is(err, pipeline.ErrBusy):
		writeJSONError(w, err.Error(), http.StatusConflict)
	default:
		logging.Error("Failed to %s attachment %d: %v", op, id, err)
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetAttachmentStatus returns the tracked state of one attachment.
func (h *Handlers) GetAttachmentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := attachmentID(r)
	if !ok {
		writeJSONError(w, "Invalid attachment id", http.StatusBadRequest)
		return
	}

	if _, err := h.db.GetAttachment(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeJSONError(w, "Attachment not found", http.StatusNotFound)
			return
		}
		writeJSONError(w, "Failed to read attachment", http.StatusInternalServerError)
		return
	}

	status, err := h.tracker.Status(ctx, id)
	if err != nil {
		writeJSONError(w, "Failed to read status", http.StatusInternalServerError)
		return
	}
	resp := AttachmentStatus{ID: id, Status: status.Label()}

	if dir, ok, err := h.tracker.BackupDir(ctx, id); err == nil && ok {
		resp.BackupDir = dir
	}
	if msg, err := h.tracker.LastError(ctx, id); err == nil {
		resp.LastError = msg
	}
	if status == state.StatusRelinked {
		if report, err := h.tracker.Report(ctx, id); err == nil {
			resp.Report = report
		} else {
			logging.Warn("Attachment %d has an unreadable report: %v", id, err)
		}
	}
	if h.ledger != nil {
		if entry, ok, err := h.ledger.Get(ctx, id); err == nil && ok {
			resp.Ledger = &entry
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp)
}

// ListRelinked lists attachments awaiting commit or rollback.
func (h *Handlers) ListRelinked(w http.ResponseWriter, r *http.Request) {
	list, err := h.commits.ListRelinked(r.Context())
	if err != nil {
		logging.Error("Failed to list relinked attachments: %v", err)
		writeJSONError(w, "Failed to list relinked attachments", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []commit.Relinked{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, list)
}

// CommitAll commits every relinked attachment.
func (h *Handlers) CommitAll(w http.ResponseWriter, r *http.Request) {
	sum, err := h.commits.CommitAll(r.Context())
	if err != nil {
		logging.Error("Commit all failed: %v", err)
		writeJSONError(w, "Failed to commit attachments", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sum)
}
