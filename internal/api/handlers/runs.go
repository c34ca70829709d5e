package handlers

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eargollo/camsync/internal/pipeline"
)

// RunsHandler handles run-related API endpoints.
type RunsHandler struct {
	DB      *sql.DB
	Manager *pipeline.Manager
}

// Create handles POST /api/runs: starts a manual run.
func (h *RunsHandler) Create(w http.ResponseWriter, r *http.Request) {
	// The run outlives the request.
	active, err := h.Manager.Start(context.Background(), "manual")
	if err != nil {
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "RUN_ALREADY_RUNNING", "A run is already in progress")
			return
		}
		slog.Error("runs: start", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start run")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":           active.ID,
		"status":       "running",
		"started_at":   active.StartedAt.UTC().Format(time.RFC3339),
		"triggered_by": active.TriggeredBy,
	})
}

// Cancel handles DELETE /api/runs/current.
func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	active, err := h.Manager.Cancel()
	if err != nil {
		if errors.Is(err, pipeline.ErrNoActiveRun) {
			writeError(w, http.StatusNotFound, "NO_ACTIVE_RUN", "No run is currently in progress")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":         active.ID,
		"status":     "cancelling",
		"started_at": active.StartedAt.UTC().Format(time.RFC3339),
	})
}

// List handles GET /api/runs: run history, newest first.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	runs, err := pipeline.ListRuns(r.Context(), h.DB, limit, offset)
	if err != nil {
		slog.Error("runs list", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	total, err := pipeline.CountRuns(r.Context(), h.DB)
	if err != nil {
		slog.Error("runs count", "error", err)
	}

	writeJSON(w, http.StatusOK, ListResponse[pipeline.Run]{
		Items:  runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// Get handles GET /api/runs/{id}.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid run ID")
		return
	}

	run, err := pipeline.GetRun(r.Context(), h.DB, id)
	if errors.Is(err, pipeline.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}
