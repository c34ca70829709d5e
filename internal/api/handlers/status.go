package handlers

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/eargollo/camsync/internal/pipeline"
	"github.com/eargollo/camsync/internal/scheduler"
)

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	DB      *sql.DB
	Manager *pipeline.Manager
	Sched   *scheduler.Scheduler
	Version string
}

type statusResponse struct {
	Version   string        `json:"version"`
	ActiveRun *activeRun    `json:"active_run"`
	Schedule  scheduleInfo  `json:"schedule"`
	LastRun   *pipeline.Run `json:"last_run"`
}

type activeRun struct {
	ID          int64                     `json:"id"`
	StartedAt   time.Time                 `json:"started_at"`
	TriggeredBy string                    `json:"triggered_by"`
	Progress    pipeline.ProgressSnapshot `json:"progress"`
}

type scheduleInfo struct {
	Cron      string     `json:"cron"`
	NextRunAt *time.Time `json:"next_run_at"`
}

// ServeHTTP returns the live run, the schedule and the last finished run.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Version: h.Version}

	if a := h.Manager.ActiveRun(); a != nil {
		resp.ActiveRun = &activeRun{
			ID:          a.ID,
			StartedAt:   a.StartedAt.UTC(),
			TriggeredBy: a.TriggeredBy,
			Progress:    a.Progress.Snapshot(),
		}
	}
	if h.Sched != nil {
		resp.Schedule = scheduleInfo{Cron: h.Sched.CronExpr(), NextRunAt: h.Sched.NextRunAt()}
	}

	last, err := pipeline.LastFinishedRun(r.Context(), h.DB)
	if err != nil {
		slog.Error("status: query last run", "error", err)
	}
	resp.LastRun = last

	writeJSON(w, http.StatusOK, resp)
}
