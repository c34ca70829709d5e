package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eargollo/camsync/internal/api/handlers"
	"github.com/eargollo/camsync/internal/config"
	"github.com/eargollo/camsync/internal/pipeline"
	"github.com/eargollo/camsync/internal/scheduler"
)

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr string
	srv  *http.Server
}

// New wires all routes and returns a Server ready to Run.
func New(
	addr string,
	db *sql.DB,
	cfg *config.Config,
	mgr *pipeline.Manager,
	sched *scheduler.Scheduler,
	version string,
) *Server {
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: Routes(db, cfg, mgr, sched, version)},
	}
}

// Routes builds the router on its own so it can be served by httptest.
func Routes(db *sql.DB, cfg *config.Config, mgr *pipeline.Manager, sched *scheduler.Scheduler, version string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	statusH := &handlers.StatusHandler{DB: db, Manager: mgr, Sched: sched, Version: version}
	runsH := &handlers.RunsHandler{DB: db, Manager: mgr}
	configH := &handlers.ConfigHandler{Cfg: cfg}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.ServeHTTP)

		r.Post("/runs", runsH.Create)
		r.Get("/runs", runsH.List)
		r.Get("/runs/{id}", runsH.Get)
		r.Delete("/runs/current", runsH.Cancel)

		r.Get("/config", configH.Get)
	})
	return r
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
