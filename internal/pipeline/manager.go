package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned when a run is started while one is in progress.
var ErrAlreadyRunning = errors.New("a run is already in progress")

// ErrNoActiveRun is returned when cancel is called with no run in progress.
var ErrNoActiveRun = errors.New("no run is currently in progress")

// ActiveRun holds live information about the run in progress.
type ActiveRun struct {
	ID          int64
	StartedAt   time.Time
	TriggeredBy string
	Progress    *Progress

	done chan struct{}
}

// Done is closed when the run has finished and its record is final.
func (a *ActiveRun) Done() <-chan struct{} { return a.done }

// Manager enforces a single active run and exposes start/cancel.
// It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	runner *Runner

	active   *ActiveRun
	cancelFn context.CancelFunc
	last     *Report
}

// NewManager creates a Manager around runner.
func NewManager(runner *Runner) *Manager {
	return &Manager{runner: runner}
}

// Start launches an asynchronous run. The run record exists when Start
// returns, so its ID can be handed out immediately.
func (m *Manager) Start(parentCtx context.Context, triggeredBy string) (*ActiveRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, ErrAlreadyRunning
	}

	startedAt := time.Now()
	runID, err := insertRun(parentCtx, m.runner.db, startedAt, triggeredBy, m.runner.cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}

	runCtx, cancel := context.WithCancel(parentCtx)
	active := &ActiveRun{
		ID:          runID,
		StartedAt:   startedAt,
		TriggeredBy: triggeredBy,
		Progress:    &Progress{},
		done:        make(chan struct{}),
	}
	m.active = active
	m.cancelFn = cancel

	go func() {
		defer close(active.done)
		rep, err := m.runner.execute(runCtx, runID, triggeredBy, startedAt, active.Progress)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "id", runID, "error", err)
		}
		cancel()

		m.mu.Lock()
		m.active = nil
		m.cancelFn = nil
		m.last = rep
		m.mu.Unlock()
	}()

	return active, nil
}

// Cancel stops the run in progress. Returns ErrNoActiveRun if idle.
func (m *Manager) Cancel() (*ActiveRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoActiveRun
	}
	m.cancelFn()
	return m.active, nil
}

// ActiveRun returns the run in progress, or nil when idle.
func (m *Manager) ActiveRun() *ActiveRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// LastReport returns the report of the most recently finished run, or nil.
func (m *Manager) LastReport() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
