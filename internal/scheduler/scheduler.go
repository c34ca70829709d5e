package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps robfig/cron and tracks the next scheduled run.
type Scheduler struct {
	mu       sync.RWMutex
	c        *cron.Cron
	entryID  cron.EntryID
	cronExpr string
}

// New creates a stopped Scheduler that evaluates expressions in loc. Call
// Start to activate it.
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelError))
	return &Scheduler{
		c: cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(logger))),
	}
}

// SetJob replaces the current cron job with the given expression and callback.
// If the scheduler is already running, the new job takes effect immediately.
// An empty expression removes the job.
func (s *Scheduler) SetJob(expr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expr == "" {
		s.clearLocked()
		slog.Info("scheduler: job removed")
		return nil
	}

	// Validate before dropping the previous job.
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s.clearLocked()

	id, err := s.c.AddFunc(expr, fn)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s.entryID = id
	s.cronExpr = expr
	slog.Info("scheduler: job set", "cron", expr)
	return nil
}

func (s *Scheduler) clearLocked() {
	if s.entryID != 0 {
		s.c.Remove(s.entryID)
	}
	s.entryID = 0
	s.cronExpr = ""
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the cron loop and waits for a job in progress to return.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

// NextRunAt returns the next scheduled time, or nil if no job is set or the
// scheduler is not started.
func (s *Scheduler) NextRunAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.entryID == 0 {
		return nil
	}
	entry := s.c.Entry(s.entryID)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	t := entry.Next
	return &t
}

// CronExpr returns the current cron expression.
func (s *Scheduler) CronExpr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cronExpr
}
