package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/eargollo/camsync/internal/remote"
)

var errJobInProgress = errors.New("batch commit still in progress")

// CommitError fails a whole batch commit. When Indeterminate is set the
// remote may or may not have committed the sessions, and the destinations
// need manual reconciliation.
type CommitError struct {
	Destinations  []string
	Indeterminate bool
	Err           error
}

func (e *CommitError) Error() string {
	kind := "rejected"
	if e.Indeterminate {
		kind = "indeterminate"
	}
	return fmt.Sprintf("batch commit of %d files %s: %v", len(e.Destinations), kind, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Finalizer submits closed sessions as one batch commit and polls
// asynchronous commits to completion.
type Finalizer struct {
	remote       remote.Transfer
	callTimeout  time.Duration
	pollInterval time.Duration
	pollAttempts int
}

// NewFinalizer creates a Finalizer using the call and poll settings of opts.
func NewFinalizer(t remote.Transfer, opts Options) *Finalizer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.PollAttempts < 1 {
		opts.PollAttempts = 1
	}
	return &Finalizer{
		remote:       t,
		callTimeout:  opts.CallTimeout,
		pollInterval: opts.PollInterval,
		pollAttempts: opts.PollAttempts,
	}
}

// Commit finalizes sessions, which must all be Closed, in one request. It
// returns one result per session in the same order. Sessions whose entry
// succeeded end Complete, the others Failed. A *CommitError means no
// per-entry outcome is known.
func (f *Finalizer) Commit(ctx context.Context, sessions []*Session) ([]remote.EntryResult, error) {
	if len(sessions) == 0 {
		return nil, nil
	}

	args := make([]remote.FinishArg, 0, len(sessions))
	dests := make([]string, 0, len(sessions))
	for _, s := range sessions {
		arg, err := s.Descriptor()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		dests = append(dests, s.Destination)
	}

	failAll := func(err error, indeterminate bool) error {
		for _, s := range sessions {
			s.fail()
		}
		return &CommitError{Destinations: dests, Indeterminate: indeterminate, Err: err}
	}

	var launch remote.BatchLaunch
	err := callWithTimeout(ctx, f.callTimeout, func(ctx context.Context) error {
		var err error
		launch, err = f.remote.FinishBatch(ctx, args)
		return err
	})
	if err != nil {
		var apiErr *remote.APIError
		rejected := errors.As(err, &apiErr) && !remote.IsRetriable(err)
		return nil, failAll(fmt.Errorf("finish batch: %w", err), !rejected)
	}

	entries := launch.Entries
	if launch.JobID != "" {
		slog.Debug("batch commit deferred", "job", launch.JobID, "files", len(sessions))
		entries, err = f.poll(ctx, launch.JobID)
		if err != nil {
			return nil, failAll(fmt.Errorf("poll job %s: %w", launch.JobID, err), true)
		}
	}

	if len(entries) != len(sessions) {
		return nil, failAll(fmt.Errorf("commit returned %d entries for %d sessions", len(entries), len(sessions)), true)
	}
	for i, e := range entries {
		if e.Err != nil {
			sessions[i].fail()
			continue
		}
		if err := sessions[i].transition(Complete); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// poll checks the job until it completes. InProgress answers and retriable
// errors are retried with exponential backoff up to pollAttempts checks;
// any other error ends polling at once.
func (f *Finalizer) poll(ctx context.Context, jobID string) ([]remote.EntryResult, error) {
	b := retry.WithMaxRetries(uint64(f.pollAttempts-1),
		retry.WithCappedDuration(30*time.Second, retry.NewExponential(f.pollInterval)))

	var entries []remote.EntryResult
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var st remote.BatchStatus
		err := callWithTimeout(ctx, f.callTimeout, func(ctx context.Context) error {
			var err error
			st, err = f.remote.CheckBatch(ctx, jobID)
			return err
		})
		switch {
		case err != nil && remote.IsRetriable(err):
			return retry.RetryableError(err)
		case err != nil:
			return err
		case st.Status == remote.JobInProgress:
			return retry.RetryableError(errJobInProgress)
		}
		entries = st.Entries
		return nil
	})
	return entries, err
}
