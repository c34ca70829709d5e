package upload

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eargollo/camsync/internal/batch"
)

// Upload stages reported in ItemError.
const (
	StageUpload = "upload"
	StageCommit = "commit"
)

// ItemError is a per-file failure inside a batch.
type ItemError struct {
	Item      batch.Item
	SessionID string
	Stage     string
	Err       error
}

// Outcome is the result of one batch.
type Outcome struct {
	Seq       int
	Committed []batch.Item
	Failed    []ItemError
	// CommitErr is set when the batch commit as a whole failed. Sessions
	// listed in Pending were closed and submitted; their remote state is
	// described by CommitErr.Indeterminate.
	CommitErr *CommitError
	Pending   []*Session
	Bytes     int64
	Duration  time.Duration
}

// UploadBatch uploads every item of b concurrently (at most ConcurrentFiles
// at a time), then commits the sessions that closed cleanly in one batch.
// Per-file failures never affect the other files. Only cancellation is
// returned as an error.
func (u *Uploader) UploadBatch(ctx context.Context, b batch.Batch) (Outcome, error) {
	start := time.Now()
	out := Outcome{Seq: b.Seq}

	sessions := make([]*Session, len(b.Items))
	errs := make([]error, len(b.Items))

	var g errgroup.Group
	g.SetLimit(u.opts.ConcurrentFiles)
	for i, item := range b.Items {
		g.Go(func() error {
			sessions[i], errs[i] = u.UploadFile(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return out, err
	}

	var ready []*Session
	var readyItems []batch.Item
	for i, item := range b.Items {
		if errs[i] != nil {
			ie := ItemError{Item: item, Stage: StageUpload, Err: errs[i]}
			if sessions[i] != nil {
				ie.SessionID = sessions[i].ID
			}
			out.Failed = append(out.Failed, ie)
			slog.Warn("upload failed", "path", item.Source, "dest", item.Destination, "error", errs[i])
			continue
		}
		ready = append(ready, sessions[i])
		readyItems = append(readyItems, item)
	}

	results, err := u.finalizer.Commit(ctx, ready)
	if err != nil {
		var ce *CommitError
		if !errors.As(err, &ce) {
			ce = &CommitError{Indeterminate: true, Err: err}
			for _, s := range ready {
				ce.Destinations = append(ce.Destinations, s.Destination)
			}
		}
		out.CommitErr = ce
		out.Pending = ready
		if !ce.Indeterminate {
			// Rejected outright: the sessions can never be committed.
			for _, s := range ready {
				u.abort(s)
			}
		}
		out.Duration = time.Since(start)
		slog.Error("batch commit failed", "batch", b.Seq, "files", len(ready), "indeterminate", ce.Indeterminate, "error", ce.Err)
		return out, nil
	}

	for i, res := range results {
		item := readyItems[i]
		if res.Err != nil {
			out.Failed = append(out.Failed, ItemError{Item: item, SessionID: ready[i].ID, Stage: StageCommit, Err: res.Err})
			slog.Warn("commit entry failed", "path", item.Source, "dest", item.Destination, "error", res.Err)
			u.abort(ready[i])
			continue
		}
		out.Committed = append(out.Committed, item)
		out.Bytes += ready[i].Size
	}
	out.Duration = time.Since(start)
	slog.Info("batch committed", "batch", b.Seq,
		"committed", len(out.Committed), "failed", len(out.Failed),
		"duration", out.Duration.Round(time.Millisecond))
	return out, nil
}
