// Package pipeline runs scan-and-upload passes: it scans a tree into an
// index, plans batches of files the store has not seen, uploads and commits
// them, and records what was committed.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eargollo/camsync/internal/batch"
	"github.com/eargollo/camsync/internal/remote"
	"github.com/eargollo/camsync/internal/scan"
	"github.com/eargollo/camsync/internal/store"
	"github.com/eargollo/camsync/internal/upload"
)

// Config holds everything a run needs besides its collaborators.
type Config struct {
	Root              string
	DestPrefix        string
	MaxBatchItems     int
	ConcurrentBatches int
	Scan              scan.Config
	Upload            upload.Options
}

// Runner executes runs against one database and remote.
type Runner struct {
	db     *sql.DB
	store  *store.Store
	remote remote.Transfer
	cfg    Config
}

// NewRunner creates a Runner. db must be migrated.
func NewRunner(db *sql.DB, t remote.Transfer, cfg Config) *Runner {
	if cfg.MaxBatchItems < 1 {
		cfg.MaxBatchItems = 1000
	}
	if cfg.ConcurrentBatches < 1 {
		cfg.ConcurrentBatches = 2
	}
	return &Runner{db: db, store: store.New(db), remote: t, cfg: cfg}
}

// Run creates a run record, executes the run and returns its report. The
// report is returned even when err is set.
func (r *Runner) Run(ctx context.Context, triggeredBy string, progress *Progress) (*Report, error) {
	startedAt := time.Now()
	runID, err := insertRun(ctx, r.db, startedAt, triggeredBy, r.cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}
	return r.execute(ctx, runID, triggeredBy, startedAt, progress)
}

// execute runs the pipeline for an already-created run record.
func (r *Runner) execute(ctx context.Context, runID int64, triggeredBy string, startedAt time.Time, progress *Progress) (*Report, error) {
	if progress == nil {
		progress = &Progress{}
	}
	slog.Info("run started", "id", runID, "root", r.cfg.Root, "triggered_by", triggeredBy)

	rep := &Report{RunID: runID, Root: r.cfg.Root, StartedAt: startedAt}

	reporterStop := make(chan struct{})
	go progressReporter(ctx, r.db, runID, progress, reporterStop)

	runErr := r.run(ctx, rep, progress)
	close(reporterStop)
	progress.setPhase(PhaseDone)

	rep.Status = "completed"
	if ctx.Err() != nil {
		rep.Status = "cancelled"
		if runErr == nil {
			runErr = ctx.Err()
		}
	} else if runErr != nil {
		rep.Status = "failed"
	}
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	rep.FinishedAt = time.Now()

	if err := finaliseRun(r.db, rep); err != nil {
		slog.Error("finalise run record", "id", runID, "error", err)
	}

	slog.Info("run finished", "id", runID, "status", rep.Status,
		"scanned", rep.FilesScanned, "uploaded", rep.Uploaded,
		"failed", len(rep.UploadFailures)+len(rep.FinalizeFailures),
		"duration", rep.FinishedAt.Sub(startedAt).Round(time.Millisecond))
	return rep, runErr
}

func (r *Runner) run(ctx context.Context, rep *Report, progress *Progress) error {
	var mu sync.Mutex
	report := func(p, stage, msg string) {
		slog.Warn("file skipped", "path", p, "stage", stage, "error", msg)
		mu.Lock()
		rep.Skipped = append(rep.Skipped, Skip{Path: p, Stage: stage, Reason: msg})
		mu.Unlock()
	}

	progress.setPhase(PhaseScanning)
	idx, err := scan.New(r.cfg.Scan).Run(ctx, r.cfg.Root, &progress.Scan, report)
	rep.FilesScanned = progress.Scan.FilesDiscovered.Load()
	if err != nil {
		return fmt.Errorf("scan %s: %w", r.cfg.Root, err)
	}
	rep.Indexed = idx.Sum()
	rep.Buckets = len(idx)

	progress.setPhase(PhaseUploading)
	up := upload.New(r.remote, r.cfg.Upload, &progress.Upload)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ConcurrentBatches)
	dispatch := func(b batch.Batch) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		progress.Scheduled.Add(int64(len(b.Items)))
		g.Go(func() error {
			out, err := up.UploadBatch(gctx, b)
			if err != nil {
				return err
			}
			progress.BatchesDone.Add(1)
			return r.absorb(gctx, rep, &mu, progress, out)
		})
		return nil
	}

	stats, planErr := batch.Plan(ctx, idx, r.store, r.cfg.MaxBatchItems, r.cfg.DestPrefix, dispatch)
	waitErr := g.Wait()

	rep.Duplicates = stats.Duplicates
	rep.Scheduled = stats.Scheduled
	rep.Batches = stats.Batches

	if waitErr != nil {
		return waitErr
	}
	if planErr != nil {
		return fmt.Errorf("plan batches: %w", planErr)
	}
	return nil
}

// absorb folds one batch outcome into the report and records every
// committed file in the store.
func (r *Runner) absorb(ctx context.Context, rep *Report, mu *sync.Mutex, progress *Progress, out upload.Outcome) error {
	var conflicts []string
	for _, item := range out.Committed {
		err := r.store.Record(ctx, path.Base(item.Destination), item.Digest)
		if errors.Is(err, store.ErrConflict) {
			slog.Warn("committed file already recorded", "dest", item.Destination, "digest", item.Digest)
			conflicts = append(conflicts, item.Destination)
			continue
		}
		if err != nil {
			return err
		}
		progress.Committed.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	rep.Uploaded += len(out.Committed)
	rep.BytesUploaded += out.Bytes
	rep.RecordConflicts = append(rep.RecordConflicts, conflicts...)
	for _, f := range out.Failed {
		rep.UploadFailures = append(rep.UploadFailures, UploadFailure{
			Source:      f.Item.Source,
			Destination: f.Item.Destination,
			SessionID:   f.SessionID,
			Stage:       f.Stage,
			Reason:      f.Err.Error(),
		})
	}
	if out.CommitErr != nil {
		for _, s := range out.Pending {
			rep.FinalizeFailures = append(rep.FinalizeFailures, FinalizeFailure{
				Batch:         out.Seq,
				Source:        s.Source,
				Destination:   s.Destination,
				SessionID:     s.ID,
				Indeterminate: out.CommitErr.Indeterminate,
				Reason:        out.CommitErr.Err.Error(),
			})
		}
	}
	return nil
}
