package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrRunNotFound is returned by GetRun for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// Run is one row of the run history.
type Run struct {
	ID               int64      `json:"id"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Status           string     `json:"status"`
	TriggeredBy      string     `json:"triggered_by"`
	Root             string     `json:"root"`
	FilesScanned     int64      `json:"files_scanned"`
	FilesSkipped     int64      `json:"files_skipped"`
	Duplicates       int64      `json:"duplicates"`
	Scheduled        int64      `json:"scheduled"`
	Uploaded         int64      `json:"uploaded"`
	UploadFailures   int64      `json:"upload_failures"`
	FinalizeFailures int64      `json:"finalize_failures"`
	RecordConflicts  int64      `json:"record_conflicts"`
	BytesUploaded    int64      `json:"bytes_uploaded"`
	Error            string     `json:"error,omitempty"`

	// Only filled by GetRun.
	Skips       []Skip            `json:"skips,omitempty"`
	Unfinalized []FinalizeFailure `json:"finalize_failure_details,omitempty"`
}

func insertRun(ctx context.Context, db *sql.DB, startedAt time.Time, triggeredBy, root string) (int64, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO runs (started_at, status, triggered_by, root)
		VALUES (?, 'running', ?, ?)`,
		startedAt.Unix(), triggeredBy, root)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// finaliseRun stores the final counters and the per-file details of r. It
// runs on its own context so a cancelled run is still recorded.
func finaliseRun(db *sql.DB, r *Report) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var errMsg any
	if r.Error != "" {
		errMsg = r.Error
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE runs
		SET status            = ?,
		    finished_at       = ?,
		    files_scanned     = ?,
		    files_skipped     = ?,
		    duplicates        = ?,
		    scheduled         = ?,
		    uploaded          = ?,
		    upload_failures   = ?,
		    finalize_failures = ?,
		    record_conflicts  = ?,
		    bytes_uploaded    = ?,
		    error             = ?
		WHERE id = ?`,
		r.Status, r.FinishedAt.Unix(),
		r.FilesScanned, len(r.Skipped), r.Duplicates, r.Scheduled, r.Uploaded,
		len(r.UploadFailures), len(r.FinalizeFailures), len(r.RecordConflicts),
		r.BytesUploaded, errMsg, r.RunID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	skip, err := tx.PrepareContext(ctx, `INSERT INTO run_skips (run_id, path, stage, message) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer skip.Close()
	for _, s := range r.Skipped {
		if _, err := skip.ExecContext(ctx, r.RunID, s.Path, s.Stage, s.Reason); err != nil {
			return fmt.Errorf("insert skip: %w", err)
		}
	}
	for _, f := range r.UploadFailures {
		if _, err := skip.ExecContext(ctx, r.RunID, f.Source, f.Stage, f.Reason); err != nil {
			return fmt.Errorf("insert upload failure: %w", err)
		}
	}

	ff, err := tx.PrepareContext(ctx, `
		INSERT INTO finalize_failures
			(run_id, batch_seq, destination, source, session_id, indeterminate, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer ff.Close()
	now := time.Now().Unix()
	for _, f := range r.FinalizeFailures {
		if _, err := ff.ExecContext(ctx, r.RunID, f.Batch, f.Destination, f.Source, f.SessionID, f.Indeterminate, f.Reason, now); err != nil {
			return fmt.Errorf("insert finalize failure: %w", err)
		}
	}
	return tx.Commit()
}

// MarkStaleRunsFailed marks runs still in 'running' state as failed. It is
// called once at startup in case a previous process died mid-run.
func MarkStaleRunsFailed(ctx context.Context, db *sql.DB) error {
	res, err := db.ExecContext(ctx, `
		UPDATE runs
		SET status = 'failed', finished_at = ?, error = 'interrupted'
		WHERE status = 'running'`,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("mark stale runs failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("marked stale runs as failed", "count", n)
	}
	return nil
}

const runColumns = `id, started_at, finished_at, status, triggered_by, root,
	files_scanned, files_skipped, duplicates, scheduled, uploaded,
	upload_failures, finalize_failures, record_conflicts, bytes_uploaded, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
		errMsg   sql.NullString
	)
	err := row.Scan(&r.ID, &started, &finished, &r.Status, &r.TriggeredBy, &r.Root,
		&r.FilesScanned, &r.FilesSkipped, &r.Duplicates, &r.Scheduled, &r.Uploaded,
		&r.UploadFailures, &r.FinalizeFailures, &r.RecordConflicts, &r.BytesUploaded, &errMsg)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(started, 0)
	if finished.Valid {
		t := time.Unix(finished.Int64, 0)
		r.FinishedAt = &t
	}
	r.Error = errMsg.String
	return r, nil
}

// ListRuns returns a page of the run history, newest first.
func ListRuns(ctx context.Context, db *sql.DB, limit, offset int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CountRuns returns the number of recorded runs.
func CountRuns(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// LastFinishedRun returns the most recent run that is no longer running, or
// nil if there is none.
func LastFinishedRun(ctx context.Context, db *sql.DB) (*Run, error) {
	r, err := scanRun(db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status != 'running' ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last finished run: %w", err)
	}
	return &r, nil
}

// GetRun returns one run with its skipped files and finalize failures.
func GetRun(ctx context.Context, db *sql.DB, id int64) (*Run, error) {
	r, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}

	rows, err := db.QueryContext(ctx, `SELECT path, stage, message FROM run_skips WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list skips: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Skip
		if err := rows.Scan(&s.Path, &s.Stage, &s.Reason); err != nil {
			return nil, err
		}
		r.Skips = append(r.Skips, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	frows, err := db.QueryContext(ctx, `
		SELECT batch_seq, source, destination, session_id, indeterminate, message
		FROM finalize_failures WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list finalize failures: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var f FinalizeFailure
		if err := frows.Scan(&f.Batch, &f.Source, &f.Destination, &f.SessionID, &f.Indeterminate, &f.Reason); err != nil {
			return nil, err
		}
		r.Unfinalized = append(r.Unfinalized, f)
	}
	return &r, frows.Err()
}

// progressReporter copies the live counters into the run row every second
// until stop is closed.
func progressReporter(ctx context.Context, db *sql.DB, runID int64, p *Progress, stop <-chan struct{}) {
	flush := func() {
		_, err := db.ExecContext(ctx, `
			UPDATE runs
			SET files_scanned  = ?,
			    files_skipped  = ?,
			    scheduled      = ?,
			    uploaded       = ?,
			    bytes_uploaded = ?
			WHERE id = ? AND status = 'running'`,
			p.Scan.FilesDiscovered.Load(),
			p.Scan.FilesSkipped.Load(),
			p.Scheduled.Load(),
			p.Committed.Load(),
			p.Upload.BytesUploaded.Load(),
			runID)
		if err != nil && ctx.Err() == nil {
			slog.Warn("progress reporter: update failed", "error", err)
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			flush()
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
