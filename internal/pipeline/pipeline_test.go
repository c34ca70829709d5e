package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	internaldb "github.com/eargollo/camsync/internal/db"
	"github.com/eargollo/camsync/internal/digest"
	"github.com/eargollo/camsync/internal/remote"
	"github.com/eargollo/camsync/internal/remote/remotetest"
	"github.com/eargollo/camsync/internal/scan"
	"github.com/eargollo/camsync/internal/store"
	"github.com/eargollo/camsync/internal/testutil"
	"github.com/eargollo/camsync/internal/upload"
)

// mustOpenDB opens a temp file SQLite database with the full schema applied.
func mustOpenDB(tb testing.TB) *sql.DB {
	tb.Helper()
	db, err := internaldb.Open(filepath.Join(tb.TempDir(), "test.db"))
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	if err := internaldb.RunMigrations(db); err != nil {
		db.Close()
		tb.Fatalf("run migrations: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return db
}

var (
	shot1 = time.Date(2024, 3, 9, 14, 15, 16, 0, time.UTC)
	shot2 = time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
)

// mediaTree writes two pictures from the same second, a byte-identical
// copy of the first, a movie, a JPEG without EXIF and a text file.
func mediaTree(t *testing.T) (root string, files map[string][]byte) {
	t.Helper()
	root = t.TempDir()
	files = map[string][]byte{
		"a.jpg":           testutil.JPEG(shot1, []byte("a")),
		"b.jpg":           testutil.JPEG(shot1, []byte("b")),
		"clips/c.mp4":     testutil.MP4(shot2, []byte("c")),
		"broken/bad.jpg":  []byte("not a jpeg"),
		"notes/readme.md": []byte("ignored"),
	}
	files["copies/a_copy.jpg"] = files["a.jpg"]
	for name, data := range files {
		testutil.WriteFile(t, root, name, data)
	}
	return root, files
}

func testConfig(root string) Config {
	sc := scan.DefaultConfig()
	sc.BatchSize = 2
	opts := upload.DefaultOptions()
	opts.PollInterval = time.Millisecond
	opts.PollAttempts = 3
	opts.CallTimeout = 5 * time.Second
	return Config{
		Root:              root,
		DestPrefix:        "Camera Uploads",
		MaxBatchItems:     2,
		ConcurrentBatches: 2,
		Scan:              sc,
		Upload:            opts,
	}
}

// TestRunUploadsNewFilesOnce: the first run uploads every distinct file
// under its bucket name; the second run finds everything recorded and
// uploads nothing.
func TestRunUploadsNewFilesOnce(t *testing.T) {
	db := mustOpenDB(t)
	root, files := mediaTree(t)
	fake := remotetest.New(1024)
	runner := NewRunner(db, fake, testConfig(root))

	rep, err := runner.Run(context.Background(), "test", nil)
	require.NoError(t, err)
	require.Equal(t, "completed", rep.Status)
	require.Equal(t, int64(5), rep.FilesScanned)
	require.Equal(t, 4, rep.Indexed)
	require.Equal(t, 2, rep.Buckets)
	require.Len(t, rep.Skipped, 1)
	require.Equal(t, filepath.Join(root, "broken/bad.jpg"), rep.Skipped[0].Path)
	require.Equal(t, scan.StageMetadata, rep.Skipped[0].Stage)
	require.Equal(t, 1, rep.Duplicates)
	require.Equal(t, 3, rep.Scheduled)
	require.Equal(t, 2, rep.Batches)
	require.Equal(t, 3, rep.Uploaded)
	require.Empty(t, rep.UploadFailures)
	require.Empty(t, rep.FinalizeFailures)

	require.Equal(t, map[string][]byte{
		"/Camera Uploads/2024-03-09 14:15:16.JPG":   files["a.jpg"],
		"/Camera Uploads/2024-03-09 14:15:16_1.JPG": files["b.jpg"],
		"/Camera Uploads/2024-03-10 08:00:00.MP4":   files["clips/c.mp4"],
	}, fake.Files())

	st := store.New(db)
	n, err := st.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	again, err := runner.Run(context.Background(), "test", nil)
	require.NoError(t, err)
	require.Zero(t, again.Scheduled)
	require.Zero(t, again.Uploaded)
	require.Equal(t, 4, again.Duplicates)
	require.Len(t, fake.Files(), 3)

	got, err := GetRun(context.Background(), db, rep.RunID)
	require.NoError(t, err)
	require.Equal(t, "completed", got.Status)
	require.Equal(t, int64(3), got.Uploaded)
	require.Equal(t, int64(1), got.FilesSkipped)
	require.Len(t, got.Skips, 1)
	require.NotNil(t, got.FinishedAt)

	runs, err := ListRuns(context.Background(), db, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, again.RunID, runs[0].ID)

	runCount, err := CountRuns(context.Background(), db)
	require.NoError(t, err)
	require.Equal(t, 2, runCount)

	last, err := LastFinishedRun(context.Background(), db)
	require.NoError(t, err)
	require.Equal(t, again.RunID, last.ID)
}

// TestRunRecordsFinalizeFailures: a commit the remote answers with a server
// error leaves every file of the batch unrecorded and listed for manual
// reconciliation.
func TestRunRecordsFinalizeFailures(t *testing.T) {
	db := mustOpenDB(t)
	root, _ := mediaTree(t)
	fake := remotetest.New(1024)
	fake.FinishErr = &remote.APIError{Status: 500, Message: "internal"}
	cfg := testConfig(root)
	cfg.MaxBatchItems = 10

	rep, err := NewRunner(db, fake, cfg).Run(context.Background(), "test", nil)
	require.NoError(t, err)
	require.Equal(t, "completed", rep.Status)
	require.Zero(t, rep.Uploaded)
	require.Len(t, rep.FinalizeFailures, 3)
	for _, f := range rep.FinalizeFailures {
		require.True(t, f.Indeterminate)
		require.Equal(t, 1, f.Batch)
		require.NotEmpty(t, f.SessionID)
	}

	n, err := store.New(db).Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := GetRun(context.Background(), db, rep.RunID)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.FinalizeFailures)
	require.Len(t, got.Unfinalized, 3)
	require.True(t, got.Unfinalized[0].Indeterminate)
}

// TestRunIsolatesUploadFailures: every append fails, so nothing is
// uploaded, yet the run completes and reports each file.
func TestRunIsolatesUploadFailures(t *testing.T) {
	db := mustOpenDB(t)
	root, _ := mediaTree(t)
	fake := remotetest.New(1024)
	fake.FailAppend = func(string, int64) error { return errors.New("connection refused") }

	rep, err := NewRunner(db, fake, testConfig(root)).Run(context.Background(), "test", nil)
	require.NoError(t, err)
	require.Equal(t, "completed", rep.Status)
	require.Zero(t, rep.Uploaded)
	require.Len(t, rep.UploadFailures, 3)
	require.Equal(t, upload.StageUpload, rep.UploadFailures[0].Stage)
	require.Len(t, fake.Aborted(), 3)

	got, err := GetRun(context.Background(), db, rep.RunID)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.UploadFailures)
	require.Len(t, got.Skips, 4) // one scan skip and three upload failures
}

func TestRunMissingRootFails(t *testing.T) {
	db := mustOpenDB(t)
	rep, err := NewRunner(db, remotetest.New(1024), testConfig(filepath.Join(t.TempDir(), "nope"))).
		Run(context.Background(), "test", nil)
	require.ErrorIs(t, err, scan.ErrNotADirectory)
	require.Equal(t, "failed", rep.Status)

	got, err := GetRun(context.Background(), db, rep.RunID)
	require.NoError(t, err)
	require.Equal(t, "failed", got.Status)
	require.NotEmpty(t, got.Error)
}

// TestManagerSingleActiveRun: a second start while the first run waits on
// a commit that never finishes is refused; cancelling ends the run as
// cancelled.
func TestManagerSingleActiveRun(t *testing.T) {
	db := mustOpenDB(t)
	root, _ := mediaTree(t)
	fake := remotetest.New(1024)
	fake.Async = true
	fake.PendingPolls = 1 << 30
	cfg := testConfig(root)
	cfg.Upload.PollAttempts = 1 << 20
	cfg.Upload.PollInterval = 10 * time.Millisecond

	m := NewManager(NewRunner(db, fake, cfg))
	_, err := m.Cancel()
	require.ErrorIs(t, err, ErrNoActiveRun)

	active, err := m.Start(context.Background(), "test")
	require.NoError(t, err)
	require.NotZero(t, active.ID)
	require.Same(t, active, m.ActiveRun())

	_, err = m.Start(context.Background(), "test")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	_, err = m.Cancel()
	require.NoError(t, err)

	select {
	case <-active.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	require.Nil(t, m.ActiveRun())
	require.NotNil(t, m.LastReport())
	require.Equal(t, "cancelled", m.LastReport().Status)
	require.Equal(t, PhaseDone, active.Progress.Phase())

	got, err := GetRun(context.Background(), db, active.ID)
	require.NoError(t, err)
	require.Equal(t, "cancelled", got.Status)
}

func TestMarkStaleRunsFailed(t *testing.T) {
	db := mustOpenDB(t)
	id, err := insertRun(context.Background(), db, time.Now(), "test", "/x")
	require.NoError(t, err)

	require.NoError(t, MarkStaleRunsFailed(context.Background(), db))
	got, err := GetRun(context.Background(), db, id)
	require.NoError(t, err)
	require.Equal(t, "failed", got.Status)
	require.Equal(t, "interrupted", got.Error)

	_, err = GetRun(context.Background(), db, id+1)
	require.ErrorIs(t, err, ErrRunNotFound)
}

// TestResetIndexFromRemote: the store is emptied and refilled from the
// remote folder; a second file with an already-recorded hash is a conflict.
func TestResetIndexFromRemote(t *testing.T) {
	db := mustOpenDB(t)
	st := store.New(db)
	require.NoError(t, st.Record(context.Background(), "stale.JPG", "stale"))

	fake := remotetest.New(1024)
	one := []byte("one")
	fake.Put("/Camera Uploads/2024-03-09 14:15:16.JPG", one)
	fake.Put("/Camera Uploads/2024-03-09 14:15:16_1.JPG", one)
	fake.Put("/Camera Uploads/2024-03-10 08:00:00.MP4", []byte("two"))
	fake.Put("/Elsewhere/x.JPG", []byte("three"))

	rep, err := ResetIndex(context.Background(), db, fake, "/Camera Uploads")
	require.NoError(t, err)
	require.Equal(t, 3, rep.Listed)
	require.Equal(t, 2, rep.Recorded)
	require.Equal(t, []string{"/Camera Uploads/2024-03-09 14:15:16_1.JPG"}, rep.Conflicts)

	ok, err := st.Exists(context.Background(), "stale")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = st.Exists(context.Background(), digest.BlockHash(one))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReportSummary(t *testing.T) {
	start := time.Now()
	rep := &Report{
		RunID: 7, Status: "completed", StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond),
		FilesScanned: 12345, Indexed: 12000, Buckets: 9000, Duplicates: 11000,
		Scheduled: 1000, Uploaded: 998, Batches: 1, BytesUploaded: 3 << 30,
		FinalizeFailures: []FinalizeFailure{{Indeterminate: true}, {}},
	}
	s := rep.Summary()
	require.Contains(t, s, "run 7 completed in 1.5s")
	require.Contains(t, s, "12,345 files")
	require.Contains(t, s, "998 of 1,000 scheduled in 1 batches (3.0 GiB)")
	require.Contains(t, s, "unfinalized 2 files (1 need manual reconciliation)")
}
