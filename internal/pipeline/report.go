package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Skip is a file left out of the index or the upload, with the stage that
// rejected it.
type Skip struct {
	Path   string `json:"path"`
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// UploadFailure is a file whose transfer or commit entry failed. It is
// retried on the next run.
type UploadFailure struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	SessionID   string `json:"session_id,omitempty"`
	Stage       string `json:"stage"`
	Reason      string `json:"reason"`
}

// FinalizeFailure is a file caught in a failed batch commit. When
// Indeterminate is set the file may exist remotely even though it was not
// recorded.
type FinalizeFailure struct {
	Batch         int    `json:"batch"`
	Source        string `json:"source"`
	Destination   string `json:"destination"`
	SessionID     string `json:"session_id"`
	Indeterminate bool   `json:"indeterminate"`
	Reason        string `json:"reason"`
}

// Report is the outcome of one run.
type Report struct {
	RunID            int64             `json:"run_id"`
	Root             string            `json:"root"`
	Status           string            `json:"status"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       time.Time         `json:"finished_at"`
	FilesScanned     int64             `json:"files_scanned"`
	Indexed          int               `json:"indexed"`
	Buckets          int               `json:"buckets"`
	Skipped          []Skip            `json:"skipped"`
	Duplicates       int               `json:"duplicates"`
	Scheduled        int               `json:"scheduled"`
	Batches          int               `json:"batches"`
	Uploaded         int               `json:"uploaded"`
	BytesUploaded    int64             `json:"bytes_uploaded"`
	UploadFailures   []UploadFailure   `json:"upload_failures"`
	FinalizeFailures []FinalizeFailure `json:"finalize_failures"`
	RecordConflicts  []string          `json:"record_conflicts"`
	Error            string            `json:"error,omitempty"`
}

// Summary renders the report for a terminal.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %d %s in %s\n", r.RunID, r.Status, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(&b, "  scanned    %s files (%s indexed in %s buckets, %d skipped)\n",
		humanize.Comma(r.FilesScanned), humanize.Comma(int64(r.Indexed)), humanize.Comma(int64(r.Buckets)), len(r.Skipped))
	fmt.Fprintf(&b, "  duplicates %s\n", humanize.Comma(int64(r.Duplicates)))
	fmt.Fprintf(&b, "  uploaded   %s of %s scheduled in %d batches (%s)\n",
		humanize.Comma(int64(r.Uploaded)), humanize.Comma(int64(r.Scheduled)), r.Batches, humanize.IBytes(uint64(r.BytesUploaded)))
	if n := len(r.UploadFailures); n > 0 {
		fmt.Fprintf(&b, "  failed     %d files\n", n)
	}
	if n := len(r.FinalizeFailures); n > 0 {
		indeterminate := 0
		for _, f := range r.FinalizeFailures {
			if f.Indeterminate {
				indeterminate++
			}
		}
		fmt.Fprintf(&b, "  unfinalized %d files (%d need manual reconciliation)\n", n, indeterminate)
	}
	if n := len(r.RecordConflicts); n > 0 {
		fmt.Fprintf(&b, "  conflicts  %d files uploaded but already recorded\n", n)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "  error      %s\n", r.Error)
	}
	return b.String()
}
