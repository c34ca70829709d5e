package pipeline

import (
	"sync/atomic"

	"github.com/eargollo/camsync/internal/scan"
	"github.com/eargollo/camsync/internal/upload"
)

// Phase is the stage a run is in.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseScanning
	PhaseUploading
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseScanning:
		return "scanning"
	case PhaseUploading:
		return "uploading"
	case PhaseDone:
		return "done"
	default:
		return "starting"
	}
}

// Progress holds the live counters of one run. It is safe to read while the
// run writes it.
type Progress struct {
	Scan   scan.Progress
	Upload upload.Progress

	Scheduled   atomic.Int64
	Committed   atomic.Int64
	BatchesDone atomic.Int64

	phase atomic.Int32
}

func (p *Progress) setPhase(ph Phase) { p.phase.Store(int32(ph)) }

// Phase returns the current phase.
func (p *Progress) Phase() Phase { return Phase(p.phase.Load()) }

// ProgressSnapshot is a point-in-time copy of Progress.
type ProgressSnapshot struct {
	Phase           string `json:"phase"`
	FilesDiscovered int64  `json:"files_discovered"`
	FilesIndexed    int64  `json:"files_indexed"`
	FilesSkipped    int64  `json:"files_skipped"`
	BytesHashed     int64  `json:"bytes_hashed"`
	Scheduled       int64  `json:"scheduled"`
	Committed       int64  `json:"committed"`
	BatchesDone     int64  `json:"batches_done"`
	BytesUploaded   int64  `json:"bytes_uploaded"`
	SessionsFailed  int64  `json:"sessions_failed"`
}

// Snapshot copies the counters.
func (p *Progress) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		Phase:           p.Phase().String(),
		FilesDiscovered: p.Scan.FilesDiscovered.Load(),
		FilesIndexed:    p.Scan.FilesIndexed.Load(),
		FilesSkipped:    p.Scan.FilesSkipped.Load(),
		BytesHashed:     p.Scan.BytesHashed.Load(),
		Scheduled:       p.Scheduled.Load(),
		Committed:       p.Committed.Load(),
		BatchesDone:     p.BatchesDone.Load(),
		BytesUploaded:   p.Upload.BytesUploaded.Load(),
		SessionsFailed:  p.Upload.SessionsFailed.Load(),
	}
}
