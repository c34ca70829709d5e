package scan

import "sync/atomic"

// Progress holds live counters updated by the scan stages.
// All fields are atomic so they can be written from worker goroutines and
// read from the HTTP handler without locks.
type Progress struct {
	FilesDiscovered atomic.Int64 // WorkFile messages consumed by the aggregator
	FilesIndexed    atomic.Int64
	FilesSkipped    atomic.Int64
	BytesHashed     atomic.Int64
	BatchesDone     atomic.Int64
}

// ErrorReporter records a per-file pipeline error. Implementations log it
// and keep it for the run report.
type ErrorReporter func(path, stage, errMsg string)

func discardErrors(string, string, string) {}
