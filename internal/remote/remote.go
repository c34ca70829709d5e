// Package remote defines the session-based transfer protocol the uploader
// speaks, independent of the storage service behind it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// FinishArg commits one closed session to its destination path.
type FinishArg struct {
	SessionID   string
	Offset      int64 // total bytes appended
	Path        string
	ContentHash string
}

// EntryResult is the per-file outcome of a batch commit, in request order.
type EntryResult struct {
	Path        string
	ContentHash string
	Err         error
}

// BatchLaunch is the answer to FinishBatch: either the entries are already
// committed, or JobID names an asynchronous job to poll.
type BatchLaunch struct {
	JobID   string
	Entries []EntryResult
}

// JobStatus is the state of an asynchronous batch commit.
type JobStatus int

const (
	JobInProgress JobStatus = iota
	JobComplete
)

// BatchStatus is the answer to CheckBatch.
type BatchStatus struct {
	Status  JobStatus
	Entries []EntryResult
}

// Entry is one file found by List.
type Entry struct {
	Path        string
	Name        string
	ContentHash string
	Size        int64
}

// Transfer is a resumable, chunked upload protocol with batch commit.
type Transfer interface {
	// BlockSize is the append granularity; every append except the closing
	// one must be exactly this long.
	BlockSize() int64
	StartSession(ctx context.Context, size int64) (string, error)
	Append(ctx context.Context, sessionID string, offset int64, data []byte, close bool) error
	FinishBatch(ctx context.Context, entries []FinishArg) (BatchLaunch, error)
	CheckBatch(ctx context.Context, jobID string) (BatchStatus, error)
}

// Lister pages through the files of one remote folder.
type Lister interface {
	List(ctx context.Context, dir string, fn func(Entry) error) error
}

// Aborter is implemented by transfers that hold server-side state for
// abandoned sessions.
type Aborter interface {
	Abort(ctx context.Context, sessionID string) error
}

// Remote is a transfer that can also list what it stores.
type Remote interface {
	Transfer
	Lister
}

// APIError is a non-success answer from a remote service.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote %d: %s", e.Status, e.Message)
}

// IsRetriable reports whether err is a throttling, server-side or network
// failure that may succeed when repeated.
func IsRetriable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
