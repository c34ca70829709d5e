// Package remotetest provides an in-memory remote.Remote for tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/eargollo/camsync/internal/digest"
	"github.com/eargollo/camsync/internal/remote"
)

// AppendCall records one Append.
type AppendCall struct {
	SessionID string
	Offset    int64
	Len       int
	Close     bool
}

type session struct {
	size   int64
	blocks map[int64][]byte
	closed bool
}

// Fake stores committed files in memory. Hooks may be set before use.
type Fake struct {
	Block int64

	// FailAppend, when set, is consulted before every append.
	FailAppend func(sessionID string, offset int64) error
	// FinishErr fails FinishBatch outright.
	FinishErr error
	// Async makes FinishBatch return a job that reports InProgress for
	// PendingPolls checks before completing.
	Async        bool
	PendingPolls int
	// CheckErrs are returned by successive CheckBatch calls before normal
	// behaviour resumes.
	CheckErrs []error

	mu       sync.Mutex
	next     int
	sessions map[string]*session
	files    map[string][]byte
	appends  []AppendCall
	jobs     map[string]*job
	checks   int
	aborted  []string
}

type job struct {
	polls   int
	entries []remote.EntryResult
}

// New returns a Fake with the given block size.
func New(block int64) *Fake {
	return &Fake{
		Block:    block,
		sessions: map[string]*session{},
		files:    map[string][]byte{},
		jobs:     map[string]*job{},
	}
}

var _ remote.Remote = (*Fake)(nil)
var _ remote.Aborter = (*Fake)(nil)

func (f *Fake) BlockSize() int64 { return f.Block }

func (f *Fake) StartSession(ctx context.Context, size int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("sess-%d", f.next)
	f.sessions[id] = &session{size: size, blocks: map[int64][]byte{}}
	return id, nil
}

func (f *Fake) Append(ctx context.Context, id string, offset int64, data []byte, close bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.FailAppend != nil {
		if err := f.FailAppend(id, offset); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return &remote.APIError{Status: 409, Code: "not_found", Message: id}
	}
	if !close && int64(len(data)) != f.Block {
		return &remote.APIError{Status: 400, Code: "incorrect_offset", Message: "non-final append must be one block"}
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.blocks[offset] = buf
	if close {
		s.closed = true
	}
	f.appends = append(f.appends, AppendCall{SessionID: id, Offset: offset, Len: len(data), Close: close})
	return nil
}

func (f *Fake) FinishBatch(ctx context.Context, entries []remote.FinishArg) (remote.BatchLaunch, error) {
	if err := ctx.Err(); err != nil {
		return remote.BatchLaunch{}, err
	}
	if f.FinishErr != nil {
		return remote.BatchLaunch{}, f.FinishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	results := make([]remote.EntryResult, len(entries))
	for i, e := range entries {
		results[i] = f.commitLocked(e)
	}
	if !f.Async {
		return remote.BatchLaunch{Entries: results}, nil
	}
	f.next++
	id := fmt.Sprintf("job-%d", f.next)
	f.jobs[id] = &job{entries: results}
	return remote.BatchLaunch{JobID: id}, nil
}

func (f *Fake) commitLocked(e remote.FinishArg) remote.EntryResult {
	res := remote.EntryResult{Path: e.Path}
	s, ok := f.sessions[e.SessionID]
	switch {
	case !ok:
		res.Err = errors.New("unknown session")
		return res
	case !s.closed:
		res.Err = errors.New("session not closed")
		return res
	case e.Offset != s.size:
		res.Err = fmt.Errorf("cursor offset %d, size %d", e.Offset, s.size)
		return res
	}
	if _, exists := f.files[e.Path]; exists {
		res.Err = errors.New("path conflict")
		return res
	}

	offsets := make([]int64, 0, len(s.blocks))
	for off := range s.blocks {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	data := make([]byte, 0, s.size)
	for _, off := range offsets {
		if off != int64(len(data)) {
			res.Err = fmt.Errorf("gap at offset %d", len(data))
			return res
		}
		data = append(data, s.blocks[off]...)
	}
	if int64(len(data)) != s.size {
		res.Err = fmt.Errorf("got %d bytes, want %d", len(data), s.size)
		return res
	}
	hash := digest.BlockHash(data)
	if e.ContentHash != "" && e.ContentHash != hash {
		res.Err = errors.New("content hash mismatch")
		return res
	}
	f.files[e.Path] = data
	delete(f.sessions, e.SessionID)
	res.ContentHash = hash
	return res
}

func (f *Fake) CheckBatch(ctx context.Context, jobID string) (remote.BatchStatus, error) {
	if err := ctx.Err(); err != nil {
		return remote.BatchStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if len(f.CheckErrs) > 0 {
		err := f.CheckErrs[0]
		f.CheckErrs = f.CheckErrs[1:]
		return remote.BatchStatus{}, err
	}
	j, ok := f.jobs[jobID]
	if !ok {
		return remote.BatchStatus{}, &remote.APIError{Status: 409, Code: "invalid_async_job_id", Message: jobID}
	}
	if j.polls < f.PendingPolls {
		j.polls++
		return remote.BatchStatus{Status: remote.JobInProgress}, nil
	}
	return remote.BatchStatus{Status: remote.JobComplete, Entries: j.entries}, nil
}

func (f *Fake) Abort(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	f.aborted = append(f.aborted, sessionID)
	return nil
}

func (f *Fake) List(ctx context.Context, dir string, fn func(remote.Entry) error) error {
	f.mu.Lock()
	var entries []remote.Entry
	for p, data := range f.files {
		if path.Dir(p) != path.Clean("/"+dir) {
			continue
		}
		entries = append(entries, remote.Entry{Path: p, Name: path.Base(p), ContentHash: digest.BlockHash(data), Size: int64(len(data))})
	}
	f.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Put stores a file directly, as if uploaded earlier.
func (f *Fake) Put(p string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = append([]byte(nil), data...)
}

// Files returns a copy of the committed files keyed by path.
func (f *Fake) Files() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.files))
	for k, v := range f.files {
		out[k] = v
	}
	return out
}

// Appends returns the recorded append calls in arrival order.
func (f *Fake) Appends() []AppendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AppendCall(nil), f.appends...)
}

// Checks is the number of CheckBatch calls so far.
func (f *Fake) Checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

// Aborted lists the sessions passed to Abort.
func (f *Fake) Aborted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

// OpenSessions is the number of sessions neither committed nor aborted.
func (f *Fake) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}
