// Package upload moves files through a remote.Transfer: one resumable
// session per file, blocks appended in parallel, sessions committed in batches.
package upload

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eargollo/camsync/internal/remote"
)

// State is a session's position in its lifecycle.
type State int

const (
	Started State = iota
	Appending
	Closed
	Finalizing
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Started:
		return "started"
	case Appending:
		return "appending"
	case Closed:
		return "closed"
	case Finalizing:
		return "finalizing"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// allowed lists the legal transitions.
var allowed = map[State][]State{
	Started:    {Appending, Failed},
	Appending:  {Closed, Failed},
	Closed:     {Finalizing, Failed},
	Finalizing: {Complete, Failed},
}

// Session tracks one file's transfer. Blocks may be acknowledged in any
// order; CompleteUpTo only advances over a contiguous prefix.
type Session struct {
	ID          string
	Source      string
	Destination string
	Digest      string
	StartOffset int64
	Size        int64

	transferred atomic.Int64

	mu           sync.Mutex
	state        State
	completeUpTo int64
	pending      map[int64]int64 // offset -> length, acknowledged above the watermark
}

func newSession(id, source, dest, digest string, size int64) *Session {
	return &Session{
		ID:          id,
		Source:      source,
		Destination: dest,
		Digest:      digest,
		Size:        size,
		pending:     make(map[int64]int64),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transferred is the number of bytes acknowledged so far.
func (s *Session) Transferred() int64 { return s.transferred.Load() }

// CompleteUpTo is the offset below which every byte is acknowledged.
func (s *Session) CompleteUpTo() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeUpTo
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, next := range allowed[s.state] {
		if next == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("session %s: illegal transition %s -> %s", s.ID, s.state, to)
}

func (s *Session) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Complete {
		s.state = Failed
	}
}

// ack records a received block.
func (s *Session) ack(offset, n int64) {
	s.transferred.Add(n)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[offset] = n
	for {
		l, ok := s.pending[s.completeUpTo]
		if !ok {
			return
		}
		delete(s.pending, s.completeUpTo)
		s.completeUpTo += l
		if l == 0 {
			return
		}
	}
}

// close moves an Appending session to Closed once every byte is acknowledged.
func (s *Session) close() error {
	if got := s.CompleteUpTo(); got != s.StartOffset+s.Size {
		return fmt.Errorf("session %s: closing at %d of %d bytes", s.ID, got, s.Size)
	}
	return s.transition(Closed)
}

// Descriptor hands a Closed session to the finalizer and moves it to Finalizing.
func (s *Session) Descriptor() (remote.FinishArg, error) {
	if err := s.transition(Finalizing); err != nil {
		return remote.FinishArg{}, err
	}
	return remote.FinishArg{
		SessionID:   s.ID,
		Offset:      s.StartOffset + s.Size,
		Path:        s.Destination,
		ContentHash: s.Digest,
	}, nil
}
