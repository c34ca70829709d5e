package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/eargollo/camsync/internal/media"
)

// ErrNotADirectory is returned by Walk when the root is not a directory.
var ErrNotADirectory = errors.New("not a directory")

// DirectoryReadError aborts the whole walk when any directory cannot be listed.
type DirectoryReadError struct {
	Dir string
	Err error
}

func (e *DirectoryReadError) Error() string {
	return fmt.Sprintf("read directory %s: %v", e.Dir, e.Err)
}

func (e *DirectoryReadError) Unwrap() error { return e.Err }

// WorkKind tags a WorkMessage.
type WorkKind int

const (
	WorkFile WorkKind = iota
	WorkFinish
)

// WorkMessage is what the walker sends to the aggregator: one WorkFile per
// classified file, then exactly one WorkFinish carrying the file count.
type WorkMessage struct {
	Kind  WorkKind
	Path  string
	Total int64
}

// dirQueue is an unbounded, concurrency-safe queue of directory paths.
// It tracks a pending counter so that Walk() knows when all work is done.
//
// Termination protocol:
//   - Push increments pending BEFORE enqueuing (caller must own the increment).
//   - Done decrements pending AFTER all children of a directory have been
//     pushed. When pending reaches 0, Done closes the queue and broadcasts.
//   - Abort closes the queue early and drops whatever is still queued.
type dirQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []string
	head    int // index of the next item to pop; avoids O(n) re-slicing
	pending atomic.Int64
	closed  bool
	aborted bool
}

func newDirQueue() *dirQueue {
	q := &dirQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a directory. Must be called after incrementing pending.
func (q *dirQueue) Push(dir string) {
	q.mu.Lock()
	q.items = append(q.items, dir)
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop blocks until an item is available or the queue is closed.
// Returns ("", false) when the queue is closed and empty, or aborted.
func (q *dirQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head >= len(q.items) && !q.closed {
		q.cond.Wait()
	}
	if q.aborted || q.head >= len(q.items) {
		return "", false
	}
	item := q.items[q.head]
	q.items[q.head] = "" // release string reference so GC can collect it
	q.head++
	// Compact once at least 1 000 items are consumed and head is past the midpoint.
	if q.head >= 1000 && q.head >= len(q.items)/2 {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return item, true
}

// Done must be called once per directory after all its child-directories have
// been pushed. Decrements pending; if pending reaches 0, closes the queue.
func (q *dirQueue) Done() {
	if q.pending.Add(-1) == 0 {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.cond.Broadcast()
	}
}

// Abort wakes every blocked Pop and makes all further Pops fail.
func (q *dirQueue) Abort() {
	q.mu.Lock()
	q.closed = true
	q.aborted = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Walk traverses root with numWorkers goroutines draining a shared directory
// queue. Every Picture or Movie file becomes a WorkFile message on out; other
// files are dropped. Once the pool has drained, Walk sends a single
// WorkFinish with the number of files sent. Walk closes out when it returns.
//
// Paths in excludePaths are skipped. Symlinks are never followed. The first
// directory that cannot be read cancels the walk and is returned as a
// *DirectoryReadError; no WorkFinish is sent in that case.
func Walk(ctx context.Context, root string, excludePaths map[string]struct{}, numWorkers int, out chan<- WorkMessage) error {
	defer close(out)

	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", root, ErrNotADirectory)
	}
	if err != nil {
		return &DirectoryReadError{Dir: root, Err: err}
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", root, ErrNotADirectory)
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := newDirQueue()
	q.pending.Add(1)
	q.Push(root)

	go func() {
		<-ctx.Done()
		q.Abort()
	}()

	var (
		total    atomic.Int64
		failOnce sync.Once
		failErr  error
	)
	fail := func(err error) {
		failOnce.Do(func() {
			failErr = err
			cancel()
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			walkerWorker(ctx, q, excludePaths, out, &total, fail)
		}()
	}
	wg.Wait()

	if failErr != nil {
		return failErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case out <- WorkMessage{Kind: WorkFinish, Total: total.Load()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// walkerWorker pops directories from q, reads their entries, enqueues
// sub-directories (incrementing pending first), sends classified files to
// out, then calls q.Done() to decrement pending.
func walkerWorker(ctx context.Context, q *dirQueue, excludePaths map[string]struct{}, out chan<- WorkMessage, total *atomic.Int64, fail func(error)) {
	for {
		if ctx.Err() != nil {
			return
		}

		dir, ok := q.Pop()
		if !ok {
			return
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			fail(&DirectoryReadError{Dir: dir, Err: err})
			q.Done()
			return
		}

		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())

			if _, excluded := excludePaths[path]; excluded {
				continue
			}

			if entry.IsDir() {
				// Increment BEFORE pushing so pending is never zero prematurely.
				q.pending.Add(1)
				q.Push(path)
				continue
			}

			if entry.Type()&fs.ModeSymlink != 0 || !entry.Type().IsRegular() {
				continue
			}

			if media.Classify(path) == media.Ignored {
				continue
			}

			select {
			case <-ctx.Done():
				q.Done()
				return
			case out <- WorkMessage{Kind: WorkFile, Path: path}:
				total.Add(1)
			}
		}

		q.Done()
	}
}
