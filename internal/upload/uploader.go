package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/eargollo/camsync/internal/batch"
	"github.com/eargollo/camsync/internal/remote"
)

// AppendError fails one file's session.
type AppendError struct {
	Source    string
	SessionID string
	Offset    int64
	Err       error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append %s at offset %d (session %s): %v", e.Source, e.Offset, e.SessionID, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

// Options tunes the uploader.
type Options struct {
	Parallelism     int           // blocks in flight per file
	MaxInFlight     int64         // blocks in flight across all files
	ConcurrentFiles int           // files uploading at once within a batch
	CallTimeout     time.Duration // per remote call; 0 disables
	AppendAttempts  int           // tries per block on retriable errors
	PollInterval    time.Duration
	PollAttempts    int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Parallelism:     20,
		MaxInFlight:     64,
		ConcurrentFiles: 16,
		CallTimeout:     2 * time.Minute,
		AppendAttempts:  3,
		PollInterval:    time.Second,
		PollAttempts:    30,
	}
}

// Progress counts transfer activity.
type Progress struct {
	BlocksSent     atomic.Int64
	BytesUploaded  atomic.Int64
	SessionsClosed atomic.Int64
	SessionsFailed atomic.Int64
}

// Uploader runs resumable sessions against a remote.Transfer.
type Uploader struct {
	remote    remote.Transfer
	opts      Options
	inflight  *semaphore.Weighted
	finalizer *Finalizer
	progress  *Progress
}

// New creates an Uploader. progress may be nil.
func New(t remote.Transfer, opts Options, progress *Progress) *Uploader {
	def := DefaultOptions()
	if opts.Parallelism < 1 {
		opts.Parallelism = def.Parallelism
	}
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = def.MaxInFlight
	}
	if opts.ConcurrentFiles < 1 {
		opts.ConcurrentFiles = def.ConcurrentFiles
	}
	if opts.AppendAttempts < 1 {
		opts.AppendAttempts = 1
	}
	if progress == nil {
		progress = &Progress{}
	}
	return &Uploader{
		remote:    t,
		opts:      opts,
		inflight:  semaphore.NewWeighted(opts.MaxInFlight),
		finalizer: NewFinalizer(t, opts),
		progress:  progress,
	}
}

// UploadFile streams item.Source through a new session and leaves it Closed,
// ready for the finalizer. On failure the session, if one was opened, is
// returned in state Failed together with the error.
func (u *Uploader) UploadFile(ctx context.Context, item batch.Item) (*Session, error) {
	f, err := os.Open(item.Source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", item.Source, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", item.Source, err)
	}
	size := info.Size()

	var id string
	err = u.call(ctx, func(ctx context.Context) error {
		var err error
		id, err = u.remote.StartSession(ctx, size)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("start session for %s: %w", item.Source, err)
	}

	s := newSession(id, item.Source, item.Destination, item.Digest, size)
	if err := s.transition(Appending); err != nil {
		return s, err
	}

	if err := u.appendAll(ctx, f, s); err != nil {
		s.fail()
		u.progress.SessionsFailed.Add(1)
		u.abort(s)
		return s, err
	}
	if err := s.close(); err != nil {
		s.fail()
		u.progress.SessionsFailed.Add(1)
		u.abort(s)
		return s, err
	}
	u.progress.SessionsClosed.Add(1)
	return s, nil
}

// appendAll sends every block of r with at most Parallelism in flight for
// this file and MaxInFlight across the uploader. The block that reaches
// the end of the file carries the close flag; an empty file is closed by a
// single empty append.
func (u *Uploader) appendAll(ctx context.Context, r io.ReaderAt, s *Session) error {
	bs := u.remote.BlockSize()
	if s.Size == 0 {
		return u.appendBlock(ctx, r, s, 0, 0)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.opts.Parallelism)
	for off := int64(0); off < s.Size; off += bs {
		n := min(bs, s.Size-off)
		g.Go(func() error {
			return u.appendBlock(gctx, r, s, off, n)
		})
	}
	return g.Wait()
}

func (u *Uploader) appendBlock(ctx context.Context, r io.ReaderAt, s *Session, off, n int64) error {
	if err := u.inflight.Acquire(ctx, 1); err != nil {
		return &AppendError{Source: s.Source, SessionID: s.ID, Offset: off, Err: err}
	}
	defer u.inflight.Release(1)

	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, off); err != nil && !(errors.Is(err, io.EOF) && n == 0) {
		return &AppendError{Source: s.Source, SessionID: s.ID, Offset: off, Err: fmt.Errorf("read: %w", err)}
	}

	closing := off+n == s.Size
	err := u.retryCall(ctx, u.opts.AppendAttempts, func(ctx context.Context) error {
		return u.remote.Append(ctx, s.ID, s.StartOffset+off, buf, closing)
	})
	if err != nil {
		return &AppendError{Source: s.Source, SessionID: s.ID, Offset: off, Err: err}
	}
	s.ack(off, n)
	u.progress.BlocksSent.Add(1)
	u.progress.BytesUploaded.Add(n)
	slog.Debug("block appended", "path", s.Source, "offset", off, "len", n, "close", closing)
	return nil
}

// call runs fn once under the per-call timeout.
func (u *Uploader) call(ctx context.Context, fn func(context.Context) error) error {
	return callWithTimeout(ctx, u.opts.CallTimeout, fn)
}

// retryCall runs fn up to attempts times, backing off between retriable
// failures and waiting out any Retry-After the remote sent.
func (u *Uploader) retryCall(ctx context.Context, attempts int, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(uint64(attempts-1), retry.WithCappedDuration(5*time.Second, retry.NewExponential(200*time.Millisecond)))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := callWithTimeout(ctx, u.opts.CallTimeout, fn)
		if err == nil || !remote.IsRetriable(err) {
			return err
		}
		var apiErr *remote.APIError
		if attempts > 1 && errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			select {
			case <-time.After(apiErr.RetryAfter):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return retry.RetryableError(err)
	})
}

func (u *Uploader) abort(s *Session) {
	a, ok := u.remote.(remote.Aborter)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Abort(ctx, s.ID); err != nil {
		slog.Warn("abort session", "session", s.ID, "path", s.Source, "error", err)
	}
}

func callWithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
