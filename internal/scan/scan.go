package scan

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config holds scan concurrency tuning parameters.
type Config struct {
	Walkers         int
	ChannelCapacity int
	BatchSize       int
	DigestWorkers   int
	ExcludePaths    []string
	Location        *time.Location
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Walkers:         4,
		ChannelCapacity: 32,
		BatchSize:       100,
		DigestWorkers:   4,
		Location:        time.UTC,
	}
}

// Scanner turns a directory tree into a finalized Index.
type Scanner struct {
	cfg Config
}

// New creates a Scanner.
func New(cfg Config) *Scanner {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Scanner{cfg: cfg}
}

// Run walks root and aggregates every Picture and Movie beneath it. The
// returned Index is finalized. A walker failure takes precedence over the
// aggregation error it causes.
func (s *Scanner) Run(ctx context.Context, root string, progress *Progress, report ErrorReporter) (Index, error) {
	if progress == nil {
		progress = &Progress{}
	}
	if report == nil {
		report = discardErrors
	}

	excludes := make(map[string]struct{}, len(s.cfg.ExcludePaths))
	for _, p := range s.cfg.ExcludePaths {
		excludes[p] = struct{}{}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan WorkMessage, max(s.cfg.ChannelCapacity, 0))
	walkDone := make(chan error, 1)
	go func() {
		walkDone <- Walk(ctx, root, excludes, s.cfg.Walkers, work)
	}()

	start := time.Now()
	idx, aggErr := Aggregate(ctx, work, AggregateConfig{
		BatchSize: s.cfg.BatchSize,
		Workers:   s.cfg.DigestWorkers,
		Location:  s.cfg.Location,
	}, progress, report)
	if aggErr != nil {
		cancel()
	}
	walkErr := <-walkDone

	switch {
	case walkErr != nil && !errors.Is(walkErr, context.Canceled):
		return nil, walkErr
	case aggErr != nil:
		return nil, aggErr
	case walkErr != nil:
		return nil, walkErr
	}

	idx.Finalize()
	slog.Info("scan complete", "root", root,
		"buckets", len(idx),
		"indexed", idx.Sum(),
		"skipped", progress.FilesSkipped.Load(),
		"duration", time.Since(start).Round(time.Millisecond))
	return idx, nil
}
