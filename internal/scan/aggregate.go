package scan

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrChannelClosed is returned by Aggregate when the work channel closes
// before the walker announced, and delivered, its total.
var ErrChannelClosed = errors.New("work channel closed before walk finished")

// AggregateConfig tunes the aggregation stage.
type AggregateConfig struct {
	BatchSize int            // paths per batch task
	Workers   int            // concurrent batch tasks; <= 0 means unbounded
	Location  *time.Location // zone for capture timestamps
}

// Aggregate is the single consumer of in. It groups paths into batches of
// cfg.BatchSize, indexes each batch in its own task, and once the number of
// files consumed equals the total carried by WorkFinish it waits for every
// task and merges the partial indices. Any task error fails the whole
// aggregation. The returned Index is not yet finalized.
func Aggregate(ctx context.Context, in <-chan WorkMessage, cfg AggregateConfig, progress *Progress, report ErrorReporter) (Index, error) {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if progress == nil {
		progress = &Progress{}
	}
	if report == nil {
		report = discardErrors
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}

	// Each task owns exactly one slot; slots are only read after g.Wait.
	var partials []*Index
	launch := func(paths []string) {
		slot := new(Index)
		partials = append(partials, slot)
		g.Go(func() error {
			idx, err := processBatch(gctx, paths, cfg.Location, progress, report)
			if err != nil {
				return err
			}
			*slot = idx
			return nil
		})
	}

	buf := make([]string, 0, cfg.BatchSize)
	var seen int64
	total := int64(-1)

	for total < 0 || seen < total {
		select {
		case <-gctx.Done():
			if err := g.Wait(); err != nil {
				return nil, err
			}
			return nil, ctx.Err()
		case msg, ok := <-in:
			if !ok {
				_ = g.Wait()
				return nil, ErrChannelClosed
			}
			switch msg.Kind {
			case WorkFile:
				seen++
				progress.FilesDiscovered.Add(1)
				buf = append(buf, msg.Path)
				if len(buf) >= cfg.BatchSize {
					launch(buf)
					buf = make([]string, 0, cfg.BatchSize)
				}
			case WorkFinish:
				total = msg.Total
			}
		}
	}
	if len(buf) > 0 {
		launch(buf)
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make(Index)
	for _, p := range partials {
		result = Merge(result, *p)
	}
	return result, nil
}
