package scan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eargollo/camsync/internal/testutil"
)

// writeJPEGs creates n JPEGs under dir, each captured at base+i seconds.
func writeJPEGs(tb testing.TB, dir string, n int, base time.Time) []string {
	tb.Helper()
	var paths []string
	for i := 0; i < n; i++ {
		data := testutil.JPEG(base.Add(time.Duration(i)*time.Second), []byte(fmt.Sprint(i)))
		paths = append(paths, testutil.WriteFile(tb, dir, fmt.Sprintf("IMG_%04d.JPG", i), data))
	}
	return paths
}

// feed sends paths then a WorkFinish, in that order, and closes the channel.
func feed(paths []string) <-chan WorkMessage {
	ch := make(chan WorkMessage, 8)
	go func() {
		defer close(ch)
		for _, p := range paths {
			ch <- WorkMessage{Kind: WorkFile, Path: p}
		}
		ch <- WorkMessage{Kind: WorkFinish, Total: int64(len(paths))}
	}()
	return ch
}

// TestAggregateBatches runs 250 files through batches of 100 and verifies
// every file lands in the index exactly once.
func TestAggregateBatches(t *testing.T) {
	dir := t.TempDir()
	paths := writeJPEGs(t, dir, 250, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))

	var p Progress
	idx, err := Aggregate(context.Background(), feed(paths), AggregateConfig{BatchSize: 100, Workers: 3, Location: time.UTC}, &p, nil)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if idx.Sum() != 250 {
		t.Errorf("Sum = %d, want 250", idx.Sum())
	}
	if len(idx) != 250 {
		t.Errorf("%d buckets, want 250", len(idx))
	}
	if got := p.BatchesDone.Load(); got != 3 {
		t.Errorf("batches %d, want 3", got)
	}
	if got := p.FilesDiscovered.Load(); got != 250 {
		t.Errorf("discovered %d, want 250", got)
	}
}

// TestAggregateFinishBeforeFiles accepts a WorkFinish that arrives before
// the files it counts.
func TestAggregateFinishBeforeFiles(t *testing.T) {
	dir := t.TempDir()
	paths := writeJPEGs(t, dir, 5, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))

	ch := make(chan WorkMessage, len(paths)+1)
	ch <- WorkMessage{Kind: WorkFinish, Total: int64(len(paths))}
	for _, p := range paths {
		ch <- WorkMessage{Kind: WorkFile, Path: p}
	}

	idx, err := Aggregate(context.Background(), ch, AggregateConfig{BatchSize: 2, Location: time.UTC}, nil, nil)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if idx.Sum() != 5 {
		t.Errorf("Sum = %d, want 5", idx.Sum())
	}
}

// TestAggregateChannelClosedEarly fails instead of hanging when the producer
// goes away before delivering its total.
func TestAggregateChannelClosedEarly(t *testing.T) {
	dir := t.TempDir()
	paths := writeJPEGs(t, dir, 3, time.Now())

	ch := make(chan WorkMessage, 4)
	ch <- WorkMessage{Kind: WorkFile, Path: paths[0]}
	ch <- WorkMessage{Kind: WorkFinish, Total: 3}
	close(ch)

	_, err := Aggregate(context.Background(), ch, AggregateConfig{BatchSize: 10, Location: time.UTC}, nil, nil)
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("got %v, want ErrChannelClosed", err)
	}
}

// TestAggregateReportsSkips verifies per-file failures are reported with
// their stage and do not fail the aggregation.
func TestAggregateReportsSkips(t *testing.T) {
	dir := t.TempDir()
	paths := writeJPEGs(t, dir, 2, time.Now())
	missing := filepath.Join(dir, "gone.jpg")
	broken := testutil.WriteFile(t, dir, "broken.jpg", []byte("not a jpeg"))

	var mu sync.Mutex
	stages := map[string]string{}
	report := func(path, stage, _ string) {
		mu.Lock()
		defer mu.Unlock()
		stages[path] = stage
	}

	var p Progress
	idx, err := Aggregate(context.Background(), feed(append(paths, missing, broken)), AggregateConfig{BatchSize: 2, Location: time.UTC}, &p, report)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if idx.Sum() != 2 {
		t.Errorf("Sum = %d, want 2", idx.Sum())
	}
	if stages[missing] != StageOpen {
		t.Errorf("missing file stage %q, want %q", stages[missing], StageOpen)
	}
	if stages[broken] != StageMetadata {
		t.Errorf("broken file stage %q, want %q", stages[broken], StageMetadata)
	}
	if p.FilesSkipped.Load() != 2 {
		t.Errorf("skipped %d, want 2", p.FilesSkipped.Load())
	}
}

func TestAggregateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := make(chan WorkMessage) // never written
	_, err := Aggregate(ctx, ch, AggregateConfig{BatchSize: 10}, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
