// Package batch turns a finalized scan index into bounded upload batches.
package batch

import (
	"context"
	"fmt"
	"path"

	"github.com/eargollo/camsync/internal/media"
	"github.com/eargollo/camsync/internal/scan"
)

// Item is one file to transfer.
type Item struct {
	Source      string
	Destination string
	Digest      string
	Category    media.Category
}

// Batch is a dispatch unit. Seq starts at 1 and follows dispatch order.
type Batch struct {
	Seq   int
	Items []Item
}

// Checker answers whether a digest was already transferred.
type Checker interface {
	Exists(ctx context.Context, digest string) (bool, error)
}

// Stats summarizes one planning pass.
type Stats struct {
	Considered int // records visited
	Duplicates int // skipped because the checker or an earlier record had the digest
	Scheduled  int // items dispatched
	Batches    int
}

// Plan walks idx in ascending key order, pictures before movies, skipping
// every record whose digest exists (or already appeared earlier in this
// pass). The rest are named under prefix and handed to dispatch in batches
// of at most maxItems. dispatch is called synchronously; an error from it
// or from the checker stops planning.
//
// Names are "<prefix>/<key>.<EXT>" for the first new record of a category
// in a bucket and "<prefix>/<key>_<n>.<EXT>" (n = 1, 2, ...) afterwards, so
// the same index and store state always produce the same batches.
func Plan(ctx context.Context, idx scan.Index, exists Checker, maxItems int, prefix string, dispatch func(Batch) error) (Stats, error) {
	if maxItems < 1 {
		return Stats{}, fmt.Errorf("max batch items must be positive, got %d", maxItems)
	}

	var st Stats
	seen := make(map[string]struct{})
	cur := Batch{Seq: 1, Items: make([]Item, 0, min(maxItems, 1024))}

	emit := func() error {
		if len(cur.Items) == 0 {
			return nil
		}
		if err := dispatch(cur); err != nil {
			return fmt.Errorf("dispatch batch %d: %w", cur.Seq, err)
		}
		st.Batches++
		cur = Batch{Seq: cur.Seq + 1, Items: make([]Item, 0, min(maxItems, 1024))}
		return nil
	}

	for _, key := range idx.Keys() {
		entry := idx[key]
		for _, group := range []struct {
			cat  media.Category
			recs []scan.FileRecord
		}{{media.Picture, entry.Pictures}, {media.Movie, entry.Movies}} {
			n := 0
			for _, rec := range group.recs {
				if err := ctx.Err(); err != nil {
					return st, err
				}
				st.Considered++

				if _, dup := seen[rec.Digest]; dup {
					st.Duplicates++
					continue
				}
				ok, err := exists.Exists(ctx, rec.Digest)
				if err != nil {
					return st, fmt.Errorf("check %s: %w", rec.Path, err)
				}
				if ok {
					st.Duplicates++
					continue
				}
				seen[rec.Digest] = struct{}{}

				if len(cur.Items)+1 > maxItems {
					if err := emit(); err != nil {
						return st, err
					}
				}
				cur.Items = append(cur.Items, Item{
					Source:      rec.Path,
					Destination: Destination(prefix, key, n, media.DestExt(rec.Path)),
					Digest:      rec.Digest,
					Category:    group.cat,
				})
				st.Scheduled++
				n++
			}
		}
	}

	if err := emit(); err != nil {
		return st, err
	}
	return st, nil
}

// Destination names the n-th (0-based) new file of a category in bucket
// key. ext is the upper-case extension, see media.DestExt.
func Destination(prefix, key string, n int, ext string) string {
	name := fmt.Sprintf("%s.%s", key, ext)
	if n > 0 {
		name = fmt.Sprintf("%s_%d.%s", key, n, ext)
	}
	return path.Join("/", prefix, name)
}
