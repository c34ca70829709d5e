package scan

import (
	"sort"

	"github.com/eargollo/camsync/internal/media"
)

// FileRecord identifies one scanned file.
type FileRecord struct {
	Digest string `json:"digest"`
	Name   string `json:"name"`
	Path   string `json:"path"`
}

// BucketEntry holds the files captured at one instant.
// Count always equals len(Pictures)+len(Movies).
type BucketEntry struct {
	Pictures []FileRecord `json:"pictures"`
	Movies   []FileRecord `json:"movies"`
	Count    int          `json:"count"`
}

func (e *BucketEntry) add(cat media.Category, rec FileRecord) {
	switch cat {
	case media.Picture:
		e.Pictures = append(e.Pictures, rec)
	case media.Movie:
		e.Movies = append(e.Movies, rec)
	default:
		return
	}
	e.Count++
}

func (e *BucketEntry) merge(o *BucketEntry) {
	e.Pictures = append(e.Pictures, o.Pictures...)
	e.Movies = append(e.Movies, o.Movies...)
	e.Count += o.Count
}

// Index maps bucket keys to their entries.
type Index map[string]*BucketEntry

// Add files rec under key.
func (idx Index) Add(key string, cat media.Category, rec FileRecord) {
	e, ok := idx[key]
	if !ok {
		e = &BucketEntry{}
		idx[key] = e
	}
	e.add(cat, rec)
}

// Merge folds b into a and returns a. Entries of b whose key is absent from
// a are moved over as they are, so b must not be used afterwards. The
// resulting multiset of records does not depend on merge order.
func Merge(a, b Index) Index {
	if a == nil {
		a = make(Index, len(b))
	}
	for key, eb := range b {
		if ea, ok := a[key]; ok {
			ea.merge(eb)
			continue
		}
		a[key] = eb
	}
	return a
}

// Finalize sorts every bucket's pictures and movies by name. Records with
// the same name are ordered by path so the result is deterministic.
func (idx Index) Finalize() {
	for _, e := range idx {
		sortRecords(e.Pictures)
		sortRecords(e.Movies)
	}
}

func sortRecords(recs []FileRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Name != recs[j].Name {
			return recs[i].Name < recs[j].Name
		}
		return recs[i].Path < recs[j].Path
	})
}

// Sum is the total number of records across all buckets.
func (idx Index) Sum() int {
	n := 0
	for _, e := range idx {
		n += e.Count
	}
	return n
}

// Keys returns the bucket keys in ascending order.
func (idx Index) Keys() []string {
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
