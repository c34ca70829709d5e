package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eargollo/camsync/internal/media"
	"github.com/eargollo/camsync/internal/scan"
)

type setChecker map[string]bool

func (s setChecker) Exists(_ context.Context, d string) (bool, error) { return s[d], nil }

func collect(t *testing.T, idx scan.Index, known setChecker, max int) ([]Batch, Stats) {
	t.Helper()
	var got []Batch
	st, err := Plan(context.Background(), idx, known, max, "Camera Uploads", func(b Batch) error {
		got = append(got, b)
		return nil
	})
	require.NoError(t, err)
	return got, st
}

func fourFileIndex() scan.Index {
	idx := make(scan.Index)
	key := "2024-03-09 14:15:16"
	for i, n := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		idx.Add(key, media.Picture, scan.FileRecord{Digest: fmt.Sprint("p", i), Name: n, Path: "/src/" + n})
	}
	idx.Add(key, media.Movie, scan.FileRecord{Digest: "m0", Name: "m.mp4", Path: "/src/m.mp4"})
	idx.Finalize()
	return idx
}

func TestPlanNamesWithinBucket(t *testing.T) {
	batches, st := collect(t, fourFileIndex(), setChecker{}, 1000)
	require.Len(t, batches, 1)
	require.Equal(t, 4, st.Scheduled)

	var dests []string
	for _, it := range batches[0].Items {
		dests = append(dests, it.Destination)
	}
	require.Equal(t, []string{
		"/Camera Uploads/2024-03-09 14:15:16.JPG",
		"/Camera Uploads/2024-03-09 14:15:16_1.JPG",
		"/Camera Uploads/2024-03-09 14:15:16_2.JPG",
		"/Camera Uploads/2024-03-09 14:15:16.MP4",
	}, dests)
}

// TestPlanSkipsKnownDigests: two of four digests are already stored, so
// exactly two records are scheduled.
func TestPlanSkipsKnownDigests(t *testing.T) {
	batches, st := collect(t, fourFileIndex(), setChecker{"p0": true, "m0": true}, 1000)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Items, 2)
	require.Equal(t, 2, st.Duplicates)
	require.Equal(t, "/Camera Uploads/2024-03-09 14:15:16.JPG", batches[0].Items[0].Destination)
	require.Equal(t, "/src/b.jpg", batches[0].Items[0].Source)
}

func TestPlanSkipsDigestRepeatedInRun(t *testing.T) {
	idx := make(scan.Index)
	idx.Add("k1", media.Picture, scan.FileRecord{Digest: "same", Name: "a.jpg", Path: "/a.jpg"})
	idx.Add("k2", media.Picture, scan.FileRecord{Digest: "same", Name: "copy.jpg", Path: "/copy.jpg"})
	batches, st := collect(t, idx, setChecker{}, 10)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Items, 1)
	require.Equal(t, 1, st.Duplicates)
}

// TestPlanBatchSizing: 1500 new records with a limit of 1000 yield two
// batches of 1000 and 500 that together cover every record once.
func TestPlanBatchSizing(t *testing.T) {
	idx := make(scan.Index)
	for i := 0; i < 1500; i++ {
		key := fmt.Sprintf("2024-01-01 00:%02d:%02d", (i/60)%60, i%60)
		idx.Add(key, media.Picture, scan.FileRecord{Digest: fmt.Sprint("d", i), Name: fmt.Sprint(i), Path: fmt.Sprint("/", i)})
	}
	idx.Finalize()

	batches, st := collect(t, idx, setChecker{}, 1000)
	require.Len(t, batches, 2)
	require.Len(t, batches[0].Items, 1000)
	require.Len(t, batches[1].Items, 500)
	require.Equal(t, 1, batches[0].Seq)
	require.Equal(t, 2, batches[1].Seq)
	require.Equal(t, 2, st.Batches)

	seen := map[string]bool{}
	dests := map[string]bool{}
	for _, b := range batches {
		require.LessOrEqual(t, len(b.Items), 1000)
		for _, it := range b.Items {
			require.False(t, seen[it.Source], "duplicate %s", it.Source)
			require.False(t, dests[it.Destination], "duplicate destination %s", it.Destination)
			seen[it.Source] = true
			dests[it.Destination] = true
		}
	}
	require.Len(t, seen, 1500)
}

func TestPlanDeterministic(t *testing.T) {
	a, _ := collect(t, fourFileIndex(), setChecker{"p1": true}, 2)
	b, _ := collect(t, fourFileIndex(), setChecker{"p1": true}, 2)
	require.Equal(t, a, b)
	require.Len(t, a, 2)
}

func TestPlanNothingNewDispatchesNothing(t *testing.T) {
	batches, st := collect(t, fourFileIndex(), setChecker{"p0": true, "p1": true, "p2": true, "m0": true}, 10)
	require.Empty(t, batches)
	require.Equal(t, 4, st.Duplicates)
}

func TestPlanPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := Plan(context.Background(), fourFileIndex(), setChecker{}, 1, "x", func(Batch) error { return boom })
	require.ErrorIs(t, err, boom)

	_, err = Plan(context.Background(), fourFileIndex(), setChecker{}, 0, "x", func(Batch) error { return nil })
	require.Error(t, err)
}

func TestDestination(t *testing.T) {
	require.Equal(t, "/p/k.MP4", Destination("p", "k", 0, "MP4"))
	require.Equal(t, "/p/k_3.JPG", Destination("/p/", "k", 3, "JPG"))
}

// TestPlanKeepsQuickTimeExtension: a MOV source keeps its container in the
// destination name and shares the movie counter with MP4s of its bucket.
func TestPlanKeepsQuickTimeExtension(t *testing.T) {
	idx := make(scan.Index)
	key := "2024-01-01 00:00:00"
	idx.Add(key, media.Movie, scan.FileRecord{Digest: "m1", Name: "IMG_0001.MOV", Path: "/cam/IMG_0001.MOV"})
	idx.Add(key, media.Movie, scan.FileRecord{Digest: "m2", Name: "IMG_0002.mp4", Path: "/cam/IMG_0002.mp4"})
	idx.Finalize()

	got, _ := collect(t, idx, setChecker{}, 10)
	require.Len(t, got, 1)
	require.Equal(t, "/Camera Uploads/2024-01-01 00:00:00.MOV", got[0].Items[0].Destination)
	require.Equal(t, "/Camera Uploads/2024-01-01 00:00:00_1.MP4", got[0].Items[1].Destination)
}

// TestPlanCounterRestartsEachRun: the suffix counter only spans one plan, so
// a file new to an already uploaded bucket reuses the bucket's base name.
func TestPlanCounterRestartsEachRun(t *testing.T) {
	idx := fourFileIndex()
	known := setChecker{"p0": true, "p1": true, "p2": true, "m0": true}
	idx.Add("2024-03-09 14:15:16", media.Picture, scan.FileRecord{Digest: "p3", Name: "d.jpg", Path: "/src/d.jpg"})
	idx.Finalize()

	got, st := collect(t, idx, known, 1000)
	require.Equal(t, 1, st.Scheduled)
	require.Equal(t, "/Camera Uploads/2024-03-09 14:15:16.JPG", got[0].Items[0].Destination)
}
