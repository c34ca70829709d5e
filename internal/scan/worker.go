package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eargollo/camsync/internal/digest"
	"github.com/eargollo/camsync/internal/media"
)

// Stages reported in FileSkipError.
const (
	StageClassify = "classify"
	StageOpen     = "open"
	StageMetadata = "metadata"
	StageDigest   = "digest"
)

// FileSkipError means one file could not be indexed. The file is left out
// of the Index and the run goes on.
type FileSkipError struct {
	Path  string
	Stage string
	Err   error
}

func (e *FileSkipError) Error() string {
	return fmt.Sprintf("skip %s (%s): %v", e.Path, e.Stage, e.Err)
}

func (e *FileSkipError) Unwrap() error { return e.Err }

type fileResult struct {
	Key      string
	Category media.Category
	Record   FileRecord
	Size     int64
}

// processFile opens path, reads its capture time and content hash, and
// returns the record to index. Any failure is a *FileSkipError.
func processFile(path string, loc *time.Location) (fileResult, error) {
	cat := media.Classify(path)
	if cat == media.Ignored {
		return fileResult{}, &FileSkipError{Path: path, Stage: StageClassify, Err: fmt.Errorf("unsupported extension %q", filepath.Ext(path))}
	}

	f, err := os.Open(path)
	if err != nil {
		return fileResult{}, &FileSkipError{Path: path, Stage: StageOpen, Err: err}
	}
	defer f.Close()

	taken, err := media.CaptureTime(f, cat, loc)
	if err != nil {
		return fileResult{}, &FileSkipError{Path: path, Stage: StageMetadata, Err: err}
	}

	sum, err := digest.ContentHash(f)
	if err != nil {
		return fileResult{}, &FileSkipError{Path: path, Stage: StageDigest, Err: err}
	}

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	return fileResult{
		Key:      media.BucketKey(taken),
		Category: cat,
		Record:   FileRecord{Digest: sum, Name: filepath.Base(path), Path: path},
		Size:     size,
	}, nil
}

// processBatch indexes paths sequentially into a fresh partial Index.
// Per-file failures are reported and skipped; only cancellation fails the batch.
func processBatch(ctx context.Context, paths []string, loc *time.Location, progress *Progress, report ErrorReporter) (Index, error) {
	idx := make(Index)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := processFile(path, loc)
		if err != nil {
			progress.FilesSkipped.Add(1)
			var skip *FileSkipError
			if errors.As(err, &skip) {
				report(skip.Path, skip.Stage, skip.Err.Error())
			} else {
				report(path, StageOpen, err.Error())
			}
			continue
		}
		idx.Add(res.Key, res.Category, res.Record)
		progress.FilesIndexed.Add(1)
		progress.BytesHashed.Add(res.Size)
	}
	progress.BatchesDone.Add(1)
	return idx, nil
}
