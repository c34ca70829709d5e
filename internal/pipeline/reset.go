package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eargollo/camsync/internal/remote"
	"github.com/eargollo/camsync/internal/store"
)

// ResetReport is the outcome of ResetIndex.
type ResetReport struct {
	Listed    int      `json:"listed"`
	Recorded  int      `json:"recorded"`
	Conflicts []string `json:"conflicts"`
	Unhashed  []string `json:"unhashed"`
}

// ResetIndex empties the existence store and refills it from the files in
// the remote folder dir. Entries whose name or hash is already recorded are
// reported as conflicts; entries without a content hash are skipped.
func ResetIndex(ctx context.Context, db *sql.DB, l remote.Lister, dir string) (*ResetReport, error) {
	st := store.New(db)
	if err := st.Reset(ctx); err != nil {
		return nil, err
	}

	rep := &ResetReport{}
	err := l.List(ctx, dir, func(e remote.Entry) error {
		rep.Listed++
		if e.ContentHash == "" {
			rep.Unhashed = append(rep.Unhashed, e.Path)
			return nil
		}
		err := st.Record(ctx, e.Name, e.ContentHash)
		if errors.Is(err, store.ErrConflict) {
			slog.Warn("remote file conflicts with a recorded one", "path", e.Path, "hash", e.ContentHash)
			rep.Conflicts = append(rep.Conflicts, e.Path)
			return nil
		}
		if err != nil {
			return err
		}
		rep.Recorded++
		if rep.Recorded%1000 == 0 {
			slog.Info("reset index progress", "recorded", rep.Recorded)
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("list %s: %w", dir, err)
	}
	slog.Info("index reset", "dir", dir, "listed", rep.Listed, "recorded", rep.Recorded,
		"conflicts", len(rep.Conflicts), "unhashed", len(rep.Unhashed))
	return rep, nil
}
