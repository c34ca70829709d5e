// Package store persists the set of content hashes already transferred.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrConflict is returned by Record when the name or hash is already present.
// It is reportable, not fatal: the existing row is left untouched.
var ErrConflict = errors.New("already recorded")

// Store is the SQLite-backed existence store. Uniqueness on both name and
// hash is enforced by the schema, so concurrent runs can at worst upload a
// file twice but never corrupt the table.
type Store struct {
	db *sql.DB
}

// New wraps an open, migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Exists reports whether hash was recorded before.
func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM files WHERE hash = ?`, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup hash: %w", err)
	}
	return true, nil
}

// Record stores name and hash. A duplicate of either yields ErrConflict.
func (s *Store) Record(ctx context.Context, name, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO files (name, hash, recorded_at) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`,
		name, hash, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("record %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record %s: %w", name, ErrConflict)
	}
	return nil
}

// Reset removes every recorded file.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files`); err != nil {
		return fmt.Errorf("reset files: %w", err)
	}
	return nil
}

// Count returns the number of recorded files.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}
