package db

import (
	"context"
	"database/sql"
	"errors"
)

// StateStore keeps small pieces of sync metadata (last pass time, etc.).
type StateStore struct {
	db *sql.DB
}

// NewStateStore creates a StateStore over an open database.
func NewStateStore(db *DB) *StateStore {
	return &StateStore{db: db.DB}
}

// GetState fetches a value, returning def when the key is unset.
func (s *StateStore) GetState(ctx context.Context, key, def string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM sync_state WHERE k = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	return v, err
}

// SetState upserts a value.
func (s *StateStore) SetState(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO sync_state(k, v) VALUES(?, ?)
	ON CONFLICT(k) DO UPDATE SET v = excluded.v`, key, val)
	return err
}
