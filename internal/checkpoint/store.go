// Package checkpoint persists the resumable ingestion position.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/you/chatrelay/internal/core"
)

const (
	settingsKey = "polling_state"
	DefaultTTL  = 24 * time.Hour
)

const schema = `CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`

// ErrNotFound is returned when no usable checkpoint exists.
var ErrNotFound = errors.New("checkpoint: not found")

// Store keeps a single continuation state row in the settings table.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func Open(db *sql.DB, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "apply settings schema")
	}
	return &Store{db: db, ttl: ttl, now: time.Now}, nil
}

// Save stamps st with the current time and upserts it.
func (s *Store) Save(ctx context.Context, st core.ContinuationState) error {
	st.SavedAt = s.now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	const q = `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`
	_, err = s.db.ExecContext(ctx, q, settingsKey, string(data), st.SavedAt.Format(time.RFC3339Nano))
	return errors.Wrap(err, "save checkpoint")
}

// Load returns the saved state. A state older than the TTL, or one whose
// timestamp cannot be trusted, is deleted and reported as ErrNotFound.
func (s *Store) Load(ctx context.Context) (core.ContinuationState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?;`, settingsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ContinuationState{}, ErrNotFound
	}
	if err != nil {
		return core.ContinuationState{}, errors.Wrap(err, "load checkpoint")
	}

	var st core.ContinuationState
	if err := json.Unmarshal([]byte(raw), &st); err != nil || st.SavedAt.IsZero() {
		_ = s.Clear(ctx)
		return core.ContinuationState{}, ErrNotFound
	}
	if s.now().Sub(st.SavedAt) >= s.ttl {
		_ = s.Clear(ctx)
		return core.ContinuationState{}, ErrNotFound
	}
	return st, nil
}

func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?;`, settingsKey)
	return errors.Wrap(err, "clear checkpoint")
}
