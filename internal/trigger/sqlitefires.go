package trigger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteFireStore persists fire-keys so at-most-once firing survives
// restarts.
type SQLiteFireStore struct {
	db *sql.DB
}

// NewSQLiteFireStore opens (or creates) the database at path and ensures the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLiteFireStore(path string) (*SQLiteFireStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS trigger_fires (
		trigger_id TEXT NOT NULL,
		fire_key TEXT NOT NULL,
		fired_at INTEGER NOT NULL,
		PRIMARY KEY (trigger_id, fire_key)
	)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SQLiteFireStore{db: db}, nil
}

// Close releases database resources.
func (s *SQLiteFireStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteFireStore) MarkFired(ctx context.Context, triggerID, fireKey string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trigger_fires (trigger_id, fire_key, fired_at) VALUES (?, ?, ?)`,
		triggerID, fireKey, at.UnixNano())
	if err != nil {
		return false, fmt.Errorf("mark fired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteFireStore) LastFire(ctx context.Context, triggerID string) (time.Time, error) {
	var ns sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(fired_at) FROM trigger_fires WHERE trigger_id = ?`, triggerID).Scan(&ns)
	if err != nil {
		return time.Time{}, fmt.Errorf("last fire: %w", err)
	}
	if !ns.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, ns.Int64), nil
}
