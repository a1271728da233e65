package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore is the durable usage ledger.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		principal TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Add(ctx context.Context, r Record) (Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.TotalTokens == 0 {
		r.TotalTokens = r.PromptTokens + r.CompletionTokens
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO usage_records
		(id, principal, conversation_id, task_id, model, prompt_tokens, completion_tokens, total_tokens, duration_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Principal, r.ConversationID, r.TaskID, r.Model,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		int64(r.Duration), r.CreatedAt.UnixNano())
	if err != nil {
		return Record{}, fmt.Errorf("insert usage record: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, principal, conversation_id, task_id, model,
		prompt_tokens, completion_tokens, total_tokens, duration_ns, created_at
		FROM usage_records ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var durationNS, createdNS int64
		if err := rows.Scan(&r.ID, &r.Principal, &r.ConversationID, &r.TaskID, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &durationNS, &createdNS); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationNS)
		r.CreatedAt = time.Unix(0, createdNS)
		if f.matches(r) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Totals(ctx context.Context, f Filter) ([]Totals, error) {
	records, err := s.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return aggregate(records), nil
}
