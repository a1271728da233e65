package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"ember/internal/shared/jsonx"
)

// SQLiteStore is the durable conversation store.
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

	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			principal TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			principal TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			tool_results TEXT,
			attachments TEXT,
			error TEXT,
			seq INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, c Conversation) (*Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.UpdatedAt = c.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, principal, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Principal, c.Title, c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, principal, title, created_at, updated_at FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *SQLiteStore) ListConversations(ctx context.Context, principal string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, principal, title, created_at, updated_at FROM conversations
		 WHERE (? = '' OR principal = ?) ORDER BY updated_at DESC, id ASC`, principal, principal)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) (*Message, error) {
	if _, err := s.GetConversation(ctx, m.ConversationID); err != nil {
		return nil, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}

	calls, err := marshalOrNull(m.ToolCalls, len(m.ToolCalls) > 0)
	if err != nil {
		return nil, err
	}
	results, err := marshalOrNull(m.ToolResults, len(m.ToolResults) > 0)
	if err != nil {
		return nil, err
	}
	attachments, err := marshalOrNull(m.Attachments, len(m.Attachments) > 0)
	if err != nil {
		return nil, err
	}
	turnErr, err := marshalOrNull(m.Error, m.Error != nil)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var seq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages`).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}
	m.Seq = seq.Int64 + 1

	_, err = tx.ExecContext(ctx, `INSERT INTO messages
		(id, conversation_id, role, principal, content, tool_calls, tool_results, attachments, error, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), m.Principal, m.Content,
		calls, results, attachments, turnErr, m.Seq, m.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		m.CreatedAt.UnixNano(), m.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("bump conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) Messages(ctx context.Context, conversationID string) ([]*Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, conversation_id, role, principal, content, tool_calls, tool_results, attachments, error, seq, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var role string
		var calls, results, attachments, turnErr sql.NullString
		var createdNS int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Principal, &m.Content,
			&calls, &results, &attachments, &turnErr, &m.Seq, &createdNS); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.CreatedAt = time.Unix(0, createdNS)
		if err := unmarshalIfSet(calls, &m.ToolCalls); err != nil {
			return nil, err
		}
		if err := unmarshalIfSet(results, &m.ToolResults); err != nil {
			return nil, err
		}
		if err := unmarshalIfSet(attachments, &m.Attachments); err != nil {
			return nil, err
		}
		if turnErr.Valid {
			m.Error = &TurnError{}
			if err := jsonx.Unmarshal([]byte(turnErr.String), m.Error); err != nil {
				return nil, err
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var createdNS, updatedNS int64
	err := row.Scan(&c.ID, &c.Principal, &c.Title, &createdNS, &updatedNS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(0, createdNS)
	c.UpdatedAt = time.Unix(0, updatedNS)
	return &c, nil
}

func marshalOrNull(v any, set bool) (any, error) {
	if !set {
		return nil, nil
	}
	out, err := jsonx.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(out), nil
}

func unmarshalIfSet[T any](col sql.NullString, dest *T) error {
	if !col.Valid {
		return nil
	}
	return jsonx.Unmarshal([]byte(col.String), dest)
}
