// Package usage records LLM token consumption per call for cost reporting.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one LLM call's accounted usage.
type Record struct {
	ID               string        `json:"id"`
	Principal        string        `json:"principal,omitempty"`
	ConversationID   string        `json:"conversation_id,omitempty"`
	TaskID           string        `json:"task_id,omitempty"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Duration         time.Duration `json:"duration"`
	CreatedAt        time.Time     `json:"created_at"`
}

// Totals aggregates records per model.
type Totals struct {
	Model            string `json:"model"`
	Calls            int    `json:"calls"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Filter selects records. Zero values match everything.
type Filter struct {
	Principal      string
	ConversationID string
	Model          string
	Since          time.Time
	Until          time.Time
}

func (f Filter) matches(r Record) bool {
	if f.Principal != "" && r.Principal != f.Principal {
		return false
	}
	if f.ConversationID != "" && r.ConversationID != f.ConversationID {
		return false
	}
	if f.Model != "" && r.Model != f.Model {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// Store persists usage records.
type Store interface {
	// Add appends one record, assigning ID and CreatedAt when unset.
	Add(ctx context.Context, r Record) (Record, error)

	// List returns matching records, oldest first.
	List(ctx context.Context, f Filter) ([]Record, error)

	// Totals aggregates matching records per model.
	Totals(ctx context.Context, f Filter) ([]Totals, error)
}

// MemStore is the in-memory usage ledger.
type MemStore struct {
	mu      sync.Mutex
	records []Record
	now     func() time.Time
}

// NewMemStore creates an empty in-memory usage store.
func NewMemStore() *MemStore {
	return &MemStore{now: time.Now}
}

func (s *MemStore) Add(ctx context.Context, r Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.TotalTokens == 0 {
		r.TotalTokens = r.PromptTokens + r.CompletionTokens
	}
	s.records = append(s.records, r)
	return r, nil
}

func (s *MemStore) List(ctx context.Context, f Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if f.matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemStore) Totals(ctx context.Context, f Filter) ([]Totals, error) {
	records, err := s.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return aggregate(records), nil
}

// aggregate folds records into per-model totals, ordered by model name
// first-seen.
func aggregate(records []Record) []Totals {
	index := make(map[string]int)
	var out []Totals
	for _, r := range records {
		i, ok := index[r.Model]
		if !ok {
			i = len(out)
			index[r.Model] = i
			out = append(out, Totals{Model: r.Model})
		}
		out[i].Calls++
		out[i].PromptTokens += r.PromptTokens
		out[i].CompletionTokens += r.CompletionTokens
		out[i].TotalTokens += r.TotalTokens
	}
	return out
}
