package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is the in-memory conversation store.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message // conversation id -> ordered messages
	seq           int64
	now           func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		now:           time.Now,
	}
}

func (s *MemStore) CreateConversation(ctx context.Context, c Conversation) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.UpdatedAt = c.CreatedAt
	s.conversations[c.ID] = &c
	dup := c
	return &dup, nil
}

func (s *MemStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *c
	return &dup, nil
}

func (s *MemStore) ListConversations(ctx context.Context, principal string) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Conversation
	for _, c := range s.conversations {
		if principal != "" && c.Principal != principal {
			continue
		}
		dup := *c
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemStore) AppendMessage(ctx context.Context, m Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[m.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.seq++
	m.Seq = s.seq
	stored := m
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], &stored)
	conv.UpdatedAt = m.CreatedAt
	dup := m
	return &dup, nil
}

func (s *MemStore) Messages(ctx context.Context, conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}
	msgs := s.messages[conversationID]
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		dup := *m
		out[i] = &dup
	}
	return out, nil
}
