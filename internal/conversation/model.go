// Package conversation holds the chat domain model and the turn driver that
// runs one user message through retrieval, generation, parsing, and tool
// dispatch.
package conversation

import (
	"context"
	"errors"
	"time"

	"ember/internal/tool"
)

// Store errors shared by all backends.
var (
	ErrNotFound = errors.New("conversation not found")
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Conversation is an ordered sequence of messages owned by one principal.
type Conversation struct {
	ID        string    `json:"id"`
	Principal string    `json:"principal"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attachment references a blob carried by a message.
type Attachment struct {
	Name        string `json:"name"`
	MIME        string `json:"mime"`
	Size        int64  `json:"size"`
	ContentHash string `json:"content_hash"`
}

// TurnError is the structured error indicator surfaced on an assistant
// message when a turn fails.
type TurnError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Message is one exchange turn. Messages are totally ordered per
// conversation by Seq, which the store assigns monotonically.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Role           Role              `json:"role"`
	Principal      string            `json:"principal,omitempty"`
	Content        string            `json:"content"`
	ToolCalls      []tool.Call       `json:"tool_calls,omitempty"`
	ToolResults    []tool.CallResult `json:"tool_results,omitempty"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Error          *TurnError        `json:"error,omitempty"`
	Seq            int64             `json:"seq"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Store is the conversation persistence port.
type Store interface {
	// CreateConversation inserts a conversation, assigning ID and
	// timestamps when unset.
	CreateConversation(ctx context.Context, c Conversation) (*Conversation, error)

	// GetConversation retrieves a conversation by id.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns a principal's conversations, most recently
	// updated first. An empty principal matches everything.
	ListConversations(ctx context.Context, principal string) ([]*Conversation, error)

	// AppendMessage appends one message, assigning ID, Seq, and CreatedAt,
	// and bumps the conversation's UpdatedAt.
	AppendMessage(ctx context.Context, m Message) (*Message, error)

	// Messages returns a conversation's messages, oldest first.
	Messages(ctx context.Context, conversationID string) ([]*Message, error)
}
