// Package llm defines the generation client port and its HTTP and test
// implementations. The turn driver, condition evaluator, and knowledge
// classifier all speak to models through the Client interface.
package llm

import (
	"context"
	"time"
)

// Message is one chat message in a generation request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one generation call.
type Request struct {
	Messages    []Message      `json:"messages"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Usage is the terminal accounting record of one generation call.
type Usage struct {
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Duration         time.Duration `json:"duration"`
}

// StreamChunk is one element of a generation stream. Exactly one terminal
// chunk is delivered: either Done with the usage record, or Err set.
type StreamChunk struct {
	Delta string
	Done  bool
	Usage *Usage
	Err   error
}

// Response is a fully buffered generation result.
type Response struct {
	Content string
	Usage   Usage
}

// Client is the generation port. Stream returns a single-consumer, ordered
// channel that is closed after the terminal chunk; cancelling the context
// ends the stream early.
type Client interface {
	Model() string
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// Complete runs a streaming call to completion and buffers the content.
func Complete(ctx context.Context, c Client, req Request) (*Response, error) {
	ch, err := c.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp Response
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		resp.Content += chunk.Delta
		if chunk.Done && chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
	}
	return &resp, nil
}
