package llm

import (
	"context"
	"sync"
)

// FakeClient is a scripted Client for tests. Each Stream call pops the next
// scripted reply; when the script is exhausted the last reply repeats.
type FakeClient struct {
	ModelName string
	Replies   []string
	StreamErr error
	ChunkSize int

	mu       sync.Mutex
	calls    int
	Requests []Request
}

// NewFakeClient builds a fake that replies with the given contents in order.
func NewFakeClient(replies ...string) *FakeClient {
	return &FakeClient{ModelName: "fake-model", Replies: replies}
}

func (f *FakeClient) Model() string {
	if f.ModelName == "" {
		return "fake-model"
	}
	return f.ModelName
}

// Calls reports how many Stream calls were made.
func (f *FakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeClient) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	f.mu.Lock()
	f.calls++
	f.Requests = append(f.Requests, req)
	idx := f.calls - 1
	if idx >= len(f.Replies) {
		idx = len(f.Replies) - 1
	}
	var reply string
	if idx >= 0 {
		reply = f.Replies[idx]
	}
	streamErr := f.StreamErr
	chunkSize := f.ChunkSize
	f.mu.Unlock()

	if chunkSize <= 0 {
		chunkSize = 16
	}

	out := make(chan StreamChunk, 8)
	go func() {
		defer close(out)
		if streamErr != nil {
			out <- StreamChunk{Err: streamErr}
			return
		}
		for start := 0; start < len(reply); start += chunkSize {
			end := start + chunkSize
			if end > len(reply) {
				end = len(reply)
			}
			select {
			case out <- StreamChunk{Delta: reply[start:end]}:
			case <-ctx.Done():
				out <- StreamChunk{Err: ctx.Err()}
				return
			}
		}
		out <- StreamChunk{Done: true, Usage: &Usage{
			PromptTokens:     len(req.Messages) * 10,
			CompletionTokens: len(reply) / 4,
			TotalTokens:      len(req.Messages)*10 + len(reply)/4,
		}}
	}()
	return out, nil
}
