package executor

import (
	"context"
	"fmt"
	"strings"

	"ember/internal/llm"
	"ember/internal/logging"
	"ember/internal/shared/jsonx"
	"ember/internal/task"
	"ember/internal/usage"
)

const llmRunnerSystemPrompt = "You are a background worker of a personal assistant. " +
	"Complete the task described below and reply with the result only, no preamble."

// LLMRunner executes generation-kind tasks with a single buffered completion
// call. The task title, description, and input form the prompt; the reply
// becomes the task output.
type LLMRunner struct {
	client llm.Client
	usage  usage.Store
	logger logging.Logger
}

// NewLLMRunner wires a runner over the generation client. The usage store
// may be nil to skip accounting.
func NewLLMRunner(client llm.Client, usageStore usage.Store, logger logging.Logger) *LLMRunner {
	return &LLMRunner{
		client: client,
		usage:  usageStore,
		logger: logging.OrNop(logger),
	}
}

func (r *LLMRunner) Run(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task (%s): %s\n", t.Kind, t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	if len(t.Input) > 0 {
		fmt.Fprintf(&b, "\nInput:\n%s\n", string(t.Input))
	}

	resp, err := llm.Complete(ctx, r.client, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: llmRunnerSystemPrompt},
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return nil, err
	}
	r.recordUsage(ctx, t, resp.Usage)

	out, err := jsonx.Marshal(map[string]string{"content": resp.Content})
	if err != nil {
		return nil, err
	}
	return jsonx.RawMessage(out), nil
}

func (r *LLMRunner) recordUsage(ctx context.Context, t *task.Task, u llm.Usage) {
	if r.usage == nil || u.TotalTokens == 0 {
		return
	}
	_, err := r.usage.Add(ctx, usage.Record{
		Principal:        t.Principal,
		ConversationID:   t.ConversationID,
		TaskID:           t.ID,
		Model:            r.client.Model(),
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Duration:         u.Duration,
	})
	if err != nil {
		r.logger.Warn("llm runner: usage record for task %s: %v", t.ID, err)
	}
}
