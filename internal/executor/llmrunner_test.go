package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/internal/llm"
	"ember/internal/shared/jsonx"
	"ember/internal/task"
	"ember/internal/usage"
)

func TestLLMRunnerProducesContentOutput(t *testing.T) {
	client := llm.NewFakeClient("Berlin has roughly 3.8 million residents.")
	usageStore := usage.NewMemStore()
	runner := NewLLMRunner(client, usageStore, nil)

	out, err := runner.Run(context.Background(), &task.Task{
		ID:          "task-1",
		Kind:        task.KindResearch,
		Title:       "population of Berlin",
		Description: "Find the current population.",
		Principal:   "alice",
		Input:       jsonx.RawMessage(`{"city":"Berlin"}`),
	})
	require.NoError(t, err)

	var got struct {
		Content string `json:"content"`
	}
	require.NoError(t, jsonx.Unmarshal(out, &got))
	assert.Equal(t, "Berlin has roughly 3.8 million residents.", got.Content)

	require.Len(t, client.Requests, 1)
	sent := client.Requests[0].Messages
	require.Len(t, sent, 2)
	assert.Equal(t, "system", sent[0].Role)
	assert.Contains(t, sent[1].Content, "population of Berlin")
	assert.Contains(t, sent[1].Content, "Berlin")

	records, err := usageStore.List(context.Background(), usage.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "task-1", records[0].TaskID)
	assert.Equal(t, "alice", records[0].Principal)
	assert.Equal(t, "fake-model", records[0].Model)
	assert.Positive(t, records[0].TotalTokens)
}

func TestLLMRunnerPropagatesClientError(t *testing.T) {
	client := llm.NewFakeClient("unused")
	client.StreamErr = context.DeadlineExceeded
	runner := NewLLMRunner(client, nil, nil)

	_, err := runner.Run(context.Background(), &task.Task{
		ID:    "task-2",
		Kind:  task.KindAnalysis,
		Title: "summarize notes",
	})
	require.Error(t, err)
}
