package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/internal/shared/jsonx"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusWaitingInput, true},
		{StatusRunning, StatusPending, false},
		{StatusWaitingInput, StatusPending, true},
		{StatusWaitingInput, StatusCancelled, true},
		{StatusWaitingInput, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusPending, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s → %s", tc.from, tc.to)
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusWaitingInput.IsTerminal())
}

func TestKindIsValid(t *testing.T) {
	assert.True(t, KindResearch.IsValid())
	assert.True(t, KindNotify.IsValid())
	assert.False(t, Kind("bogus").IsValid())
	assert.False(t, Kind("").IsValid())
}

func TestConditionIsZero(t *testing.T) {
	assert.True(t, Condition{}.IsZero())
	assert.True(t, Condition{Type: ConditionAlways}.IsZero())
	assert.False(t, Condition{Type: ConditionLLM, Prompt: "done?"}.IsZero())
}

func TestCloneIsDeep(t *testing.T) {
	started := time.Now()
	orig := &Task{
		ID:           "t-1",
		Dependencies: []string{"a", "b"},
		Input:        jsonx.RawMessage(`{"x":1}`),
		Output:       jsonx.RawMessage(`{"y":2}`),
		Error:        &Error{Kind: "transient", Message: "boom"},
		StartedAt:    &started,
	}

	dup := orig.Clone()
	require.Equal(t, orig, dup)

	dup.Dependencies[0] = "changed"
	dup.Input[0] = 'X'
	dup.Error.Message = "changed"
	*dup.StartedAt = started.Add(time.Hour)

	assert.Equal(t, "a", orig.Dependencies[0])
	assert.Equal(t, byte('{'), orig.Input[0])
	assert.Equal(t, "boom", orig.Error.Message)
	assert.Equal(t, started, *orig.StartedAt)
}

func TestTransitionOptions(t *testing.T) {
	p := ApplyTransitionOptions([]TransitionOption{
		WithReason("done"),
		WithOutput(jsonx.RawMessage(`{"ok":true}`)),
		WithError("permanent", "nope"),
		WithInputPrompt("continue?"),
		WithDuration(2 * time.Second),
		WithRetryCount(3),
		WithPriority(42),
	})

	assert.Equal(t, "done", p.Reason)
	assert.JSONEq(t, `{"ok":true}`, string(p.Output))
	require.NotNil(t, p.Error)
	assert.Equal(t, "permanent", p.Error.Kind)
	assert.Equal(t, "continue?", p.InputPrompt)
	assert.Equal(t, 2*time.Second, p.Duration)
	require.NotNil(t, p.RetryCount)
	assert.Equal(t, 3, *p.RetryCount)
	require.NotNil(t, p.Priority)
	assert.Equal(t, 42, *p.Priority)
}

func TestFilterMatches(t *testing.T) {
	now := time.Now()
	tk := &Task{
		Status:         StatusPending,
		ParentID:       "p-1",
		WorkflowID:     "wf-1",
		Principal:      "alice",
		ConversationID: "c-1",
		Priority:       50,
		CreatedAt:      now,
	}

	assert.True(t, Filter{}.Matches(tk))
	assert.True(t, Filter{Statuses: []Status{StatusPending, StatusRunning}}.Matches(tk))
	assert.False(t, Filter{Statuses: []Status{StatusCompleted}}.Matches(tk))
	assert.True(t, Filter{ParentID: "p-1", Principal: "alice"}.Matches(tk))
	assert.False(t, Filter{ParentID: "other"}.Matches(tk))
	assert.True(t, Filter{MinPriority: 50, MaxPriority: 50}.Matches(tk))
	assert.False(t, Filter{MinPriority: 51}.Matches(tk))
	assert.False(t, Filter{MaxPriority: 49}.Matches(tk))
	assert.True(t, Filter{CreatedAfter: now.Add(-time.Minute)}.Matches(tk))
	assert.False(t, Filter{CreatedBefore: now.Add(-time.Minute)}.Matches(tk))
}
