package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/internal/llm"
	"ember/internal/shared/jsonx"
	"ember/internal/task"
)

const sampleTemplate = `
id: wf-research
name: morning-research
root:
  title: daily research
  kind: research
  execution_mode: sequential
  children:
    - title: fetch sources
      kind: fetch
    - title: summarize
      kind: synthesis
      children:
        - title: notify me
          kind: notify
`

func TestParseTemplate(t *testing.T) {
	tpl, err := ParseTemplate([]byte(sampleTemplate))
	require.NoError(t, err)
	assert.Equal(t, "morning-research", tpl.Name)
	assert.Equal(t, "daily research", tpl.Root.Spec.Title)
	require.Len(t, tpl.Root.Children, 2)
	assert.Equal(t, task.KindFetch, tpl.Root.Children[0].Spec.Kind)
	require.Len(t, tpl.Root.Children[1].Children, 1)
	assert.Equal(t, task.KindNotify, tpl.Root.Children[1].Children[0].Spec.Kind)
}

func TestParseTemplateRejectsEmpty(t *testing.T) {
	_, err := ParseTemplate([]byte(`name: empty`))
	assert.Error(t, err)

	_, err = ParseTemplate([]byte(`not yaml: [`))
	assert.Error(t, err)
}

func TestInstantiate(t *testing.T) {
	store := task.NewMemStore(nil, nil)
	tpl, err := ParseTemplate([]byte(sampleTemplate))
	require.NoError(t, err)

	root, all, err := Instantiate(context.Background(), store, tpl, "alice")
	require.NoError(t, err)
	require.Len(t, all, 4)

	assert.Equal(t, "wf-research", root.WorkflowID)
	assert.Equal(t, "alice", root.Principal)

	children, err := store.Children(context.Background(), root.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	// Sequential root chains the second child onto the first.
	assert.Empty(t, children[0].Dependencies)
	assert.Equal(t, []string{children[0].ID}, children[1].Dependencies)

	for _, created := range all {
		assert.Equal(t, "wf-research", created.WorkflowID)
		assert.Equal(t, "alice", created.Principal)
	}
}

func seedParentChild(t *testing.T, store task.Store, parentOutput string, cond task.Condition) (*task.Task, *task.Task) {
	t.Helper()
	ctx := context.Background()
	parent, err := store.Create(ctx, task.Spec{Title: "parent", Kind: task.KindResearch})
	require.NoError(t, err)
	children, err := store.SpawnSubtasks(ctx, parent.ID, []task.Spec{
		{Title: "child", Kind: task.KindAction, Condition: cond},
	}, task.ModeSequential)
	require.NoError(t, err)

	_, err = store.Transition(ctx, parent.ID, task.StatusPending, task.StatusRunning)
	require.NoError(t, err)
	if parentOutput != "" {
		_, err = store.Transition(ctx, parent.ID, task.StatusRunning, task.StatusCompleted,
			task.WithOutput(jsonx.RawMessage(parentOutput)))
		require.NoError(t, err)
	}
	return parent, children[0]
}

func TestEvaluateAlways(t *testing.T) {
	store := task.NewMemStore(nil, nil)
	e := NewConditionEvaluator(store, nil, nil)

	ok, err := e.Evaluate(context.Background(), &task.Task{Condition: task.Condition{}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateParentOutputMatches(t *testing.T) {
	cases := []struct {
		name   string
		output string
		cond   task.Condition
		want   bool
	}{
		{"eq hit", `{"verdict":"go"}`, task.Condition{Type: task.ConditionParentOutput, Path: "verdict", Op: task.OpEq, Value: "go"}, true},
		{"eq miss", `{"verdict":"stop"}`, task.Condition{Type: task.ConditionParentOutput, Path: "verdict", Op: task.OpEq, Value: "go"}, false},
		{"ne", `{"verdict":"stop"}`, task.Condition{Type: task.ConditionParentOutput, Path: "verdict", Op: task.OpNe, Value: "go"}, true},
		{"contains", `{"summary":"all systems nominal"}`, task.Condition{Type: task.ConditionParentOutput, Path: "summary", Op: task.OpContains, Value: "nominal"}, true},
		{"gt numeric", `{"score":7.5}`, task.Condition{Type: task.ConditionParentOutput, Path: "score", Op: task.OpGt, Value: "5"}, true},
		{"lt numeric", `{"score":3}`, task.Condition{Type: task.ConditionParentOutput, Path: "score", Op: task.OpLt, Value: "5"}, true},
		{"nested path", `{"result":{"state":"ok"}}`, task.Condition{Type: task.ConditionParentOutput, Path: "result.state", Op: task.OpEq, Value: "ok"}, true},
		{"missing path", `{"other":1}`, task.Condition{Type: task.ConditionParentOutput, Path: "verdict", Op: task.OpEq, Value: "go"}, false},
		{"bool value", `{"done":true}`, task.Condition{Type: task.ConditionParentOutput, Path: "done", Op: task.OpEq, Value: "true"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := task.NewMemStore(nil, nil)
			_, child := seedParentChild(t, store, tc.output, tc.cond)
			e := NewConditionEvaluator(store, nil, nil)
			got, err := e.Evaluate(context.Background(), child)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateParentOutputWithoutParent(t *testing.T) {
	store := task.NewMemStore(nil, nil)
	e := NewConditionEvaluator(store, nil, nil)
	ok, err := e.Evaluate(context.Background(), &task.Task{
		Condition: task.Condition{Type: task.ConditionParentOutput, Path: "x", Op: task.OpEq, Value: "1"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateLLMCondition(t *testing.T) {
	cases := []struct {
		reply string
		want  bool
	}{
		{"true", true},
		{"True.", true},
		{" TRUE", true},
		{"false", false},
		{"probably yes", false}, // unparseable verdict ties to false
		{"", false},
	}
	for _, tc := range cases {
		store := task.NewMemStore(nil, nil)
		cond := task.Condition{Type: task.ConditionLLM, Prompt: "is it sunny?"}
		_, child := seedParentChild(t, store, `{"sky":"clear"}`, cond)

		fake := llm.NewFakeClient(tc.reply)
		e := NewConditionEvaluator(store, fake, nil)
		got, err := e.Evaluate(context.Background(), child)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "reply %q", tc.reply)

		// The prompt carries the boolean contract and the parent output.
		require.NotEmpty(t, fake.Requests)
		req := fake.Requests[0]
		assert.Equal(t, "Answer strictly true or false.", req.Messages[0].Content)
		assert.Contains(t, req.Messages[1].Content, "is it sunny?")
		assert.Contains(t, req.Messages[1].Content, `"clear"`)
	}
}

func TestEvaluateLLMWithoutClientIsFalse(t *testing.T) {
	store := task.NewMemStore(nil, nil)
	e := NewConditionEvaluator(store, nil, nil)
	ok, err := e.Evaluate(context.Background(), &task.Task{
		Condition: task.Condition{Type: task.ConditionLLM, Prompt: "?"},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckReadiness(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemStore(nil, nil)
	e := NewConditionEvaluator(store, nil, nil)

	a, err := store.Create(ctx, task.Spec{Title: "a", Kind: task.KindFetch})
	require.NoError(t, err)
	b, err := store.Create(ctx, task.Spec{Title: "b", Kind: task.KindAction, Dependencies: []string{a.ID}})
	require.NoError(t, err)

	got, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	r, err := CheckReadiness(ctx, store, e, got)
	require.NoError(t, err)
	assert.Equal(t, NotReady, r, "dependency still pending")

	_, err = store.Transition(ctx, a.ID, task.StatusPending, task.StatusRunning)
	require.NoError(t, err)
	_, err = store.Transition(ctx, a.ID, task.StatusRunning, task.StatusCompleted)
	require.NoError(t, err)

	r, err = CheckReadiness(ctx, store, e, got)
	require.NoError(t, err)
	assert.Equal(t, Ready, r)
}

func TestCheckReadinessBlockedByFailedDependency(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemStore(nil, nil)
	e := NewConditionEvaluator(store, nil, nil)

	a, err := store.Create(ctx, task.Spec{Title: "a", Kind: task.KindFetch})
	require.NoError(t, err)
	b, err := store.Create(ctx, task.Spec{Title: "b", Kind: task.KindAction, Dependencies: []string{a.ID}})
	require.NoError(t, err)

	_, err = store.Transition(ctx, a.ID, task.StatusPending, task.StatusRunning)
	require.NoError(t, err)
	_, err = store.Transition(ctx, a.ID, task.StatusRunning, task.StatusFailed)
	require.NoError(t, err)

	got, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	r, err := CheckReadiness(ctx, store, e, got)
	require.NoError(t, err)
	assert.Equal(t, Blocked, r)
}

func TestCheckReadinessToleratedFailure(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemStore(nil, nil)
	e := NewConditionEvaluator(store, nil, nil)

	parent, err := store.Create(ctx, task.Spec{Title: "p", Kind: task.KindResearch, TolerateFailures: true})
	require.NoError(t, err)
	children, err := store.SpawnSubtasks(ctx, parent.ID, []task.Spec{
		{Title: "x", Kind: task.KindFetch},
		{Title: "y", Kind: task.KindAction},
	}, task.ModeSequential)
	require.NoError(t, err)

	_, err = store.Transition(ctx, children[0].ID, task.StatusPending, task.StatusRunning)
	require.NoError(t, err)
	_, err = store.Transition(ctx, children[0].ID, task.StatusRunning, task.StatusFailed)
	require.NoError(t, err)

	got, err := store.Get(ctx, children[1].ID)
	require.NoError(t, err)
	r, err := CheckReadiness(ctx, store, e, got)
	require.NoError(t, err)
	assert.Equal(t, Ready, r, "tolerant parent lets dependents run past failed deps")
}

func TestCheckReadinessSkipsFalseBranch(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemStore(nil, nil)
	e := NewConditionEvaluator(store, nil, nil)

	cond := task.Condition{Type: task.ConditionParentOutput, Path: "verdict", Op: task.OpEq, Value: "go"}
	_, child := seedParentChild(t, store, `{"verdict":"stop"}`, cond)

	r, err := CheckReadiness(ctx, store, e, child)
	require.NoError(t, err)
	assert.Equal(t, Skip, r)
}

func terminalize(t *testing.T, store task.Store, id string, to task.Status, opts ...task.TransitionOption) {
	t.Helper()
	ctx := context.Background()
	_, err := store.Transition(ctx, id, task.StatusPending, task.StatusRunning)
	require.NoError(t, err)
	_, err = store.Transition(ctx, id, task.StatusRunning, to, opts...)
	require.NoError(t, err)
}

func TestResolveParentWaitsForAllChildren(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemStore(nil, nil)

	parent, err := store.Create(ctx, task.Spec{Title: "p", Kind: task.KindResearch})
	require.NoError(t, err)
	children, err := store.SpawnSubtasks(ctx, parent.ID, []task.Spec{
		{Title: "x", Kind: task.KindFetch},
		{Title: "y", Kind: task.KindFetch},
		{Title: "z", Kind: task.KindFetch},
	}, task.ModeParallel)
	require.NoError(t, err)

	// Y fails first; X and Z still running, so the verdict must wait.
	terminalize(t, store, children[1].ID, task.StatusFailed)

	agg, err := ResolveParent(ctx, store, parent)
	require.NoError(t, err)
	assert.Equal(t, ParentWaiting, agg.Outcome, "failure verdict only lands when all children are terminal")

	terminalize(t, store, children[0].ID, task.StatusCompleted, task.WithOutput(jsonx.RawMessage(`{"x":1}`)))
	terminalize(t, store, children[2].ID, task.StatusCompleted, task.WithOutput(jsonx.RawMessage(`{"z":3}`)))

	agg, err = ResolveParent(ctx, store, parent)
	require.NoError(t, err)
	assert.Equal(t, ParentFailed, agg.Outcome)
	assert.Contains(t, agg.Reason, children[1].ID)
}

func TestResolveParentToleratesFailures(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemStore(nil, nil)

	parent, err := store.Create(ctx, task.Spec{Title: "p", Kind: task.KindResearch, TolerateFailures: true})
	require.NoError(t, err)
	children, err := store.SpawnSubtasks(ctx, parent.ID, []task.Spec{
		{Title: "x", Kind: task.KindFetch},
		{Title: "y", Kind: task.KindFetch},
	}, task.ModeParallel)
	require.NoError(t, err)

	terminalize(t, store, children[0].ID, task.StatusCompleted, task.WithOutput(jsonx.RawMessage(`{"x":1}`)))
	terminalize(t, store, children[1].ID, task.StatusFailed)

	agg, err := ResolveParent(ctx, store, parent)
	require.NoError(t, err)
	require.Equal(t, ParentCompleted, agg.Outcome)

	var out struct {
		Children []childOutput `json:"children"`
	}
	require.NoError(t, jsonx.Unmarshal(agg.Output, &out))
	require.Len(t, out.Children, 1, "failed child excluded from aggregate")
	assert.Equal(t, children[0].ID, out.Children[0].TaskID)
}

func TestResolveParentIgnoresNotifyChildren(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemStore(nil, nil)

	parent, err := store.Create(ctx, task.Spec{Title: "p", Kind: task.KindResearch})
	require.NoError(t, err)
	children, err := store.SpawnSubtasks(ctx, parent.ID, []task.Spec{
		{Title: "work", Kind: task.KindFetch},
		{Title: "ping", Kind: task.KindNotify},
	}, task.ModeParallel)
	require.NoError(t, err)

	terminalize(t, store, children[0].ID, task.StatusCompleted)
	// The notify child is still pending; fire-and-forget must not block.

	agg, err := ResolveParent(ctx, store, parent)
	require.NoError(t, err)
	assert.Equal(t, ParentCompleted, agg.Outcome)
}

func TestResolveParentTreatsSkippedBranchAsNonFailure(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemStore(nil, nil)

	parent, err := store.Create(ctx, task.Spec{Title: "p", Kind: task.KindResearch})
	require.NoError(t, err)
	children, err := store.SpawnSubtasks(ctx, parent.ID, []task.Spec{
		{Title: "taken", Kind: task.KindFetch},
		{Title: "untaken", Kind: task.KindFetch},
	}, task.ModeParallel)
	require.NoError(t, err)

	terminalize(t, store, children[0].ID, task.StatusCompleted)
	_, err = store.Transition(ctx, children[1].ID, task.StatusPending, task.StatusCancelled,
		task.WithReason(ReasonConditionFalse), task.WithError(ErrorKindSkipped, ReasonConditionFalse))
	require.NoError(t, err)

	agg, err := ResolveParent(ctx, store, parent)
	require.NoError(t, err)
	assert.Equal(t, ParentCompleted, agg.Outcome)
}

func TestTakeSnapshot(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemStore(nil, nil)
	tpl, err := ParseTemplate([]byte(sampleTemplate))
	require.NoError(t, err)
	root, all, err := Instantiate(ctx, store, tpl, "alice")
	require.NoError(t, err)

	snap, err := TakeSnapshot(ctx, store, root.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, PhasePending, snap.Phase)
	assert.Equal(t, len(all), snap.Total)

	_, err = store.Transition(ctx, root.ID, task.StatusPending, task.StatusRunning)
	require.NoError(t, err)
	snap, err = TakeSnapshot(ctx, store, root.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, PhaseRunning, snap.Phase)
	assert.Equal(t, 1, snap.Counts[task.StatusRunning])
}

func TestEvaluateParentOutputPendingParentIsProvisional(t *testing.T) {
	ctx := context.Background()
	store := task.NewMemStore(nil, nil)

	parent, err := store.Create(ctx, task.Spec{Title: "still working", Kind: task.KindResearch})
	require.NoError(t, err)
	children, err := store.SpawnSubtasks(ctx, parent.ID, []task.Spec{{
		Title: "gated", Kind: task.KindFetch,
		Condition: task.Condition{Type: task.ConditionParentOutput, Path: "verdict", Op: task.OpEq, Value: "go"},
	}}, task.ModeParallel)
	require.NoError(t, err)

	e := NewConditionEvaluator(store, nil, nil)
	_, err = e.Evaluate(ctx, children[0])
	require.ErrorIs(t, err, ErrParentPending)

	r, err := CheckReadiness(ctx, store, e, children[0])
	require.Error(t, err)
	assert.Equal(t, NotReady, r, "branch must stay pending until the parent output exists")
}
