package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/internal/bus"
	emberrors "ember/internal/errors"
	"ember/internal/shared/jsonx"
	"ember/internal/task"
	"ember/internal/workflow"
)

func testConfig(workers int) Config {
	return Config{
		Workers:            workers,
		BackpressureFactor: 8,
		PollInterval:       5 * time.Millisecond,
		RetryBaseDelay:     time.Millisecond,
		RetryMaxDelay:      5 * time.Millisecond,
	}
}

type fixture struct {
	store *task.MemStore
	bus   *bus.Bus
	exec  *Executor
}

func newFixture(t *testing.T, runner Runner, cfg Config) *fixture {
	t.Helper()
	events := bus.New(nil)
	store := task.NewMemStore(events, nil)
	eval := workflow.NewConditionEvaluator(store, nil, nil)
	exec := New(store, events, runner, eval, cfg, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = exec.Stop(ctx)
		events.Close()
	})
	return &fixture{store: store, bus: events, exec: exec}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.exec.Start(context.Background()))
}

func (f *fixture) waitStatus(t *testing.T, id string, want task.Status) *task.Task {
	t.Helper()
	var got *task.Task
	require.Eventually(t, func() bool {
		cur, err := f.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = cur
		return cur.Status == want
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

func echoRunner() Runner {
	return RunnerFunc(func(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
		return jsonx.RawMessage(`{"ok":true}`), nil
	})
}

// orderRunner records completion order and can hold tasks on a gate.
type orderRunner struct {
	mu    sync.Mutex
	order []string
	gates map[string]chan struct{}
}

func newOrderRunner() *orderRunner {
	return &orderRunner{gates: make(map[string]chan struct{})}
}

func (r *orderRunner) gate(id string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.gates[id] = ch
	return ch
}

func (r *orderRunner) Run(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
	r.mu.Lock()
	gate := r.gates[t.ID]
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	r.order = append(r.order, t.ID)
	r.mu.Unlock()
	return jsonx.RawMessage(`{}`), nil
}

func (r *orderRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestRunsReadyTask(t *testing.T) {
	f := newFixture(t, echoRunner(), testConfig(2))
	f.start(t)

	created, err := f.store.Create(context.Background(), task.Spec{
		ID: "t1", Title: "fetch weather", Kind: task.KindFetch, Principal: "alice",
	})
	require.NoError(t, err)
	f.exec.kickNow()

	done := f.waitStatus(t, created.ID, task.StatusCompleted)
	assert.JSONEq(t, `{"ok":true}`, string(done.Output))
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)

	trail, err := f.store.Transitions(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, task.StatusRunning, trail[0].To)
	assert.Equal(t, task.StatusCompleted, trail[1].To)
}

func TestPrioritizeJumpsQueue(t *testing.T) {
	runner := newOrderRunner()
	f := newFixture(t, runner, testConfig(1))

	ctx := context.Background()
	// Top priority so the blocker takes the only slot before the queue forms.
	blocker, err := f.store.Create(ctx, task.Spec{ID: "blocker", Title: "hold the slot", Kind: task.KindAction, Priority: 10})
	require.NoError(t, err)
	gate := runner.gate(blocker.ID)

	_, err = f.store.Create(ctx, task.Spec{ID: "first", Title: "first in line", Kind: task.KindFetch, Priority: 2})
	require.NoError(t, err)
	late, err := f.store.Create(ctx, task.Spec{ID: "late", Title: "late arrival", Kind: task.KindFetch, Priority: 1})
	require.NoError(t, err)

	f.start(t)
	// Wait until the blocker occupies the only slot.
	f.waitStatus(t, blocker.ID, task.StatusRunning)

	bumped, err := f.exec.Prioritize(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, bumped.Priority)

	close(gate)
	f.waitStatus(t, "late", task.StatusCompleted)
	f.waitStatus(t, "first", task.StatusCompleted)

	order := runner.ran()
	require.Len(t, order, 3)
	assert.Equal(t, []string{"blocker", "late", "first"}, order)
}

func TestPrioritizeAlreadyTopIsStable(t *testing.T) {
	f := newFixture(t, echoRunner(), testConfig(1))
	ctx := context.Background()
	_, err := f.store.Create(ctx, task.Spec{ID: "a", Title: "a", Kind: task.KindFetch, Priority: 3})
	require.NoError(t, err)
	b, err := f.store.Create(ctx, task.Spec{ID: "b", Title: "b", Kind: task.KindFetch, Priority: 1})
	require.NoError(t, err)

	bumped, err := f.exec.Prioritize(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, bumped.Priority)

	again, err := f.exec.Prioritize(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, again.Priority)
}

func TestSequentialChildrenCompleteParent(t *testing.T) {
	runner := newOrderRunner()
	f := newFixture(t, nil, testConfig(4))
	f.exec.runner = AwaitChildren(f.store, runner)

	ctx := context.Background()
	parent, err := f.store.Create(ctx, task.Spec{ID: "p", Title: "morning briefing", Kind: task.KindSynthesis, Principal: "alice"})
	require.NoError(t, err)
	_, err = f.store.SpawnSubtasks(ctx, parent.ID, []task.Spec{
		{ID: "c1", Title: "step one", Kind: task.KindFetch},
		{ID: "c2", Title: "step two", Kind: task.KindTransform},
		{ID: "c3", Title: "step three", Kind: task.KindNotify},
	}, task.ModeSequential)
	require.NoError(t, err)

	f.start(t)
	done := f.waitStatus(t, parent.ID, task.StatusCompleted)
	f.waitStatus(t, "c3", task.StatusCompleted)

	order := runner.ran()
	idx := func(id string) int {
		for i, v := range order {
			if v == id {
				return i
			}
		}
		return -1
	}
	assert.Less(t, idx("c1"), idx("c2"))
	assert.Less(t, idx("c2"), idx("c3"))

	var agg struct {
		Children []struct {
			TaskID string `json:"task_id"`
		} `json:"children"`
	}
	require.NoError(t, jsonx.Unmarshal(done.Output, &agg))
	// notify children are fire-and-forget and never aggregated.
	ids := make([]string, 0, len(agg.Children))
	for _, c := range agg.Children {
		ids = append(ids, c.TaskID)
	}
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids)
}

func TestParallelFanOutOneFailureFailsParent(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
		if t.ID == "bad" {
			return nil, &emberrors.PermanentError{Err: errors.New("upstream 404")}
		}
		return jsonx.RawMessage(`{}`), nil
	})
	f := newFixture(t, nil, testConfig(4))
	f.exec.runner = AwaitChildren(f.store, runner)

	ctx := context.Background()
	parent, err := f.store.Create(ctx, task.Spec{ID: "p", Title: "fan out", Kind: task.KindResearch})
	require.NoError(t, err)
	_, err = f.store.SpawnSubtasks(ctx, parent.ID, []task.Spec{
		{ID: "ok1", Title: "a", Kind: task.KindFetch},
		{ID: "bad", Title: "b", Kind: task.KindFetch},
		{ID: "ok2", Title: "c", Kind: task.KindFetch},
	}, task.ModeParallel)
	require.NoError(t, err)

	f.start(t)
	failed := f.waitStatus(t, parent.ID, task.StatusFailed)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "child_failure", failed.Error.Kind)
	assert.Contains(t, failed.Error.Message, "bad")

	// Siblings are not cancelled by a parallel sibling failure.
	f.waitStatus(t, "ok1", task.StatusCompleted)
	f.waitStatus(t, "ok2", task.StatusCompleted)
}

func TestConditionFalseSkipsBranch(t *testing.T) {
	// The parent completes with its own output; conditional children stay
	// pending until then and are routed by the verdict afterwards.
	f := newFixture(t, echoRunner(), testConfig(2))

	ctx := context.Background()
	parent, err := f.store.Create(ctx, task.Spec{ID: "p", Title: "gatekeeper", Kind: task.KindAnalysis})
	require.NoError(t, err)
	_, err = f.store.SpawnSubtasks(ctx, parent.ID, []task.Spec{
		{ID: "taken", Title: "matching branch", Kind: task.KindFetch, Condition: task.Condition{
			Type: task.ConditionParentOutput, Path: "ok", Op: task.OpEq, Value: "true",
		}},
		{ID: "skipped", Title: "other branch", Kind: task.KindFetch, Condition: task.Condition{
			Type: task.ConditionParentOutput, Path: "ok", Op: task.OpEq, Value: "false",
		}},
	}, task.ModeParallel)
	require.NoError(t, err)

	f.start(t)
	f.waitStatus(t, parent.ID, task.StatusCompleted)

	skipped := f.waitStatus(t, "skipped", task.StatusCancelled)
	require.NotNil(t, skipped.Error)
	assert.Equal(t, workflow.ErrorKindSkipped, skipped.Error.Kind)
	assert.Equal(t, workflow.ReasonConditionFalse, skipped.Error.Message)

	f.waitStatus(t, "taken", task.StatusCompleted)
}

func TestBlockedDependencyIsCancelled(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
		return nil, &emberrors.PermanentError{Err: errors.New("boom")}
	})
	f := newFixture(t, runner, testConfig(2))

	ctx := context.Background()
	a, err := f.store.Create(ctx, task.Spec{ID: "a", Title: "a", Kind: task.KindFetch})
	require.NoError(t, err)
	b, err := f.store.Create(ctx, task.Spec{ID: "b", Title: "b", Kind: task.KindFetch, Dependencies: []string{a.ID}})
	require.NoError(t, err)

	f.start(t)
	f.waitStatus(t, a.ID, task.StatusFailed)
	blocked := f.waitStatus(t, b.ID, task.StatusCancelled)
	require.NotNil(t, blocked.Error)
	assert.Equal(t, "dependency_failed", blocked.Error.Kind)
}

func TestInterruptCascades(t *testing.T) {
	runner := newOrderRunner()
	f := newFixture(t, nil, testConfig(4))
	f.exec.runner = AwaitChildren(f.store, runner)

	ctx := context.Background()
	parent, err := f.store.Create(ctx, task.Spec{ID: "p", Title: "long job", Kind: task.KindResearch})
	require.NoError(t, err)
	_, err = f.store.SpawnSubtasks(ctx, parent.ID, []task.Spec{
		{ID: "child", Title: "slow child", Kind: task.KindFetch},
	}, task.ModeSequential)
	require.NoError(t, err)
	runner.gate("child")

	f.start(t)
	f.waitStatus(t, "child", task.StatusRunning)

	require.NoError(t, f.exec.Interrupt(ctx, parent.ID, "user abort"))
	p := f.waitStatus(t, parent.ID, task.StatusCancelled)
	c := f.waitStatus(t, "child", task.StatusCancelled)
	assert.Equal(t, "user abort", p.Error.Message)
	require.NotNil(t, c.Error)

	// Idempotent on terminal tasks.
	require.NoError(t, f.exec.Interrupt(ctx, parent.ID, "again"))
}

func TestProvideInputResumesTask(t *testing.T) {
	var calls int
	var mu sync.Mutex
	runner := RunnerFunc(func(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return nil, NeedInput("which city?")
		}
		return t.Input, nil
	})
	f := newFixture(t, runner, testConfig(2))
	f.start(t)

	ctx := context.Background()
	created, err := f.store.Create(ctx, task.Spec{ID: "t", Title: "ask user", Kind: task.KindAction, RequiresInput: true})
	require.NoError(t, err)

	waiting := f.waitStatus(t, created.ID, task.StatusWaitingInput)
	assert.True(t, waiting.WaitingForInput)
	assert.Equal(t, "which city?", waiting.InputPrompt)

	_, err = f.exec.ProvideInput(ctx, created.ID, jsonx.RawMessage(`{"city":"Osaka"}`))
	require.NoError(t, err)

	done := f.waitStatus(t, created.ID, task.StatusCompleted)
	assert.JSONEq(t, `{"city":"Osaka"}`, string(done.Output))
}

func TestProvideInputRejectsWrongStatus(t *testing.T) {
	f := newFixture(t, echoRunner(), testConfig(1))
	ctx := context.Background()
	created, err := f.store.Create(ctx, task.Spec{ID: "t", Title: "plain", Kind: task.KindFetch})
	require.NoError(t, err)

	_, err = f.exec.ProvideInput(ctx, created.ID, nil)
	require.ErrorIs(t, err, task.ErrWrongFromStatus)
}

func TestTransientFailureRetries(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	runner := RunnerFunc(func(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, &emberrors.TransientError{Err: fmt.Errorf("flaky attempt %d", n)}
		}
		return jsonx.RawMessage(`{}`), nil
	})
	f := newFixture(t, runner, testConfig(1))
	f.start(t)

	created, err := f.store.Create(context.Background(), task.Spec{
		ID: "t", Title: "flaky fetch", Kind: task.KindFetch, MaxRetries: 5,
	})
	require.NoError(t, err)

	done := f.waitStatus(t, created.ID, task.StatusCompleted)
	assert.Equal(t, 2, done.RetryCount)
}

func TestRetriesExhaustedFailsTask(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
		return nil, &emberrors.TransientError{Err: errors.New("always down")}
	})
	f := newFixture(t, runner, testConfig(1))
	f.start(t)

	created, err := f.store.Create(context.Background(), task.Spec{
		ID: "t", Title: "doomed", Kind: task.KindFetch, MaxRetries: 2,
	})
	require.NoError(t, err)

	failed := f.waitStatus(t, created.ID, task.StatusFailed)
	assert.Equal(t, 2, failed.RetryCount)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "transient", failed.Error.Kind)
}

func TestNonIdempotentErrorFailsImmediately(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	runner := RunnerFunc(func(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, &emberrors.PermanentError{Err: errors.New("bad request")}
	})
	f := newFixture(t, runner, testConfig(1))
	f.start(t)

	created, err := f.store.Create(context.Background(), task.Spec{
		ID: "t", Title: "no retry", Kind: task.KindFetch, MaxRetries: 5,
	})
	require.NoError(t, err)

	f.waitStatus(t, created.ID, task.StatusFailed)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}

func TestSpawnBackpressure(t *testing.T) {
	runner := newOrderRunner()
	cfg := testConfig(1)
	cfg.BackpressureFactor = 1
	f := newFixture(t, runner, cfg)

	ctx := context.Background()
	blocker, err := f.store.Create(ctx, task.Spec{ID: "blocker", Title: "hold", Kind: task.KindAction})
	require.NoError(t, err)
	runner.gate(blocker.ID)
	for i := 0; i < 3; i++ {
		_, err := f.store.Create(ctx, task.Spec{ID: fmt.Sprintf("q%d", i), Title: "queued", Kind: task.KindFetch})
		require.NoError(t, err)
	}

	f.start(t)
	f.waitStatus(t, blocker.ID, task.StatusRunning)
	require.Eventually(t, func() bool { return f.exec.Overloaded() },
		time.Second, 5*time.Millisecond)

	_, err = f.exec.Spawn(ctx, task.Spec{Title: "one too many", Kind: task.KindFetch})
	require.Error(t, err)
	assert.True(t, emberrors.IsBackpressure(err))
}

func TestPauseHoldsDispatch(t *testing.T) {
	f := newFixture(t, echoRunner(), testConfig(2))
	f.start(t)
	require.NoError(t, f.exec.Pause())
	assert.Equal(t, StatePaused, f.exec.Status().State)

	created, err := f.store.Create(context.Background(), task.Spec{ID: "t", Title: "parked", Kind: task.KindFetch})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	cur, err := f.store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, cur.Status)

	require.NoError(t, f.exec.Resume())
	f.waitStatus(t, created.ID, task.StatusCompleted)
}

func TestDrainFinishesInFlight(t *testing.T) {
	runner := newOrderRunner()
	f := newFixture(t, runner, testConfig(1))
	ctx := context.Background()

	created, err := f.store.Create(ctx, task.Spec{ID: "t", Title: "in flight", Kind: task.KindAction})
	require.NoError(t, err)
	gate := runner.gate(created.ID)

	f.start(t)
	f.waitStatus(t, created.ID, task.StatusRunning)

	drained := make(chan error, 1)
	go func() { drained <- f.exec.Drain(ctx) }()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.NoError(t, <-drained)
	assert.Equal(t, StateStopped, f.exec.Status().State)
	f.waitStatus(t, created.ID, task.StatusCompleted)
}

func TestDeadlineInterruptsTask(t *testing.T) {
	runner := newOrderRunner()
	cfg := testConfig(1)
	cfg.TaskTimeout = 30 * time.Millisecond
	f := newFixture(t, runner, cfg)

	ctx := context.Background()
	created, err := f.store.Create(ctx, task.Spec{ID: "t", Title: "hangs forever", Kind: task.KindAction})
	require.NoError(t, err)
	runner.gate(created.ID) // never opened

	f.start(t)
	cancelled := f.waitStatus(t, created.ID, task.StatusCancelled)
	require.NotNil(t, cancelled.Error)
	assert.Contains(t, cancelled.Error.Message, "deadline exceeded")
}

func TestStartTwiceFails(t *testing.T) {
	f := newFixture(t, echoRunner(), testConfig(1))
	f.start(t)
	require.Error(t, f.exec.Start(context.Background()))
}

func TestGateInputParksTaskUntilInput(t *testing.T) {
	runner := GateInput(RunnerFunc(func(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
		return t.Input, nil
	}))
	f := newFixture(t, runner, testConfig(1))
	f.start(t)

	ctx := context.Background()
	created, err := f.store.Create(ctx, task.Spec{ID: "t", Title: "needs a choice", Kind: task.KindAction, RequiresInput: true})
	require.NoError(t, err)

	waiting := f.waitStatus(t, created.ID, task.StatusWaitingInput)
	assert.Equal(t, "input required to proceed", waiting.InputPrompt)

	_, err = f.exec.ProvideInput(ctx, created.ID, jsonx.RawMessage(`{"choice":"yes"}`))
	require.NoError(t, err)
	done := f.waitStatus(t, created.ID, task.StatusCompleted)
	assert.JSONEq(t, `{"choice":"yes"}`, string(done.Output))
}
