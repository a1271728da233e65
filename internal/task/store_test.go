package task

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/internal/bus"
	"ember/internal/shared/jsonx"
)

// The same behavioural suite runs against every Store backend.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemStore(nil, nil))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"), nil, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func mustCreate(t *testing.T, s Store, spec Spec) *Task {
	t.Helper()
	if spec.Kind == "" {
		spec.Kind = KindAction
	}
	tk, err := s.Create(context.Background(), spec)
	require.NoError(t, err)
	return tk
}

func TestStoreCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tk := mustCreate(t, s, Spec{
			Title:     "fetch weather",
			Kind:      KindFetch,
			Principal: "alice",
			Priority:  10,
			Input:     jsonx.RawMessage(`{"city":"Oslo"}`),
		})

		require.NotEmpty(t, tk.ID)
		assert.Equal(t, StatusPending, tk.Status)
		assert.Equal(t, ModeSequential, tk.ExecutionMode)
		assert.Equal(t, int64(1), tk.Seq)
		assert.False(t, tk.CreatedAt.IsZero())

		got, err := s.Get(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, tk.Title, got.Title)
		assert.JSONEq(t, `{"city":"Oslo"}`, string(got.Input))
	})
}

func TestStoreCreateValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Create(ctx, Spec{Kind: KindAction})
		assert.Error(t, err, "missing title")

		_, err = s.Create(ctx, Spec{Title: "x", Kind: "bogus"})
		assert.Error(t, err, "unknown kind")

		_, err = s.Create(ctx, Spec{Title: "x", Kind: KindAction, Priority: 101})
		assert.Error(t, err, "priority out of range")

		_, err = s.Create(ctx, Spec{Title: "x", Kind: KindAction, ParentID: "nope"})
		assert.ErrorIs(t, err, ErrMissingParent)

		_, err = s.Create(ctx, Spec{Title: "x", Kind: KindAction, Dependencies: []string{"nope"}})
		assert.ErrorIs(t, err, ErrMissingDep)

		tk := mustCreate(t, s, Spec{Title: "first"})
		_, err = s.Create(ctx, Spec{ID: tk.ID, Title: "dup", Kind: KindAction})
		assert.ErrorIs(t, err, ErrDuplicateID)
	})
}

func TestStoreGetNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreListFilterAndOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustCreate(t, s, Spec{Title: "a", Principal: "alice"})
		b := mustCreate(t, s, Spec{Title: "b", Principal: "bob"})
		c := mustCreate(t, s, Spec{Title: "c", Principal: "alice"})

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

		alice, err := s.List(ctx, Filter{Principal: "alice"})
		require.NoError(t, err)
		require.Len(t, alice, 2)

		limited, err := s.List(ctx, Filter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, a.ID, limited[0].ID)
	})
}

func TestStoreUpdate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tk := mustCreate(t, s, Spec{Title: "old"})

		title := "new"
		prio := 30
		got, err := s.Update(ctx, tk.ID, Patch{Title: &title, Priority: &prio})
		require.NoError(t, err)
		assert.Equal(t, "new", got.Title)
		assert.Equal(t, 30, got.Priority)

		_, err = s.Transition(ctx, tk.ID, StatusPending, StatusCancelled)
		require.NoError(t, err)
		_, err = s.Update(ctx, tk.ID, Patch{Title: &title})
		assert.ErrorIs(t, err, ErrTerminal)
	})
}

func TestStoreTransitionLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tk := mustCreate(t, s, Spec{Title: "work"})

		got, err := s.Transition(ctx, tk.ID, StatusPending, StatusRunning, WithReason("claimed"))
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, got.Status)
		require.NotNil(t, got.StartedAt)

		got, err = s.Transition(ctx, tk.ID, StatusRunning, StatusCompleted,
			WithOutput(jsonx.RawMessage(`{"ok":true}`)))
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		require.NotNil(t, got.CompletedAt)
		assert.JSONEq(t, `{"ok":true}`, string(got.Output))

		// Terminal tasks reject further transitions.
		_, err = s.Transition(ctx, tk.ID, StatusCompleted, StatusRunning)
		assert.Error(t, err)

		recs, err := s.Transitions(ctx, tk.ID)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, StatusPending, recs[0].From)
		assert.Equal(t, StatusRunning, recs[0].To)
		assert.Equal(t, "claimed", recs[0].Reason)
		assert.Equal(t, StatusCompleted, recs[1].To)
	})
}

func TestStoreTransitionGuards(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tk := mustCreate(t, s, Spec{Title: "work"})

		_, err := s.Transition(ctx, tk.ID, StatusRunning, StatusCompleted)
		assert.ErrorIs(t, err, ErrWrongFromStatus)

		_, err = s.Transition(ctx, tk.ID, StatusPending, StatusCompleted)
		assert.ErrorIs(t, err, ErrBadTransition)

		_, err = s.Transition(ctx, "missing", StatusPending, StatusRunning)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreWaitingInputRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tk := mustCreate(t, s, Spec{Title: "ask", RequiresInput: true})

		_, err := s.Transition(ctx, tk.ID, StatusPending, StatusRunning)
		require.NoError(t, err)

		got, err := s.Transition(ctx, tk.ID, StatusRunning, StatusWaitingInput,
			WithInputPrompt("which account?"))
		require.NoError(t, err)
		assert.True(t, got.WaitingForInput)
		assert.Equal(t, "which account?", got.InputPrompt)

		got, err = s.Transition(ctx, tk.ID, StatusWaitingInput, StatusPending,
			WithReason("input provided"))
		require.NoError(t, err)
		assert.False(t, got.WaitingForInput)
		assert.Empty(t, got.InputPrompt)
	})
}

func TestStoreFailureRecordsError(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		tk := mustCreate(t, s, Spec{Title: "doomed"})

		_, err := s.Transition(ctx, tk.ID, StatusPending, StatusRunning)
		require.NoError(t, err)

		got, err := s.Transition(ctx, tk.ID, StatusRunning, StatusFailed,
			WithError("permanent", "upstream 404"), WithRetryCount(2))
		require.NoError(t, err)
		require.NotNil(t, got.Error)
		assert.Equal(t, "permanent", got.Error.Kind)
		assert.Equal(t, "upstream 404", got.Error.Message)
		assert.Equal(t, 2, got.RetryCount)
	})
}

func TestStoreAddDependencyRejectsCycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustCreate(t, s, Spec{Title: "a"})
		b := mustCreate(t, s, Spec{Title: "b", Dependencies: []string{a.ID}})
		c := mustCreate(t, s, Spec{Title: "c", Dependencies: []string{b.ID}})

		err := s.AddDependency(ctx, a.ID, c.ID)
		assert.ErrorIs(t, err, ErrCycle)

		// The rejected edge must not persist.
		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Dependencies)

		// Self-dependency is a cycle too.
		err = s.AddDependency(ctx, a.ID, a.ID)
		assert.ErrorIs(t, err, ErrCycle)
	})
}

func TestStoreAddDependencyIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustCreate(t, s, Spec{Title: "a"})
		b := mustCreate(t, s, Spec{Title: "b"})

		require.NoError(t, s.AddDependency(ctx, b.ID, a.ID))
		require.NoError(t, s.AddDependency(ctx, b.ID, a.ID))

		got, err := s.Get(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{a.ID}, got.Dependencies)
	})
}

func TestStoreSpawnSubtasksSequentialChaining(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		parent := mustCreate(t, s, Spec{Title: "parent", Principal: "alice", ConversationID: "c-1"})

		children, err := s.SpawnSubtasks(ctx, parent.ID, []Spec{
			{Title: "step 1", Kind: KindFetch},
			{Title: "step 2", Kind: KindTransform},
			{Title: "step 3", Kind: KindNotify},
		}, ModeSequential)
		require.NoError(t, err)
		require.Len(t, children, 3)

		for _, c := range children {
			assert.Equal(t, parent.ID, c.ParentID)
			assert.Equal(t, "alice", c.Principal)
			assert.Equal(t, "c-1", c.ConversationID)
		}
		assert.Empty(t, children[0].Dependencies)
		assert.Equal(t, []string{children[0].ID}, children[1].Dependencies)
		assert.Equal(t, []string{children[1].ID}, children[2].Dependencies)
	})
}

func TestStoreSpawnSubtasksParallelNoChaining(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		parent := mustCreate(t, s, Spec{Title: "parent"})

		children, err := s.SpawnSubtasks(ctx, parent.ID, []Spec{
			{Title: "p1", Kind: KindFetch},
			{Title: "p2", Kind: KindFetch},
		}, ModeParallel)
		require.NoError(t, err)
		require.Len(t, children, 2)
		assert.Empty(t, children[0].Dependencies)
		assert.Empty(t, children[1].Dependencies)

		got, err := s.Get(ctx, parent.ID)
		require.NoError(t, err)
		assert.Equal(t, ModeParallel, got.ExecutionMode)
	})
}

func TestStoreSpawnSubtasksAtomic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		parent := mustCreate(t, s, Spec{Title: "parent"})

		_, err := s.SpawnSubtasks(ctx, parent.ID, []Spec{
			{Title: "ok", Kind: KindFetch},
			{Title: "", Kind: KindFetch}, // invalid: no title
		}, ModeSequential)
		require.Error(t, err)

		children, err := s.Children(ctx, parent.ID)
		require.NoError(t, err)
		assert.Empty(t, children, "failed batch must leave no children behind")
	})
}

func TestStoreSpawnSubtasksRejectsTerminalParent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		parent := mustCreate(t, s, Spec{Title: "parent"})
		_, err := s.Transition(ctx, parent.ID, StatusPending, StatusCancelled)
		require.NoError(t, err)

		_, err = s.SpawnSubtasks(ctx, parent.ID, []Spec{{Title: "x", Kind: KindFetch}}, ModeSequential)
		assert.ErrorIs(t, err, ErrTerminal)
	})
}

func TestStoreMarkStaleRunning(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustCreate(t, s, Spec{Title: "a"})
		b := mustCreate(t, s, Spec{Title: "b"})
		_, err := s.Transition(ctx, a.ID, StatusPending, StatusRunning)
		require.NoError(t, err)

		require.NoError(t, s.MarkStaleRunning(ctx, "unclean shutdown"))

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "stale", got.Error.Kind)

		got, err = s.Get(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status, "pending tasks untouched")
	})
}

func TestStoreDeleteExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := mustCreate(t, s, Spec{Title: "done"})
		b := mustCreate(t, s, Spec{Title: "live"})

		_, err := s.Transition(ctx, a.ID, StatusPending, StatusRunning)
		require.NoError(t, err)
		_, err = s.Transition(ctx, a.ID, StatusRunning, StatusCompleted)
		require.NoError(t, err)

		n, err := s.DeleteExpired(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Get(ctx, a.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, b.ID)
		assert.NoError(t, err)
	})
}

func TestMemStoreTransitionPublishesEvent(t *testing.T) {
	events := bus.New(nil)
	s := NewMemStore(events, nil)
	sub := events.Subscribe(TopicTransition, nil)
	defer sub.Close()

	ctx := context.Background()
	tk := mustCreate(t, s, Spec{Title: "observed"})
	_, err := s.Transition(ctx, tk.ID, StatusPending, StatusRunning, WithReason("claimed"))
	require.NoError(t, err)

	select {
	case ev := <-sub.C:
		te, ok := ev.Payload.(TransitionEvent)
		require.True(t, ok)
		assert.Equal(t, tk.ID, te.Task.ID)
		assert.Equal(t, StatusPending, te.From)
		assert.Equal(t, StatusRunning, te.To)
		assert.Equal(t, "claimed", te.Reason)
	case <-time.After(time.Second):
		t.Fatal("no transition event published")
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.db")

	s, err := NewSQLiteStore(path, nil, nil)
	require.NoError(t, err)
	tk := mustCreate(t, s, Spec{Title: "durable", Principal: "alice"})
	_, err = s.Transition(ctx, tk.ID, StatusPending, StatusRunning)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(path, nil, nil)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Title)
	assert.Equal(t, StatusRunning, got.Status)

	recs, err := s2.Transitions(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}
