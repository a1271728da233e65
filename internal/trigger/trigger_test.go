package trigger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/internal/bus"
	"ember/internal/task"
)

func TestTriggerValidate(t *testing.T) {
	spec := task.Spec{Title: "tick", Kind: task.KindFetch}
	cases := []struct {
		name    string
		trigger Trigger
		ok      bool
	}{
		{"cron ok", Trigger{ID: "t", Type: TypeCron, Schedule: "0 7 * * *", Spec: spec}, true},
		{"cron missing schedule", Trigger{ID: "t", Type: TypeCron, Spec: spec}, false},
		{"interval ok", Trigger{ID: "t", Type: TypeInterval, Every: time.Minute, Spec: spec}, true},
		{"interval zero", Trigger{ID: "t", Type: TypeInterval, Spec: spec}, false},
		{"event ok", Trigger{ID: "t", Type: TypeEvent, Topic: "mail.received", Spec: spec}, true},
		{"event no topic", Trigger{ID: "t", Type: TypeEvent, Spec: spec}, false},
		{"manual ok", Trigger{ID: "t", Type: TypeManual, Spec: spec}, true},
		{"unknown type", Trigger{ID: "t", Type: "webhook", Spec: spec}, false},
		{"no id", Trigger{Type: TypeManual, Spec: spec}, false},
		{"bad spec kind", Trigger{ID: "t", Type: TypeManual, Spec: task.Spec{Title: "x", Kind: "nope"}}, false},
		{"no title", Trigger{ID: "t", Type: TypeManual, Spec: task.Spec{Kind: task.KindFetch}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.trigger.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestFireStores(t *testing.T) {
	stores := map[string]func(t *testing.T) FireStore{
		"memory": func(t *testing.T) FireStore { return NewMemFireStore() },
		"sqlite": func(t *testing.T) FireStore {
			s, err := NewSQLiteFireStore(filepath.Join(t.TempDir(), "fires.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := build(t)

			last, err := s.LastFire(ctx, "daily")
			require.NoError(t, err)
			assert.True(t, last.IsZero())

			at := time.Now()
			fresh, err := s.MarkFired(ctx, "daily", "cron:2026-08-24T07:00:00Z", at)
			require.NoError(t, err)
			assert.True(t, fresh)

			dup, err := s.MarkFired(ctx, "daily", "cron:2026-08-24T07:00:00Z", at.Add(time.Second))
			require.NoError(t, err)
			assert.False(t, dup, "same fire-key must be dropped")

			other, err := s.MarkFired(ctx, "weekly", "cron:2026-08-24T07:00:00Z", at)
			require.NoError(t, err)
			assert.True(t, other, "fire-keys are scoped per trigger")

			got, err := s.LastFire(ctx, "daily")
			require.NoError(t, err)
			assert.WithinDuration(t, at, got, time.Millisecond)
		})
	}
}

func TestSQLiteFireStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fires.db")
	ctx := context.Background()

	s, err := NewSQLiteFireStore(path)
	require.NoError(t, err)
	fresh, err := s.MarkFired(ctx, "daily", "cron:2026-08-24T07:00:00Z", time.Now())
	require.NoError(t, err)
	require.True(t, fresh)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteFireStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	dup, err := reopened.MarkFired(ctx, "daily", "cron:2026-08-24T07:00:00Z", time.Now())
	require.NoError(t, err)
	assert.False(t, dup, "at-most-once must hold across restarts")
}

type testGate struct{ overloaded bool }

func (g *testGate) Overloaded() bool { return g.overloaded }

func newService(t *testing.T, cfg Config, gate Gate) (*Service, *task.MemStore, *bus.Bus) {
	t.Helper()
	events := bus.New(nil)
	store := task.NewMemStore(events, nil)
	svc := New(cfg, store, NewMemFireStore(), events, gate, nil, nil)
	t.Cleanup(func() {
		svc.Stop()
		events.Close()
	})
	return svc, store, events
}

func tickSpec() task.Spec {
	return task.Spec{Title: "scheduled tick", Kind: task.KindFetch, Principal: "alice"}
}

func countTasks(t *testing.T, store task.Store) int {
	t.Helper()
	tasks, err := store.List(context.Background(), task.Filter{})
	require.NoError(t, err)
	return len(tasks)
}

func TestManualFire(t *testing.T) {
	svc, store, _ := newService(t, Config{Enabled: true}, nil)
	require.NoError(t, svc.Register(Trigger{ID: "poke", Type: TypeManual, Spec: tickSpec()}))

	ctx := context.Background()
	created, err := svc.Fire(ctx, "poke", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "scheduled tick", created.Title)
	assert.Equal(t, "alice", created.Principal)

	_, err = svc.Fire(ctx, "poke", "req-1")
	require.ErrorIs(t, err, ErrSkipped)
	assert.Equal(t, 1, countTasks(t, store))

	// A fresh key fires again.
	_, err = svc.Fire(ctx, "poke", "req-2")
	require.NoError(t, err)
	assert.Equal(t, 2, countTasks(t, store))
}

func TestFireUnknownTrigger(t *testing.T) {
	svc, _, _ := newService(t, Config{Enabled: true}, nil)
	_, err := svc.Fire(context.Background(), "ghost", "")
	require.Error(t, err)
}

func TestIntervalTriggerFires(t *testing.T) {
	svc, store, _ := newService(t, Config{Enabled: true}, nil)
	require.NoError(t, svc.Register(Trigger{
		ID: "pulse", Type: TypeInterval, Every: 20 * time.Millisecond, Spec: tickSpec(),
	}))
	require.NoError(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool { return countTasks(t, store) >= 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestEventTriggerFiresOncePerEventID(t *testing.T) {
	svc, store, events := newService(t, Config{Enabled: true}, nil)
	require.NoError(t, svc.Register(Trigger{
		ID: "on-mail", Type: TypeEvent, Topic: "mail.received", Spec: tickSpec(),
	}))
	require.NoError(t, svc.Start(context.Background()))

	events.PublishEvent(bus.Event{Topic: "mail.received", ID: "msg-1"})
	require.Eventually(t, func() bool { return countTasks(t, store) == 1 },
		2*time.Second, 5*time.Millisecond)

	// Redelivery of the same event id is dropped.
	events.PublishEvent(bus.Event{Topic: "mail.received", ID: "msg-1"})
	events.PublishEvent(bus.Event{Topic: "mail.received", ID: "msg-2"})
	require.Eventually(t, func() bool { return countTasks(t, store) == 2 },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, countTasks(t, store))
}

func TestCronCatchUpAfterRestart(t *testing.T) {
	events := bus.New(nil)
	defer events.Close()
	store := task.NewMemStore(events, nil)
	fires := NewMemFireStore()

	// The trigger last fired two minutes ago, so one instant was missed.
	_, err := fires.MarkFired(context.Background(), "minutely", "cron:seed", time.Now().Add(-2*time.Minute))
	require.NoError(t, err)

	svc := New(Config{Enabled: true}, store, fires, events, nil, nil, nil)
	defer svc.Stop()
	require.NoError(t, svc.Register(Trigger{
		ID: "minutely", Type: TypeCron, Schedule: "* * * * *", Spec: tickSpec(),
	}))
	require.NoError(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool { return countTasks(t, store) >= 1 },
		2*time.Second, 10*time.Millisecond, "one catch-up fire")
	time.Sleep(50 * time.Millisecond)
	// A regular minute-boundary fire may legitimately land during the test;
	// the catch-up itself must stay single.
	assert.LessOrEqual(t, countTasks(t, store), 2)
}

func TestBackpressureCapsFiringRate(t *testing.T) {
	gate := &testGate{overloaded: true}
	svc, store, _ := newService(t, Config{Enabled: true, MaxFiresPerMinute: 1}, gate)
	require.NoError(t, svc.Register(Trigger{ID: "poke", Type: TypeManual, Spec: tickSpec()}))

	ctx := context.Background()
	_, err := svc.Fire(ctx, "poke", "")
	require.NoError(t, err, "burst allowance admits the first fire")

	_, err = svc.Fire(ctx, "poke", "")
	require.ErrorIs(t, err, ErrSkipped, "rate cap under backpressure")
	assert.Equal(t, 1, countTasks(t, store))

	// Relieved gate fires without consulting the limiter.
	gate.overloaded = false
	_, err = svc.Fire(ctx, "poke", "")
	require.NoError(t, err)
}

func TestDisabledServiceDoesNotStart(t *testing.T) {
	svc, store, _ := newService(t, Config{Enabled: false}, nil)
	require.NoError(t, svc.Register(Trigger{
		ID: "pulse", Type: TypeInterval, Every: 10 * time.Millisecond, Spec: tickSpec(),
	}))
	require.NoError(t, svc.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, countTasks(t, store))
}

func TestRemoveStopsFiring(t *testing.T) {
	svc, store, _ := newService(t, Config{Enabled: true}, nil)
	require.NoError(t, svc.Register(Trigger{
		ID: "pulse", Type: TypeInterval, Every: 15 * time.Millisecond, Spec: tickSpec(),
	}))
	require.NoError(t, svc.Start(context.Background()))
	require.Eventually(t, func() bool { return countTasks(t, store) >= 1 },
		2*time.Second, 5*time.Millisecond)

	svc.Remove("pulse")
	assert.Equal(t, 0, svc.Count())
	settled := countTasks(t, store)
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, countTasks(t, store), settled+1, "at most one in-flight fire after removal")
}
