// Package executor schedules pending tasks onto a bounded pool of workers.
//
// The executor is the single authority for task state transitions at runtime:
// it moves ready tasks to running, drives retries, parks tasks that need
// input, cancels on interrupt, and completes parents when their children
// finish. All state lives in the task store; the executor itself is stateless
// across restarts apart from the in-flight cancellation handles.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"ember/internal/bus"
	emberrors "ember/internal/errors"
	"ember/internal/logging"
	"ember/internal/observability"
	"ember/internal/task"
	"ember/internal/workflow"
)

// State is the observable lifecycle of the executor service.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateDraining State = "draining"
)

// Config tunes the scheduler.
type Config struct {
	// Workers is the maximum parallelism W.
	Workers int
	// BackpressureFactor K: tool-initiated spawns are refused once the
	// ready-task count exceeds K*Workers.
	BackpressureFactor int
	// PollInterval bounds how long a ready task waits for a dispatch pass
	// when no event wakes the scheduler earlier.
	PollInterval time.Duration
	// TaskTimeout interrupts a task running longer than this. Zero disables
	// the deadline timer.
	TaskTimeout time.Duration
	// RetryBaseDelay and RetryMaxDelay shape the per-task exponential
	// backoff between attempts.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		BackpressureFactor: 8,
		PollInterval:       200 * time.Millisecond,
		RetryBaseDelay:     time.Second,
		RetryMaxDelay:      30 * time.Second,
	}
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BackpressureFactor <= 0 {
		c.BackpressureFactor = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
}

// Status is a point-in-time view of the executor for operators.
type Status struct {
	State    State `json:"state"`
	Workers  int   `json:"workers"`
	Busy     int   `json:"busy"`
	Ready    int   `json:"ready"`
	Awaiting int   `json:"awaiting"`
}

// Executor runs ready tasks on W worker slots.
type Executor struct {
	store   task.Store
	events  *bus.Bus
	runner  Runner
	eval    *workflow.ConditionEvaluator
	cfg     Config
	logger  logging.Logger
	metrics *observability.Metrics

	slots *semaphore.Weighted
	busy  atomic.Int64
	ready atomic.Int64
	kick  chan struct{}

	mu       sync.Mutex
	state    State
	cancels  map[string]context.CancelFunc
	awaiting map[string]struct{}
	baseCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	loops    sync.WaitGroup
}

// New wires an executor. The store must publish its transition events on the
// given bus, otherwise parents never learn their children finished.
func New(store task.Store, events *bus.Bus, runner Runner, eval *workflow.ConditionEvaluator, cfg Config, logger logging.Logger, metrics *observability.Metrics) *Executor {
	cfg.normalize()
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Executor{
		store:    store,
		events:   events,
		runner:   runner,
		eval:     eval,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		metrics:  metrics,
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
		kick:     make(chan struct{}, 1),
		state:    StateStopped,
		cancels:  make(map[string]context.CancelFunc),
		awaiting: make(map[string]struct{}),
	}
}

// Start launches the scheduler loops. Starting a non-stopped executor is an
// error.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateStopped {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("executor is %s, expected stopped", state)
	}
	e.state = StateRunning
	e.baseCtx, e.stop = context.WithCancel(context.Background())
	loopCtx := e.baseCtx
	e.mu.Unlock()

	e.loops.Add(2)
	go e.dispatchLoop(loopCtx)
	go e.watchTransitions(loopCtx)
	e.kickNow()
	e.logger.Info("executor: started with %d workers", e.cfg.Workers)
	return nil
}

// Stop cancels all in-flight work and waits for workers to settle.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopped
	stop := e.stop
	e.mu.Unlock()

	if stop != nil {
		stop()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.logger.Info("executor: stopped")
	return nil
}

// Pause keeps in-flight tasks running but dispatches no new ones.
func (e *Executor) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return fmt.Errorf("executor is %s, expected running", e.state)
	}
	e.state = StatePaused
	return nil
}

// Resume reverses Pause.
func (e *Executor) Resume() error {
	e.mu.Lock()
	if e.state != StatePaused {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("executor is %s, expected paused", state)
	}
	e.state = StateRunning
	e.mu.Unlock()
	e.kickNow()
	return nil
}

// Drain stops dispatching, waits for in-flight tasks to finish, then stops.
func (e *Executor) Drain(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateRunning && e.state != StatePaused {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("executor is %s, cannot drain", state)
	}
	e.state = StateDraining
	e.mu.Unlock()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for e.busy.Load() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.Stop(ctx)
}

// Status reports the current scheduler state.
func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		State:    e.state,
		Workers:  e.cfg.Workers,
		Busy:     int(e.busy.Load()),
		Ready:    int(e.ready.Load()),
		Awaiting: len(e.awaiting),
	}
}

func (e *Executor) currentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Executor) kickNow() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Executor) dispatchLoop(ctx context.Context) {
	defer e.loops.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
		case <-ticker.C:
		}
		if e.currentState() != StateRunning {
			continue
		}
		if err := e.dispatchOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("executor: dispatch pass failed: %v", err)
		}
	}
}

// dispatchOnce evaluates every pending task once and starts as many ready
// tasks as free slots permit.
func (e *Executor) dispatchOnce(ctx context.Context) error {
	pending, err := e.store.List(ctx, task.Filter{Statuses: []task.Status{task.StatusPending}})
	if err != nil {
		return err
	}
	orderReady(pending)

	readyCount := 0
	for _, t := range pending {
		verdict, err := workflow.CheckReadiness(ctx, e.store, e.eval, t)
		if err != nil {
			e.logger.Debug("executor: readiness of %s provisional: %v", t.ID, err)
			continue
		}
		switch verdict {
		case workflow.Skip:
			e.skipTask(ctx, t)
		case workflow.Blocked:
			e.blockTask(ctx, t)
		case workflow.NotReady:
		case workflow.Ready:
			readyCount++
			if !e.slots.TryAcquire(1) {
				continue
			}
			running, err := e.store.Transition(ctx, t.ID, task.StatusPending, task.StatusRunning)
			if err != nil {
				// Lost the race to an interrupt or another scheduler pass.
				e.slots.Release(1)
				e.logger.Debug("executor: could not start %s: %v", t.ID, err)
				continue
			}
			readyCount--
			e.busy.Add(1)
			e.metrics.SlotsBusy.Inc()
			e.metrics.TasksStarted.WithLabelValues(string(running.Kind)).Inc()
			e.wg.Add(1)
			go e.runTask(ctx, running)
		}
	}

	e.ready.Store(int64(readyCount))
	e.metrics.ReadyQueueDepth.Set(float64(readyCount))
	return nil
}

// orderReady sorts by priority descending, then creation time, then id.
func orderReady(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (e *Executor) skipTask(ctx context.Context, t *task.Task) {
	_, err := e.store.Transition(ctx, t.ID, task.StatusPending, task.StatusCancelled,
		task.WithReason(workflow.ReasonConditionFalse),
		task.WithError(workflow.ErrorKindSkipped, workflow.ReasonConditionFalse))
	if err != nil {
		e.logger.Warn("executor: could not skip %s: %v", t.ID, err)
		return
	}
	e.metrics.TasksFinished.WithLabelValues(string(t.Kind), string(task.StatusCancelled)).Inc()
	e.logger.Info("executor: skipped %s (%s)", t.ID, workflow.ReasonConditionFalse)
}

func (e *Executor) blockTask(ctx context.Context, t *task.Task) {
	reason := "dependency failed"
	_, err := e.store.Transition(ctx, t.ID, task.StatusPending, task.StatusCancelled,
		task.WithReason(reason),
		task.WithError("dependency_failed", reason))
	if err != nil {
		e.logger.Warn("executor: could not block %s: %v", t.ID, err)
		return
	}
	e.metrics.TasksFinished.WithLabelValues(string(t.Kind), string(task.StatusCancelled)).Inc()
	e.logger.Info("executor: cancelled %s, %s", t.ID, reason)
}

// watchTransitions reacts to task lifecycle events: terminal children feed
// parent aggregation and may unblock dependents.
func (e *Executor) watchTransitions(ctx context.Context) {
	defer e.loops.Done()
	sub := e.events.Subscribe(task.TopicTransition, nil)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			te, ok := ev.Payload.(task.TransitionEvent)
			if !ok || te.Task == nil {
				continue
			}
			if !te.To.IsTerminal() {
				continue
			}
			if te.Task.ParentID != "" {
				e.resolveParent(ctx, te.Task.ParentID)
			}
			e.kickNow()
		}
	}
}

// resolveParent completes or fails a parent that released its slot to await
// children, once aggregation says every awaited child is terminal.
func (e *Executor) resolveParent(ctx context.Context, parentID string) {
	e.mu.Lock()
	_, awaited := e.awaiting[parentID]
	e.mu.Unlock()
	if !awaited {
		return
	}

	parent, err := e.store.Get(ctx, parentID)
	if err != nil {
		e.logger.Warn("executor: awaited parent %s: %v", parentID, err)
		e.clearAwaiting(parentID)
		return
	}
	if parent.Status != task.StatusRunning {
		e.clearAwaiting(parentID)
		return
	}

	agg, err := workflow.ResolveParent(ctx, e.store, parent)
	if err != nil {
		e.logger.Warn("executor: aggregating children of %s: %v", parentID, err)
		return
	}

	switch agg.Outcome {
	case workflow.ParentWaiting:
		return
	case workflow.ParentCompleted:
		e.clearAwaiting(parentID)
		_, err = e.store.Transition(ctx, parentID, task.StatusRunning, task.StatusCompleted,
			task.WithReason("all children terminal"),
			task.WithOutput(agg.Output))
		if err == nil {
			e.metrics.TasksFinished.WithLabelValues(string(parent.Kind), string(task.StatusCompleted)).Inc()
		}
	case workflow.ParentFailed:
		e.clearAwaiting(parentID)
		_, err = e.store.Transition(ctx, parentID, task.StatusRunning, task.StatusFailed,
			task.WithReason(agg.Reason),
			task.WithError("child_failure", agg.Reason))
		if err == nil {
			e.metrics.TasksFinished.WithLabelValues(string(parent.Kind), string(task.StatusFailed)).Inc()
		}
	}
	if err != nil {
		// Concurrent interrupt already moved the parent; nothing to do.
		e.logger.Debug("executor: parent %s resolution race: %v", parentID, err)
	}
}

func (e *Executor) markAwaiting(id string) {
	e.mu.Lock()
	e.awaiting[id] = struct{}{}
	e.mu.Unlock()
}

func (e *Executor) clearAwaiting(id string) {
	e.mu.Lock()
	delete(e.awaiting, id)
	e.mu.Unlock()
}

func (e *Executor) registerCancel(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
}

func (e *Executor) unregisterCancel(id string) {
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()
}

func (e *Executor) cancelLocal(id string) {
	e.mu.Lock()
	cancel := e.cancels[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Executor) retryConfig(t *task.Task) emberrors.RetryConfig {
	return emberrors.RetryConfig{
		MaxAttempts: t.MaxRetries,
		BaseDelay:   e.cfg.RetryBaseDelay,
		MaxDelay:    e.cfg.RetryMaxDelay,
	}
}
