package executor

import (
	"context"
	"errors"
	"fmt"

	emberrors "ember/internal/errors"
	"ember/internal/shared/jsonx"
	"ember/internal/task"
)

// Interrupt cancels a task and cascades to its descendants. It is idempotent:
// interrupting a terminal task is a no-op.
func (e *Executor) Interrupt(ctx context.Context, id, reason string) error {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}

	e.clearAwaiting(id)

	if !t.Status.IsTerminal() {
		// Record the cancellation before signalling the worker so the
		// interrupt reason wins over the worker's own ctx error.
		_, err := e.store.Transition(ctx, id, t.Status, task.StatusCancelled,
			task.WithReason(reason),
			task.WithError(emberrors.KindCancellation.String(), reason))
		if err != nil && !isTransitionRace(err) {
			return err
		}
		if err == nil {
			e.metrics.TasksFinished.WithLabelValues(string(t.Kind), string(task.StatusCancelled)).Inc()
			e.logger.Info("executor: interrupted %s: %s", id, reason)
		}
	}
	e.cancelLocal(id)

	children, err := e.store.Children(ctx, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		if cerr := e.Interrupt(ctx, child.ID, reason); cerr != nil {
			e.logger.Warn("executor: cascade interrupt of %s: %v", child.ID, cerr)
		}
	}
	return nil
}

// isTransitionRace reports whether the transition lost to a concurrent one,
// which Interrupt treats as already done.
func isTransitionRace(err error) bool {
	return errors.Is(err, task.ErrWrongFromStatus) || errors.Is(err, task.ErrTerminal)
}

// Prioritize bumps the task's priority strictly above every other pending
// task. Already-top tasks are left untouched so repeated calls keep their
// relative order.
func (e *Executor) Prioritize(ctx context.Context, id string) (*task.Task, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", task.ErrTerminal, id)
	}

	pending, err := e.store.List(ctx, task.Filter{Statuses: []task.Status{task.StatusPending}})
	if err != nil {
		return nil, err
	}
	top := 0
	for _, p := range pending {
		if p.ID != id && p.Priority > top {
			top = p.Priority
		}
	}
	if t.Priority > top {
		return t, nil
	}

	bumped := top + 1
	updated, err := e.store.Update(ctx, id, task.Patch{Priority: &bumped})
	if err != nil {
		return nil, err
	}
	e.kickNow()
	e.logger.Info("executor: prioritized %s to %d", id, bumped)
	return updated, nil
}

// ProvideInput delivers user input to a waiting task and re-queues it.
func (e *Executor) ProvideInput(ctx context.Context, id string, input jsonx.RawMessage) (*task.Task, error) {
	t, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusWaitingInput {
		return nil, fmt.Errorf("%w: %s is %s, expected %s",
			task.ErrWrongFromStatus, id, t.Status, task.StatusWaitingInput)
	}

	if len(input) > 0 {
		if _, err := e.store.Update(ctx, id, task.Patch{Input: input}); err != nil {
			return nil, err
		}
	}
	updated, err := e.store.Transition(ctx, id, task.StatusWaitingInput, task.StatusPending,
		task.WithReason("input provided"))
	if err != nil {
		return nil, err
	}
	e.kickNow()
	return updated, nil
}

// Spawn creates a task on behalf of a tool, refusing under backpressure. It
// satisfies tool.Spawner.
func (e *Executor) Spawn(ctx context.Context, spec task.Spec) (*task.Task, error) {
	limit := e.cfg.BackpressureFactor * e.cfg.Workers
	if ready := int(e.ready.Load()); ready > limit {
		return nil, &emberrors.BackpressureError{Ready: ready, Limit: limit}
	}
	t, err := e.store.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	e.kickNow()
	return t, nil
}

// Overloaded reports whether the ready queue exceeds the backpressure limit.
// Triggers consult it to cap their firing rate.
func (e *Executor) Overloaded() bool {
	return int(e.ready.Load()) > e.cfg.BackpressureFactor*e.cfg.Workers
}
