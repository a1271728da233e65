package executor

import (
	"context"
	"errors"
	"time"

	emberrors "ember/internal/errors"
	"ember/internal/task"
)

// runTask drives one task through its attempts until a terminal outcome or a
// suspension point. It owns one worker slot on entry.
func (e *Executor) runTask(parent context.Context, t *task.Task) {
	holdsSlot := true
	releaseSlot := func() {
		if holdsSlot {
			holdsSlot = false
			e.slots.Release(1)
			e.busy.Add(-1)
			e.metrics.SlotsBusy.Dec()
		}
	}

	ctx, cancel := context.WithCancel(parent)
	defer func() {
		e.unregisterCancel(t.ID)
		cancel()
		releaseSlot()
		e.kickNow()
		e.wg.Done()
	}()
	e.registerCancel(t.ID, cancel)

	if e.cfg.TaskTimeout > 0 {
		timer := time.AfterFunc(e.cfg.TaskTimeout, func() {
			e.logger.Warn("executor: task %s exceeded %s deadline", t.ID, e.cfg.TaskTimeout)
			if err := e.Interrupt(context.Background(), t.ID, "deadline exceeded"); err != nil {
				e.logger.Warn("executor: deadline interrupt of %s: %v", t.ID, err)
			}
		})
		defer timer.Stop()
	}

	start := time.Now()
	retryCfg := e.retryConfig(t)
	attempt := t.RetryCount

	for {
		out, err := e.runner.Run(ctx, t)
		if err == nil {
			e.finish(t, task.StatusCompleted, start, attempt,
				task.WithOutput(out))
			return
		}

		if errors.Is(err, ErrAwaitChildren) {
			// The task stays running without a slot; child transitions
			// complete it through parent aggregation.
			e.markAwaiting(t.ID)
			releaseSlot()
			e.resolveParent(context.Background(), t.ID)
			return
		}

		var inputReq *InputRequest
		if errors.As(err, &inputReq) {
			_, terr := e.store.Transition(context.Background(), t.ID,
				task.StatusRunning, task.StatusWaitingInput,
				task.WithReason("waiting for user input"),
				task.WithInputPrompt(inputReq.Prompt),
				task.WithRetryCount(attempt))
			if terr != nil {
				e.logger.Debug("executor: parking %s for input: %v", t.ID, terr)
			}
			return
		}

		if emberrors.IsCancellation(err) || ctx.Err() != nil {
			e.finish(t, task.StatusCancelled, start, attempt,
				task.WithReason(err.Error()),
				task.WithError(emberrors.KindCancellation.String(), err.Error()))
			return
		}

		if emberrors.IsTransient(err) && attempt < t.MaxRetries {
			attempt++
			e.metrics.TaskRetries.Inc()
			delay := emberrors.Backoff(attempt-1, retryCfg)
			e.logger.Info("executor: task %s attempt %d failed (%v), retrying in %s",
				t.ID, attempt, err, delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				e.finish(t, task.StatusCancelled, start, attempt,
					task.WithReason("cancelled during retry backoff"),
					task.WithError(emberrors.KindCancellation.String(), "cancelled during retry backoff"))
				return
			}
		}

		kind := emberrors.Classify(err).String()
		e.logger.Warn("executor: task %s failed (%s): %v", t.ID, kind, err)
		e.finish(t, task.StatusFailed, start, attempt,
			task.WithReason(err.Error()),
			task.WithError(kind, err.Error()))
		return
	}
}

// finish records the terminal transition. A failure here means an interrupt
// won the race; the task is already terminal.
func (e *Executor) finish(t *task.Task, to task.Status, start time.Time, attempt int, opts ...task.TransitionOption) {
	opts = append(opts,
		task.WithDuration(time.Since(start)),
		task.WithRetryCount(attempt))
	if _, err := e.store.Transition(context.Background(), t.ID, task.StatusRunning, to, opts...); err != nil {
		e.logger.Debug("executor: finishing %s as %s: %v", t.ID, to, err)
		return
	}
	e.metrics.TasksFinished.WithLabelValues(string(t.Kind), string(to)).Inc()
}
