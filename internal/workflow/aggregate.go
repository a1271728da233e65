package workflow

import (
	"context"
	"fmt"

	"ember/internal/shared/jsonx"
	"ember/internal/task"
)

// Markers recorded on tasks skipped because their condition evaluated false.
// The aggregator treats such children as non-failures.
const (
	ReasonConditionFalse = "condition evaluated false"
	ErrorKindSkipped     = "skipped"
)

// Readiness is the scheduling verdict for a pending task.
type Readiness int

const (
	// NotReady - dependencies still outstanding, or a provisional condition
	// failure worth retrying.
	NotReady Readiness = iota
	// Ready - dependencies terminal-ok and condition true.
	Ready
	// Skip - the condition is definitively false; the branch is not taken.
	Skip
	// Blocked - a dependency failed and the parent does not tolerate it;
	// the task can never run.
	Blocked
)

// CheckReadiness combines the dependency check with condition evaluation.
func CheckReadiness(ctx context.Context, store task.Store, evaluator *ConditionEvaluator, t *task.Task) (Readiness, error) {
	tolerate, err := parentTolerates(ctx, store, t)
	if err != nil {
		return NotReady, err
	}

	for _, depID := range t.Dependencies {
		dep, err := store.Get(ctx, depID)
		if err != nil {
			return NotReady, err
		}
		switch dep.Status {
		case task.StatusCompleted:
		case task.StatusFailed, task.StatusCancelled:
			if isSkipped(dep) {
				continue
			}
			if !tolerate {
				return Blocked, nil
			}
		default:
			return NotReady, nil
		}
	}

	ok, err := evaluator.Evaluate(ctx, t)
	if err != nil {
		// Provisional: the condition could not be computed (store or LLM
		// trouble). Try again on a later pass.
		return NotReady, err
	}
	if !ok {
		return Skip, nil
	}
	return Ready, nil
}

func parentTolerates(ctx context.Context, store task.Store, t *task.Task) (bool, error) {
	if t.ParentID == "" {
		return false, nil
	}
	parent, err := store.Get(ctx, t.ParentID)
	if err != nil {
		return false, err
	}
	return parent.TolerateFailures, nil
}

func isSkipped(t *task.Task) bool {
	return t.Status == task.StatusCancelled && t.Error != nil && t.Error.Kind == ErrorKindSkipped
}

// ParentOutcome is the aggregation verdict for a parent awaiting children.
type ParentOutcome int

const (
	// ParentWaiting - at least one awaited child is still non-terminal.
	ParentWaiting ParentOutcome = iota
	// ParentCompleted - all awaited children are terminal and acceptable.
	ParentCompleted
	// ParentFailed - a child failed and the parent does not tolerate it.
	ParentFailed
)

// Aggregation carries the verdict and, on completion, the combined child
// outputs.
type Aggregation struct {
	Outcome ParentOutcome
	Output  jsonx.RawMessage
	Reason  string
}

type childOutput struct {
	TaskID string           `json:"task_id"`
	Title  string           `json:"title"`
	Output jsonx.RawMessage `json:"output,omitempty"`
}

// ResolveParent applies the parent completion semantics over the parent's
// direct children. notify-kind children are fire-and-forget: they are never
// awaited and never fail the parent. The failure verdict is only reached
// once every awaited child is terminal.
func ResolveParent(ctx context.Context, store task.Store, parent *task.Task) (Aggregation, error) {
	children, err := store.Children(ctx, parent.ID)
	if err != nil {
		return Aggregation{}, err
	}

	var (
		failures  []string
		completed []childOutput
	)
	for _, child := range children {
		if child.Kind == task.KindNotify {
			continue
		}
		if !child.Status.IsTerminal() {
			return Aggregation{Outcome: ParentWaiting}, nil
		}
		switch {
		case child.Status == task.StatusCompleted:
			completed = append(completed, childOutput{
				TaskID: child.ID,
				Title:  child.Title,
				Output: child.Output,
			})
		case isSkipped(child):
			// Untaken conditional branch: not a failure.
		default:
			failures = append(failures, fmt.Sprintf("%s (%s)", child.ID, child.Status))
		}
	}

	if len(failures) > 0 && !parent.TolerateFailures {
		return Aggregation{
			Outcome: ParentFailed,
			Reason:  fmt.Sprintf("%d child task(s) did not complete: %v", len(failures), failures),
		}, nil
	}

	output, err := jsonx.Marshal(map[string]any{"children": completed})
	if err != nil {
		return Aggregation{}, err
	}
	return Aggregation{Outcome: ParentCompleted, Output: jsonx.RawMessage(output)}, nil
}
