package task

import (
	"context"
	"errors"
	"time"
)

// Store errors shared by all backends.
var (
	ErrNotFound        = errors.New("task not found")
	ErrTerminal        = errors.New("task is terminal")
	ErrCycle           = errors.New("dependency cycle")
	ErrBadTransition   = errors.New("invalid status transition")
	ErrMissingParent   = errors.New("parent task not found")
	ErrMissingDep      = errors.New("dependency task not found")
	ErrDuplicateID     = errors.New("task id already exists")
	ErrWrongFromStatus = errors.New("task is not in the expected status")
)

// TopicTransition is the bus topic for task lifecycle events.
const TopicTransition = "task.transition"

// TransitionEvent is published on every successful status change.
type TransitionEvent struct {
	Task   *Task  `json:"task"`
	From   Status `json:"from"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Filter selects tasks for List queries. Zero values match everything.
type Filter struct {
	Statuses       []Status
	ParentID       string
	WorkflowID     string
	Principal      string
	ConversationID string
	MinPriority    int
	MaxPriority    int // 0 means unbounded
	CreatedAfter   time.Time
	CreatedBefore  time.Time
	Limit          int
}

// Matches reports whether the task satisfies the filter.
func (f Filter) Matches(t *Task) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if f.WorkflowID != "" && t.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Principal != "" && t.Principal != f.Principal {
		return false
	}
	if f.ConversationID != "" && t.ConversationID != f.ConversationID {
		return false
	}
	if t.Priority < f.MinPriority {
		return false
	}
	if f.MaxPriority > 0 && t.Priority > f.MaxPriority {
		return false
	}
	if !f.CreatedAfter.IsZero() && t.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && t.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	return true
}

// Store is the task persistence port. Implementations must make Transition
// and SpawnSubtasks atomic with respect to each other.
type Store interface {
	// Create inserts a pending task from the spec. It rejects unknown
	// parents, unknown dependencies, and dependency cycles.
	Create(ctx context.Context, spec Spec) (*Task, error)

	// Get retrieves a task by ID.
	Get(ctx context.Context, id string) (*Task, error)

	// List returns tasks matching the filter, ordered by Seq ascending.
	List(ctx context.Context, filter Filter) ([]*Task, error)

	// Update applies a patch to a non-terminal task.
	Update(ctx context.Context, id string, patch Patch) (*Task, error)

	// Transition atomically moves the task from → to, applies the options,
	// writes an audit record, and emits a TransitionEvent. It fails when the
	// task is not in from, the edge is not permitted, or the task is
	// terminal.
	Transition(ctx context.Context, id string, from, to Status, opts ...TransitionOption) (*Task, error)

	// AddDependency makes task id depend on dependsOn. It rejects edges
	// that would create a cycle.
	AddDependency(ctx context.Context, id, dependsOn string) error

	// SpawnSubtasks atomically inserts children under parentID with the
	// given execution mode stamped on the parent.
	SpawnSubtasks(ctx context.Context, parentID string, specs []Spec, mode ExecutionMode) ([]*Task, error)

	// Children returns the direct children of a task, ordered by Seq.
	Children(ctx context.Context, parentID string) ([]*Task, error)

	// Transitions returns the audit trail for a task, oldest first.
	Transitions(ctx context.Context, id string) ([]Transition, error)

	// MarkStaleRunning fails all running tasks, used on startup after an
	// unclean shutdown.
	MarkStaleRunning(ctx context.Context, reason string) error

	// DeleteExpired removes terminal tasks completed before the given time.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}
