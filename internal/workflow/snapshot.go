package workflow

import (
	"context"

	"ember/internal/task"
)

// Phase is the coarse state of a whole workflow instance.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Snapshot summarizes the progress of one workflow instance for observers.
type Snapshot struct {
	WorkflowID string              `json:"workflow_id"`
	Phase      Phase               `json:"phase"`
	Counts     map[task.Status]int `json:"counts"`
	Total      int                 `json:"total"`
}

// TakeSnapshot computes the current progress summary of a workflow.
func TakeSnapshot(ctx context.Context, store task.Store, workflowID string) (Snapshot, error) {
	tasks, err := store.List(ctx, task.Filter{WorkflowID: workflowID})
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		WorkflowID: workflowID,
		Counts:     make(map[task.Status]int),
		Total:      len(tasks),
	}
	for _, t := range tasks {
		snap.Counts[t.Status]++
	}
	snap.Phase = evaluatePhase(snap.Counts, snap.Total)
	return snap, nil
}

func evaluatePhase(counts map[task.Status]int, total int) Phase {
	if total == 0 || counts[task.StatusPending] == total {
		return PhasePending
	}
	terminal := counts[task.StatusCompleted] + counts[task.StatusFailed] + counts[task.StatusCancelled]
	if terminal < total {
		return PhaseRunning
	}
	switch {
	case counts[task.StatusFailed] > 0:
		return PhaseFailed
	case counts[task.StatusCancelled] > 0:
		return PhaseCancelled
	default:
		return PhaseCompleted
	}
}
