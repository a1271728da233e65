package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ember/internal/bus"
	emberrors "ember/internal/errors"
	"ember/internal/logging"
)

// MemStore is the in-memory Store. A single mutex gives every operation
// serializable semantics; the executor relies on that for Transition and
// SpawnSubtasks.
type MemStore struct {
	mu          sync.Mutex
	tasks       map[string]*Task
	transitions map[string][]Transition
	seq         int64
	transSeq    int64
	events      *bus.Bus
	logger      logging.Logger
	now         func() time.Time
}

// NewMemStore creates an empty in-memory task store. The bus may be nil when
// no observers are wired.
func NewMemStore(events *bus.Bus, logger logging.Logger) *MemStore {
	return &MemStore{
		tasks:       make(map[string]*Task),
		transitions: make(map[string][]Transition),
		events:      events,
		logger:      logging.OrNop(logger),
		now:         time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func validateSpec(spec Spec) error {
	if spec.Title == "" {
		return emberrors.NewValidationError("title", "task title is required")
	}
	if !spec.Kind.IsValid() {
		return emberrors.NewValidationError("kind", fmt.Sprintf("unknown task kind %q", spec.Kind))
	}
	if spec.Priority < 0 || spec.Priority > 100 {
		return emberrors.NewValidationError("priority", fmt.Sprintf("priority %d out of range [0,100]", spec.Priority))
	}
	return nil
}

func (s *MemStore) Create(ctx context.Context, spec Spec) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.createLocked(spec)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (s *MemStore) createLocked(spec Spec) (*Task, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.tasks[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	if spec.ParentID != "" {
		if _, ok := s.tasks[spec.ParentID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingParent, spec.ParentID)
		}
	}
	for _, dep := range spec.Dependencies {
		if _, ok := s.tasks[dep]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingDep, dep)
		}
	}

	mode := spec.ExecutionMode
	if mode == "" {
		mode = ModeSequential
	}

	s.seq++
	t := &Task{
		ID:               id,
		ParentID:         spec.ParentID,
		WorkflowID:       spec.WorkflowID,
		Principal:        spec.Principal,
		ConversationID:   spec.ConversationID,
		Title:            spec.Title,
		Description:      spec.Description,
		Kind:             spec.Kind,
		Priority:         spec.Priority,
		Status:           StatusPending,
		ExecutionMode:    mode,
		Condition:        spec.Condition,
		Dependencies:     append([]string(nil), spec.Dependencies...),
		TolerateFailures: spec.TolerateFailures,
		Input:            spec.Input,
		RequiresInput:    spec.RequiresInput,
		MaxRetries:       spec.MaxRetries,
		EstimatedDuration: spec.EstimatedDur,
		Seq:              s.seq,
		CreatedAt:        s.now(),
	}

	// A new node cannot close a cycle through existing edges, but its
	// declared dependencies might if the spec references its own id.
	s.tasks[id] = t
	if s.hasCycleLocked(id) {
		delete(s.tasks, id)
		return nil, ErrCycle
	}
	return t, nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Clone(), nil
}

func (s *MemStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, t := range s.tasks {
		if filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemStore) Update(ctx context.Context, id string, patch Patch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	}

	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Priority != nil {
		if *patch.Priority < 0 {
			return nil, fmt.Errorf("priority %d out of range", *patch.Priority)
		}
		t.Priority = *patch.Priority
	}
	if patch.Input != nil {
		t.Input = patch.Input
	}
	if patch.Condition != nil {
		t.Condition = *patch.Condition
	}
	if patch.MaxRetries != nil {
		t.MaxRetries = *patch.MaxRetries
	}
	if patch.EstimatedDur != nil {
		t.EstimatedDuration = *patch.EstimatedDur
	}
	return t.Clone(), nil
}

func (s *MemStore) Transition(ctx context.Context, id string, from, to Status, opts ...TransitionOption) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.Status != from {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrWrongFromStatus, id, t.Status, from)
	}
	if t.Status.IsTerminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s → %s", ErrBadTransition, from, to)
	}

	params := ApplyTransitionOptions(opts)
	now := s.now()
	applyTransition(t, to, params, now)

	s.transSeq++
	rec := Transition{
		ID:        s.transSeq,
		TaskID:    id,
		From:      from,
		To:        to,
		Reason:    params.Reason,
		CreatedAt: now,
	}
	s.transitions[id] = append(s.transitions[id], rec)

	snapshot := t.Clone()
	events := s.events
	s.mu.Unlock()

	if events != nil {
		events.Publish(TopicTransition, TransitionEvent{
			Task:   snapshot,
			From:   from,
			To:     to,
			Reason: params.Reason,
		})
	}
	return snapshot, nil
}

// applyTransition mutates the task record for the given edge. Callers hold
// the store lock.
func applyTransition(t *Task, to Status, params TransitionParams, now time.Time) {
	t.Status = to
	switch to {
	case StatusRunning:
		ts := now
		t.StartedAt = &ts
		t.WaitingForInput = false
		t.InputPrompt = ""
	case StatusWaitingInput:
		t.WaitingForInput = true
		t.InputPrompt = params.InputPrompt
	case StatusPending:
		t.WaitingForInput = false
		t.InputPrompt = ""
	case StatusCompleted, StatusFailed, StatusCancelled:
		ts := now
		t.CompletedAt = &ts
		t.WaitingForInput = false
		if t.StartedAt != nil {
			t.ActualDuration = now.Sub(*t.StartedAt)
		}
	}
	if params.Output != nil {
		t.Output = params.Output
	}
	if params.Error != nil {
		t.Error = params.Error
	}
	if params.Duration > 0 {
		t.ActualDuration = params.Duration
	}
	if params.RetryCount != nil {
		t.RetryCount = *params.RetryCount
	}
	if params.Priority != nil {
		t.Priority = *params.Priority
	}
}

func (s *MemStore) AddDependency(ctx context.Context, id, dependsOn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, ok := s.tasks[dependsOn]; !ok {
		return fmt.Errorf("%w: %s", ErrMissingDep, dependsOn)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}
	for _, dep := range t.Dependencies {
		if dep == dependsOn {
			return nil
		}
	}

	t.Dependencies = append(t.Dependencies, dependsOn)
	if s.hasCycleLocked(id) {
		t.Dependencies = t.Dependencies[:len(t.Dependencies)-1]
		return fmt.Errorf("%w: %s → %s", ErrCycle, id, dependsOn)
	}
	return nil
}

// hasCycleLocked walks dependency edges from start looking for a path back
// to start.
func (s *MemStore) hasCycleLocked(start string) bool {
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if visited[id] {
			return false
		}
		visited[id] = true
		t, ok := s.tasks[id]
		if !ok {
			return false
		}
		for _, dep := range t.Dependencies {
			if dep == start {
				return true
			}
			if walk(dep) {
				return true
			}
		}
		return false
	}
	t, ok := s.tasks[start]
	if !ok {
		return false
	}
	for _, dep := range t.Dependencies {
		if dep == start {
			return true
		}
		if walk(dep) {
			return true
		}
	}
	return false
}

func (s *MemStore) SpawnSubtasks(ctx context.Context, parentID string, specs []Spec, mode ExecutionMode) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.tasks[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingParent, parentID)
	}
	if parent.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, parentID)
	}
	if mode != "" {
		parent.ExecutionMode = mode
	}

	created := make([]*Task, 0, len(specs))
	var prev *Task
	for _, spec := range specs {
		spec.ParentID = parentID
		if spec.Principal == "" {
			spec.Principal = parent.Principal
		}
		if spec.ConversationID == "" {
			spec.ConversationID = parent.ConversationID
		}
		if spec.WorkflowID == "" {
			spec.WorkflowID = parent.WorkflowID
		}
		// Sequential children run in declaration order.
		if parent.ExecutionMode == ModeSequential && prev != nil {
			spec.Dependencies = append(append([]string(nil), spec.Dependencies...), prev.ID)
		}
		t, err := s.createLocked(spec)
		if err != nil {
			// Atomic insert-many: roll back everything from this batch.
			for _, c := range created {
				delete(s.tasks, c.ID)
			}
			return nil, err
		}
		created = append(created, t)
		prev = t
	}

	out := make([]*Task, len(created))
	for i, t := range created {
		out[i] = t.Clone()
	}
	return out, nil
}

func (s *MemStore) Children(ctx context.Context, parentID string) ([]*Task, error) {
	return s.List(ctx, Filter{ParentID: parentID})
}

func (s *MemStore) Transitions(ctx context.Context, id string) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return append([]Transition(nil), s.transitions[id]...), nil
}

func (s *MemStore) MarkStaleRunning(ctx context.Context, reason string) error {
	s.mu.Lock()
	var stale []string
	for id, t := range s.tasks {
		if t.Status == StatusRunning {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		if _, err := s.Transition(ctx, id, StatusRunning, StatusFailed,
			WithReason(reason), WithError("stale", reason)); err != nil {
			s.logger.Warn("task: failed to mark stale task %s: %v", id, err)
		}
	}
	return nil
}

func (s *MemStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(before) {
			delete(s.tasks, id)
			delete(s.transitions, id)
			deleted++
		}
	}
	return deleted, nil
}
