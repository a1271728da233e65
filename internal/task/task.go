// Package task defines the task domain model and store port.
//
// The store is the single source of truth for scheduled work: the executor,
// triggers, tool dispatcher, and conversation turn driver all create and
// observe tasks through it.
package task

import (
	"time"

	"ember/internal/shared/jsonx"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusWaitingInput Status = "waiting_input"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// validNext enumerates the permitted lifecycle edges.
var validNext = map[Status][]Status{
	StatusPending:      {StatusRunning, StatusCancelled},
	StatusRunning:      {StatusCompleted, StatusFailed, StatusCancelled, StatusWaitingInput},
	StatusWaitingInput: {StatusPending, StatusCancelled},
}

// CanTransition reports whether the lifecycle edge from → to is permitted.
// Terminal states have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Kind categorizes what a task does. LLM-typed kinds route through the
// conversation turn driver; action-typed kinds route to a registered tool.
type Kind string

const (
	KindResearch  Kind = "research"
	KindAction    Kind = "action"
	KindAnalysis  Kind = "analysis"
	KindSynthesis Kind = "synthesis"
	KindFetch     Kind = "fetch"
	KindTransform Kind = "transform"
	KindValidate  Kind = "validate"
	KindNotify    Kind = "notify"
)

// IsValid reports whether the kind is one of the recognized values.
func (k Kind) IsValid() bool {
	switch k {
	case KindResearch, KindAction, KindAnalysis, KindSynthesis,
		KindFetch, KindTransform, KindValidate, KindNotify:
		return true
	default:
		return false
	}
}

// ExecutionMode controls how a parent treats its children.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
)

// ConditionType enumerates the supported readiness conditions.
type ConditionType string

const (
	// ConditionAlways is the default: the task is ready once dependencies
	// are terminal.
	ConditionAlways ConditionType = "always"
	// ConditionParentOutput compares a path in the parent's output against
	// a value.
	ConditionParentOutput ConditionType = "parent_output_matches"
	// ConditionLLM asks the LLM for a boolean verdict. Parse failures
	// evaluate false.
	ConditionLLM ConditionType = "llm_evaluate"
)

// ConditionOp is the comparison operator for parent_output_matches.
type ConditionOp string

const (
	OpEq       ConditionOp = "eq"
	OpNe       ConditionOp = "ne"
	OpContains ConditionOp = "contains"
	OpGt       ConditionOp = "gt"
	OpLt       ConditionOp = "lt"
)

// Condition gates a task's readiness beyond its dependencies.
type Condition struct {
	Type   ConditionType `json:"type"`
	Path   string        `json:"path,omitempty"`   // dotted path into parent output
	Op     ConditionOp   `json:"op,omitempty"`     // comparison operator
	Value  string        `json:"value,omitempty"`  // comparison operand
	Prompt string        `json:"prompt,omitempty"` // llm_evaluate prompt
}

// IsZero reports whether the condition is unset (treated as always).
func (c Condition) IsZero() bool {
	return c.Type == "" || c.Type == ConditionAlways
}

// Error is the structured failure recorded on a failed task.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Task is the unit of scheduled work.
type Task struct {
	ID             string `json:"id"`
	ParentID       string `json:"parent_id,omitempty"`
	WorkflowID     string `json:"workflow_id,omitempty"`
	Principal      string `json:"principal"`
	ConversationID string `json:"conversation_id,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Kind        Kind   `json:"kind"`
	Priority    int    `json:"priority"`

	Status           Status        `json:"status"`
	ExecutionMode    ExecutionMode `json:"execution_mode"`
	Condition        Condition     `json:"condition,omitempty"`
	Dependencies     []string      `json:"dependencies,omitempty"`
	TolerateFailures bool          `json:"tolerate_failures,omitempty"`

	Input  jsonx.RawMessage `json:"input,omitempty"`
	Output jsonx.RawMessage `json:"output,omitempty"`
	Error  *Error           `json:"error,omitempty"`

	RequiresInput   bool   `json:"requires_input,omitempty"`
	WaitingForInput bool   `json:"waiting_for_input,omitempty"`
	InputPrompt     string `json:"input_prompt,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	ActualDuration    time.Duration `json:"actual_duration,omitempty"`

	// Seq is assigned by the store; it totally orders tasks for audit replay.
	Seq int64 `json:"seq"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so store snapshots cannot be mutated by callers.
func (t *Task) Clone() *Task {
	dup := *t
	dup.Dependencies = append([]string(nil), t.Dependencies...)
	dup.Input = append(jsonx.RawMessage(nil), t.Input...)
	dup.Output = append(jsonx.RawMessage(nil), t.Output...)
	if t.Error != nil {
		errCopy := *t.Error
		dup.Error = &errCopy
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		dup.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		dup.CompletedAt = &ts
	}
	return &dup
}

// Spec is the payload for creating a task.
type Spec struct {
	ID               string           `json:"id,omitempty" yaml:"id,omitempty"`
	ParentID         string           `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	WorkflowID       string           `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	Principal        string           `json:"principal" yaml:"principal"`
	ConversationID   string           `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	Title            string           `json:"title" yaml:"title"`
	Description      string           `json:"description,omitempty" yaml:"description,omitempty"`
	Kind             Kind             `json:"kind" yaml:"kind"`
	Priority         int              `json:"priority" yaml:"priority"`
	ExecutionMode    ExecutionMode    `json:"execution_mode,omitempty" yaml:"execution_mode,omitempty"`
	Condition        Condition        `json:"condition,omitempty" yaml:"condition,omitempty"`
	Dependencies     []string         `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	TolerateFailures bool             `json:"tolerate_failures,omitempty" yaml:"tolerate_failures,omitempty"`
	Input            jsonx.RawMessage `json:"input,omitempty" yaml:"-"`
	RequiresInput    bool             `json:"requires_input,omitempty" yaml:"requires_input,omitempty"`
	MaxRetries       int              `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	EstimatedDur     time.Duration    `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`
}

// Patch carries optional field updates for a non-terminal task. Nil fields
// are left unchanged.
type Patch struct {
	Title        *string
	Description  *string
	Priority     *int
	Input        jsonx.RawMessage
	Condition    *Condition
	MaxRetries   *int
	EstimatedDur *time.Duration
}

// Transition records a state change in the task lifecycle.
type Transition struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TransitionParams holds optional fields applied alongside a status change.
type TransitionParams struct {
	Reason      string
	Output      jsonx.RawMessage
	Error       *Error
	InputPrompt string
	Duration    time.Duration
	RetryCount  *int
	Priority    *int
}

// TransitionOption customises a Transition call.
type TransitionOption func(*TransitionParams)

// WithReason records why the status changed.
func WithReason(reason string) TransitionOption {
	return func(p *TransitionParams) { p.Reason = reason }
}

// WithOutput stores the task output alongside the status change.
func WithOutput(output jsonx.RawMessage) TransitionOption {
	return func(p *TransitionParams) { p.Output = output }
}

// WithError records the structured failure alongside the status change.
func WithError(kind, message string) TransitionOption {
	return func(p *TransitionParams) { p.Error = &Error{Kind: kind, Message: message} }
}

// WithInputPrompt records the prompt shown while waiting for input.
func WithInputPrompt(prompt string) TransitionOption {
	return func(p *TransitionParams) { p.InputPrompt = prompt }
}

// WithDuration records the measured task duration.
func WithDuration(d time.Duration) TransitionOption {
	return func(p *TransitionParams) { p.Duration = d }
}

// WithRetryCount updates the retry counter alongside the status change.
func WithRetryCount(n int) TransitionOption {
	return func(p *TransitionParams) { p.RetryCount = &n }
}

// WithPriority updates priority alongside the status change.
func WithPriority(p int) TransitionOption {
	return func(tp *TransitionParams) { tp.Priority = &p }
}

// ApplyTransitionOptions collects all options into a TransitionParams.
func ApplyTransitionOptions(opts []TransitionOption) TransitionParams {
	var p TransitionParams
	for _, fn := range opts {
		fn(&p)
	}
	return p
}
