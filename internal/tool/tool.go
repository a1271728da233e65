// Package tool holds the registry of callable tools and the dispatcher that
// validates and executes tool calls emitted by the model.
package tool

import (
	"context"
	"time"

	"ember/internal/shared/jsonx"
)

// Capabilities describe how the dispatcher and executor may treat a tool.
type Capabilities struct {
	// Idempotent tools may be retried on transient failure.
	Idempotent bool `json:"idempotent,omitempty"`
	// SideEffecting tools mutate external state.
	SideEffecting bool `json:"side_effecting,omitempty"`
	// LongRunning tools return a task handle instead of an inline result.
	LongRunning bool `json:"long_running,omitempty"`
	// Critical tools fail the whole turn when they fail.
	Critical bool `json:"critical,omitempty"`
	// Disabled tools stay registered but reject every dispatch.
	Disabled bool `json:"disabled,omitempty"`
}

// Invocation carries the validated parameters and caller identity into a
// handler.
type Invocation struct {
	Params         jsonx.RawMessage
	Principal      string
	ConversationID string
	TaskID         string
}

// Handler executes a tool call. It must honor ctx cancellation.
type Handler func(ctx context.Context, inv Invocation) (jsonx.RawMessage, error)

// Definition registers one tool: its name, parameter schema, capability
// flags, and handler.
type Definition struct {
	Name         string
	Description  string
	ParamsSchema jsonx.RawMessage
	Capabilities Capabilities
	Handler      Handler
}

// CallStatus is the lifecycle of one dispatched tool call.
type CallStatus string

const (
	CallPending CallStatus = "pending"
	CallRunning CallStatus = "running"
	CallOK      CallStatus = "ok"
	CallError   CallStatus = "error"
	CallSkipped CallStatus = "skipped"
)

// Call is a request to execute a registered tool, as decoded from model
// output.
type Call struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Parameters jsonx.RawMessage `json:"parameters"`
}

// CallResult is the outcome of dispatching one Call.
type CallResult struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Status   CallStatus       `json:"status"`
	Result   jsonx.RawMessage `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	// TaskID is set for long-running tools that returned a task handle.
	TaskID   string        `json:"task_id,omitempty"`
	Duration time.Duration `json:"duration"`
	// Critical mirrors the tool's capability flag so the turn driver can
	// decide whether a failure is fatal.
	Critical bool `json:"-"`
}
