package executor

import (
	"context"
	"errors"
	"fmt"

	emberrors "ember/internal/errors"
	"ember/internal/shared/jsonx"
	"ember/internal/task"
	"ember/internal/tool"
)

// ErrAwaitChildren is returned by a runner when the task has spawned children
// and must wait for them. The worker releases its slot; the task is completed
// later by parent aggregation.
var ErrAwaitChildren = errors.New("awaiting child tasks")

// InputRequest is returned by a runner when the task needs human input. The
// worker parks the task in waiting_input and releases its slot.
type InputRequest struct {
	Prompt string
}

func (e *InputRequest) Error() string {
	return "input required: " + e.Prompt
}

// NeedInput builds an InputRequest with the prompt shown to the user.
func NeedInput(prompt string) error {
	return &InputRequest{Prompt: prompt}
}

// Runner executes the body of one task. Besides plain results and failures it
// may return ErrAwaitChildren or an InputRequest to suspend the task.
type Runner interface {
	Run(ctx context.Context, t *task.Task) (jsonx.RawMessage, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, t *task.Task) (jsonx.RawMessage, error)

func (f RunnerFunc) Run(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
	return f(ctx, t)
}

// KindMux routes tasks to a runner by kind, with an optional fallback.
type KindMux struct {
	runners  map[task.Kind]Runner
	fallback Runner
}

// NewKindMux creates an empty mux with the given fallback. A nil fallback
// fails unrouted kinds.
func NewKindMux(fallback Runner) *KindMux {
	return &KindMux{
		runners:  make(map[task.Kind]Runner),
		fallback: fallback,
	}
}

// Handle routes the given kinds to the runner.
func (m *KindMux) Handle(r Runner, kinds ...task.Kind) *KindMux {
	for _, k := range kinds {
		m.runners[k] = r
	}
	return m
}

func (m *KindMux) Run(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
	if r, ok := m.runners[t.Kind]; ok {
		return r.Run(ctx, t)
	}
	if m.fallback != nil {
		return m.fallback.Run(ctx, t)
	}
	return nil, emberrors.NewValidationError("kind", fmt.Sprintf("no runner for task kind %q", t.Kind))
}

// AwaitChildren wraps a runner so tasks that have awaitable children suspend
// for parent aggregation instead of completing with their own output.
// notify-kind children are fire-and-forget and never awaited.
func AwaitChildren(store task.Store, inner Runner) Runner {
	return RunnerFunc(func(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
		out, err := inner.Run(ctx, t)
		if err != nil {
			return nil, err
		}
		children, err := store.Children(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if child.Kind != task.KindNotify {
				return nil, ErrAwaitChildren
			}
		}
		return out, nil
	})
}

// GateInput wraps a runner so tasks marked RequiresInput park in
// waiting_input until input arrives, instead of running with none.
func GateInput(inner Runner) Runner {
	return RunnerFunc(func(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
		if t.RequiresInput && len(t.Input) == 0 {
			prompt := t.InputPrompt
			if prompt == "" {
				prompt = "input required to proceed"
			}
			return nil, NeedInput(prompt)
		}
		return inner.Run(ctx, t)
	})
}

// ToolRunner executes action-typed tasks through the tool dispatcher. The
// task input names the tool and carries its parameters:
//
//	{"tool": "web_search", "parameters": {...}}
type ToolRunner struct {
	dispatcher *tool.Dispatcher
}

// NewToolRunner wires a runner over the dispatcher.
func NewToolRunner(dispatcher *tool.Dispatcher) *ToolRunner {
	return &ToolRunner{dispatcher: dispatcher}
}

func (r *ToolRunner) Run(ctx context.Context, t *task.Task) (jsonx.RawMessage, error) {
	var input struct {
		Tool       string           `json:"tool"`
		Parameters jsonx.RawMessage `json:"parameters"`
	}
	if err := jsonx.Unmarshal(t.Input, &input); err != nil {
		return nil, emberrors.NewValidationError("input", "task input is not a tool invocation: "+err.Error())
	}
	if input.Tool == "" {
		return nil, emberrors.NewValidationError("input.tool", "tool name is required")
	}

	res := r.dispatcher.Dispatch(ctx, tool.Call{
		ID:         t.ID,
		Type:       input.Tool,
		Parameters: input.Parameters,
	}, tool.Invocation{
		Principal:      t.Principal,
		ConversationID: t.ConversationID,
		TaskID:         t.ID,
	})
	if res.Status != tool.CallOK {
		return nil, resultError(res)
	}
	return res.Result, nil
}

// resultError rebuilds a classified error from a dispatch result so the
// worker's retry policy sees the original kind.
func resultError(res tool.CallResult) error {
	base := fmt.Errorf("tool %s: %s", res.Type, res.Error)
	switch res.ErrorKind {
	case emberrors.KindTransient.String():
		return &emberrors.TransientError{Err: base}
	case emberrors.KindValidation.String():
		return emberrors.NewValidationError(res.Type, res.Error)
	case emberrors.KindCancellation.String():
		return emberrors.NewCancellationError(res.Error)
	default:
		return &emberrors.PermanentError{Err: base}
	}
}
