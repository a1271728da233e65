package tool

import (
	"context"
	"fmt"
	"time"

	emberrors "ember/internal/errors"
	"ember/internal/logging"
	"ember/internal/shared/jsonx"
)

// Dispatcher resolves tool calls against the registry, validates their
// parameters, and runs the handlers.
type Dispatcher struct {
	registry *Registry
	logger   logging.Logger
	retry    emberrors.RetryConfig
}

// NewDispatcher wires a dispatcher over a sealed registry.
func NewDispatcher(registry *Registry, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logging.OrNop(logger),
		retry:    emberrors.DefaultRetryConfig(),
	}
}

// Registry exposes the underlying registry for schema validation by the
// parser.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch executes one tool call and returns its result. Handler failures
// are captured in the result rather than returned; the error return is
// reserved for validation refusals the caller must surface synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, inv Invocation) CallResult {
	res := CallResult{ID: call.ID, Type: call.Type, Status: CallRunning}

	def, ok := d.registry.Get(call.Type)
	if !ok {
		return d.fail(res, emberrors.NewValidationError("type", fmt.Sprintf("unknown tool %q", call.Type)))
	}
	res.Critical = def.Capabilities.Critical

	if def.Capabilities.Disabled {
		return d.fail(res, emberrors.NewValidationError("type", fmt.Sprintf("tool %q is disabled", call.Type)))
	}
	if err := d.registry.Validate(call.Type, call.Parameters); err != nil {
		return d.fail(res, err)
	}

	inv.Params = call.Parameters
	start := time.Now()

	var out jsonx.RawMessage
	var err error
	if def.Capabilities.Idempotent {
		// Idempotent handlers may be retried on transient failures.
		err = emberrors.RetryWithLog(ctx, d.retry, func(ctx context.Context) error {
			var handlerErr error
			out, handlerErr = def.Handler(ctx, inv)
			return handlerErr
		}, d.logger)
	} else {
		out, err = def.Handler(ctx, inv)
	}
	res.Duration = time.Since(start)

	if err != nil {
		d.logger.Warn("tool %s failed after %s: %v", call.Type, res.Duration, err)
		return d.fail(res, err)
	}

	res.Status = CallOK
	res.Result = out
	if def.Capabilities.LongRunning {
		// Long-running handlers return {"task_id": "..."}; surface the
		// handle so the executor can await it.
		var handle struct {
			TaskID string `json:"task_id"`
		}
		if jsonErr := jsonx.Unmarshal(out, &handle); jsonErr == nil && handle.TaskID != "" {
			res.TaskID = handle.TaskID
		}
	}
	d.logger.Debug("tool %s ok in %s", call.Type, res.Duration)
	return res
}

func (d *Dispatcher) fail(res CallResult, err error) CallResult {
	res.Status = CallError
	res.Error = err.Error()
	res.ErrorKind = emberrors.Classify(err).String()
	return res
}
