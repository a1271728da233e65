package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ember/internal/llm"
	"ember/internal/logging"
	"ember/internal/shared/jsonx"
	"ember/internal/task"
)

// ErrParentPending marks a parent_output_matches verdict as provisional: the
// parent has not finished producing output yet, so the branch must not be
// taken or skipped.
var ErrParentPending = errors.New("parent output not available yet")

// ConditionEvaluator decides whether a task's condition holds. The LLM
// client may be nil; llm_evaluate conditions then evaluate false.
type ConditionEvaluator struct {
	store  task.Store
	client llm.Client
	logger logging.Logger
}

// NewConditionEvaluator wires an evaluator over the task store.
func NewConditionEvaluator(store task.Store, client llm.Client, logger logging.Logger) *ConditionEvaluator {
	return &ConditionEvaluator{
		store:  store,
		client: client,
		logger: logging.OrNop(logger),
	}
}

// Evaluate returns the condition verdict. A non-nil error marks the verdict
// as provisional: the caller should retry later instead of skipping the
// branch.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, t *task.Task) (bool, error) {
	cond := t.Condition
	if cond.IsZero() {
		return true, nil
	}
	switch cond.Type {
	case task.ConditionParentOutput:
		return e.evaluateParentOutput(ctx, t, cond)
	case task.ConditionLLM:
		return e.evaluateLLM(ctx, t, cond)
	default:
		e.logger.Warn("workflow: unknown condition type %q on task %s, treating as false", cond.Type, t.ID)
		return false, nil
	}
}

func (e *ConditionEvaluator) evaluateParentOutput(ctx context.Context, t *task.Task, cond task.Condition) (bool, error) {
	if t.ParentID == "" {
		return false, nil
	}
	parent, err := e.store.Get(ctx, t.ParentID)
	if err != nil {
		return false, err
	}
	if !parent.Status.IsTerminal() {
		return false, ErrParentPending
	}
	if len(parent.Output) == 0 {
		return false, nil
	}

	value, ok := lookupPath(parent.Output, cond.Path)
	if !ok {
		return false, nil
	}
	return compare(value, cond.Op, cond.Value), nil
}

// lookupPath walks a dotted path into a JSON document.
func lookupPath(doc jsonx.RawMessage, path string) (any, bool) {
	var current any
	if err := jsonx.Unmarshal(doc, &current); err != nil {
		return nil, false
	}
	if path == "" {
		return current, true
	}
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compare(value any, op task.ConditionOp, operand string) bool {
	str := stringify(value)
	switch op {
	case task.OpEq:
		return str == operand
	case task.OpNe:
		return str != operand
	case task.OpContains:
		return strings.Contains(str, operand)
	case task.OpGt, task.OpLt:
		left, lerr := strconv.ParseFloat(str, 64)
		right, rerr := strconv.ParseFloat(operand, 64)
		if lerr != nil || rerr != nil {
			if op == task.OpGt {
				return str > operand
			}
			return str < operand
		}
		if op == task.OpGt {
			return left > right
		}
		return left < right
	default:
		return false
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		out, err := jsonx.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(out)
	}
}

// evaluateLLM asks the model for a boolean verdict. Any reply that does not
// open with "true" counts as false; the contract tie-breaks to false on
// parse failure.
func (e *ConditionEvaluator) evaluateLLM(ctx context.Context, t *task.Task, cond task.Condition) (bool, error) {
	if e.client == nil {
		e.logger.Warn("workflow: llm_evaluate condition on task %s with no LLM client, treating as false", t.ID)
		return false, nil
	}

	var sb strings.Builder
	sb.WriteString(cond.Prompt)
	if t.ParentID != "" {
		if parent, err := e.store.Get(ctx, t.ParentID); err == nil && len(parent.Output) > 0 {
			sb.WriteString("\n\nParent task output:\n")
			sb.Write(parent.Output)
		}
	}

	resp, err := llm.Complete(ctx, e.client, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "Answer strictly true or false."},
			{Role: "user", Content: sb.String()},
		},
		MaxTokens: 8,
	})
	if err != nil {
		return false, err
	}

	verdict := strings.ToLower(strings.TrimSpace(resp.Content))
	verdict = strings.Trim(verdict, ".!\"'` ")
	if strings.HasPrefix(verdict, "true") {
		return true, nil
	}
	if !strings.HasPrefix(verdict, "false") {
		e.logger.Warn("workflow: llm_evaluate on task %s replied %q, treating as false", t.ID, resp.Content)
	}
	return false, nil
}
