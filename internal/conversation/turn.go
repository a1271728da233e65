package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"ember/internal/knowledge"
	"ember/internal/llm"
	"ember/internal/logging"
	"ember/internal/observability"
	"ember/internal/parser"
	"ember/internal/shared/token"
	"ember/internal/task"
	"ember/internal/tool"
	"ember/internal/usage"
)

// Retriever supplies the context bundle for a turn. *knowledge.Library
// satisfies it; a nil retriever skips the retrieval step.
type Retriever interface {
	Retrieve(ctx context.Context, query, principal string, budget int) (*knowledge.ContextBundle, error)
}

const defaultSystemPrompt = "You are a personal assistant. To call tools, open your reply with a JSON " +
	"array of {id, type, parameters} objects followed by the line \"✂️🐱\" on its own, then write your " +
	"answer in markdown. Reply in plain markdown when no tool is needed."

// TurnConfig tunes prompt composition.
type TurnConfig struct {
	SystemPrompt string
	// PreservedWindow is the number of most recent messages that survive
	// history truncation unconditionally.
	PreservedWindow int
	// HistoryBudget bounds the token count of included history.
	HistoryBudget int
	// ContextBudget is passed to the retriever.
	ContextBudget int
}

func (c *TurnConfig) normalize() {
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.PreservedWindow <= 0 {
		c.PreservedWindow = 6
	}
	if c.HistoryBudget <= 0 {
		c.HistoryBudget = 8000
	}
	if c.ContextBudget <= 0 {
		c.ContextBudget = 4000
	}
}

// Driver runs conversation turns.
type Driver struct {
	cfg        TurnConfig
	store      Store
	client     llm.Client
	dispatcher *tool.Dispatcher
	retriever  Retriever
	tasks      task.Store
	usage      usage.Store
	logger     logging.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
}

// NewDriver wires a turn driver. retriever, tasks, and usage may be nil;
// the corresponding steps are skipped.
func NewDriver(cfg TurnConfig, store Store, client llm.Client, dispatcher *tool.Dispatcher,
	retriever Retriever, tasks task.Store, usageStore usage.Store,
	logger logging.Logger, metrics *observability.Metrics) *Driver {
	cfg.normalize()
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	return &Driver{
		cfg:        cfg,
		store:      store,
		client:     client,
		dispatcher: dispatcher,
		retriever:  retriever,
		tasks:      tasks,
		usage:      usageStore,
		logger:     logging.OrNop(logger),
		metrics:    metrics,
		tracer:     observability.Tracer(true),
	}
}

// Sink observes parsed events as the turn progresses; the server streams
// them to the client. May be nil.
type Sink func(parser.Event)

// TurnResult is the outcome of one submitted user message.
type TurnResult struct {
	User         *Message   `json:"user"`
	Assistant    *Message   `json:"assistant"`
	ToolMessages []*Message `json:"tool_messages,omitempty"`
	Usage        llm.Usage  `json:"usage"`
	Failed       bool       `json:"failed"`
}

// Submit runs one turn: retrieval, prompt composition, generation, parsing,
// tool dispatch, and message persistence. A transport failure marks the turn
// failed but preserves content already streamed; the conversation stays
// usable.
func (d *Driver) Submit(ctx context.Context, conversationID, content string, attachments []Attachment, sink Sink) (*TurnResult, error) {
	conv, err := d.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ctx, span := observability.StartSpan(ctx, d.tracer, observability.SpanTurn,
		observability.AttrConversationID.String(conversationID))
	defer span.End()

	history, err := d.store.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	user, err := d.store.AppendMessage(ctx, Message{
		ConversationID: conversationID,
		Role:           RoleUser,
		Principal:      conv.Principal,
		Content:        content,
		Attachments:    attachments,
	})
	if err != nil {
		return nil, err
	}
	result := &TurnResult{User: user}

	prompt := d.compose(ctx, conv, history, content)

	started := time.Now()
	stream, err := d.client.Stream(ctx, llm.Request{Messages: prompt})
	if err != nil {
		result.Failed = true
		result.Assistant = d.appendAssistant(ctx, conv, "", nil,
			&TurnError{Kind: "transport", Message: err.Error()})
		d.metrics.ObserveLLM(d.client.Model(), "error", 0, 0, time.Since(started))
		return result, err
	}

	var body strings.Builder
	var calls []tool.Call
	var toolResults []tool.CallResult
	var turnErr *TurnError
	parseErrs := 0
	for ev := range parser.Run(stream, d.dispatcher.Registry(), d.logger) {
		if sink != nil {
			sink(ev)
		}
		switch ev.Kind {
		case parser.EventContent:
			body.WriteString(ev.Delta)
		case parser.EventToolCall:
			calls = append(calls, *ev.Call)
			res, critical := d.runTool(ctx, conv, *ev.Call)
			toolResults = append(toolResults, res)
			if critical && turnErr == nil {
				turnErr = &TurnError{Kind: "critical_tool", Message: fmt.Sprintf("tool %s failed: %s", ev.Call.Type, res.Error)}
			}
		case parser.EventError:
			if ev.ErrKind == "transport" {
				turnErr = &TurnError{Kind: "transport", Message: ev.Message}
				continue
			}
			parseErrs++
			d.logger.Warn("turn: %s: %s", ev.ErrKind, ev.Message)
		case parser.EventEnd:
			if ev.Usage != nil {
				result.Usage = *ev.Usage
			}
		}
	}

	display := parser.Sanitize(body.String(), d.dispatcher.Registry().Names())
	if turnErr == nil && parseErrs > 0 && display == "" && len(calls) == 0 {
		// A parse failure only fails the turn when it prevented all output.
		turnErr = &TurnError{Kind: "parse", Message: "model output did not parse"}
	}
	result.Failed = turnErr != nil
	// The assistant message carrying the declared calls is persisted first;
	// the tool-role results follow it in dispatch order.
	result.Assistant = d.appendAssistant(ctx, conv, display, calls, turnErr)
	result.ToolMessages = d.appendToolMessages(ctx, conv, toolResults)

	d.recordUsage(ctx, conv, result.Usage, time.Since(started), turnErr == nil)
	return result, nil
}

// compose builds the prompt: system directives, retrieval bundle, truncated
// history, then the user message.
func (d *Driver) compose(ctx context.Context, conv *Conversation, history []*Message, content string) []llm.Message {
	prompt := []llm.Message{{Role: string(RoleSystem), Content: d.cfg.SystemPrompt}}
	if d.retriever != nil {
		bundle, err := d.retriever.Retrieve(ctx, content, conv.Principal, d.cfg.ContextBudget)
		if err != nil {
			d.logger.Warn("turn: retrieval failed, continuing without context: %v", err)
		} else if len(bundle.Items) > 0 {
			prompt = append(prompt, llm.Message{Role: string(RoleSystem), Content: renderBundle(bundle)})
		}
	}
	prompt = append(prompt, d.truncate(history)...)
	return append(prompt, llm.Message{Role: string(RoleUser), Content: content})
}

// truncate drops history least-recent-first once the token budget is spent,
// always keeping the preserved window of most recent messages.
func (d *Driver) truncate(history []*Message) []llm.Message {
	keep := make([]bool, len(history))
	budget := d.cfg.HistoryBudget
	for i := len(history) - 1; i >= 0; i-- {
		preserved := len(history)-i <= d.cfg.PreservedWindow
		cost := token.Count(history[i].Content)
		if !preserved && cost > budget {
			break
		}
		keep[i] = true
		budget -= cost
		if budget < 0 {
			budget = 0
		}
	}
	var out []llm.Message
	for i, m := range history {
		if !keep[i] {
			continue
		}
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func renderBundle(bundle *knowledge.ContextBundle) string {
	var b strings.Builder
	b.WriteString("Relevant knowledge:\n")
	for i, item := range bundle.Items {
		fmt.Fprintf(&b, "\n[%d] %s (%s)\n%s\n", i+1, item.Title, item.Bucket, item.Content)
	}
	return b.String()
}

// runTool dispatches one call. The second return reports a failed critical
// tool. Persistence happens later so results land after the assistant
// message that declared the calls.
func (d *Driver) runTool(ctx context.Context, conv *Conversation, call tool.Call) (tool.CallResult, bool) {
	inv := tool.Invocation{
		Params:         call.Parameters,
		Principal:      conv.Principal,
		ConversationID: conv.ID,
	}
	if call.Type == "spawn_task" && d.tasks != nil {
		anchorID, err := d.ensureAnchor(ctx, conv)
		if err != nil {
			d.logger.Warn("turn: conversation anchor: %v", err)
		} else {
			inv.TaskID = anchorID
		}
	}

	res := d.dispatcher.Dispatch(ctx, call, inv)
	return res, res.Critical && res.Status == tool.CallError
}

// appendToolMessages persists one tool-role message per dispatched call, in
// dispatch order.
func (d *Driver) appendToolMessages(ctx context.Context, conv *Conversation, results []tool.CallResult) []*Message {
	if len(results) == 0 {
		return nil
	}
	msgs := make([]*Message, 0, len(results))
	for _, res := range results {
		content := string(res.Result)
		if res.Status != tool.CallOK {
			content = res.Error
		}
		msg, err := d.store.AppendMessage(ctx, Message{
			ConversationID: conv.ID,
			Role:           RoleTool,
			Content:        content,
			ToolResults:    []tool.CallResult{res},
		})
		if err != nil {
			d.logger.Error("turn: persist tool message: %v", err)
			msg = &Message{ConversationID: conv.ID, Role: RoleTool, Content: content, ToolResults: []tool.CallResult{res}}
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// ensureAnchor finds or creates the conversation-scoped parent task that
// spawned subtasks hang off. The anchor requires input, so the executor
// parks it in waiting_input instead of running it.
func (d *Driver) ensureAnchor(ctx context.Context, conv *Conversation) (string, error) {
	existing, err := d.tasks.List(ctx, task.Filter{ConversationID: conv.ID})
	if err != nil {
		return "", err
	}
	for _, t := range existing {
		if t.ParentID == "" && t.Kind == task.KindNotify && !t.Status.IsTerminal() {
			return t.ID, nil
		}
	}
	created, err := d.tasks.Create(ctx, task.Spec{
		Title:            "conversation " + conv.ID,
		Kind:             task.KindNotify,
		Principal:        conv.Principal,
		ConversationID:   conv.ID,
		ExecutionMode:    task.ModeParallel,
		TolerateFailures: true,
		RequiresInput:    true,
	})
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (d *Driver) appendAssistant(ctx context.Context, conv *Conversation, content string, calls []tool.Call, turnErr *TurnError) *Message {
	msg, err := d.store.AppendMessage(ctx, Message{
		ConversationID: conv.ID,
		Role:           RoleAssistant,
		Content:        content,
		ToolCalls:      calls,
		Error:          turnErr,
	})
	if err != nil {
		d.logger.Error("turn: persist assistant message: %v", err)
		return &Message{ConversationID: conv.ID, Role: RoleAssistant, Content: content, ToolCalls: calls, Error: turnErr}
	}
	return msg
}

func (d *Driver) recordUsage(ctx context.Context, conv *Conversation, u llm.Usage, elapsed time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	d.metrics.ObserveLLM(d.client.Model(), status, u.PromptTokens, u.CompletionTokens, elapsed)
	if d.usage == nil || u.TotalTokens == 0 {
		return
	}
	duration := u.Duration
	if duration == 0 {
		duration = elapsed
	}
	_, err := d.usage.Add(ctx, usage.Record{
		Principal:        conv.Principal,
		ConversationID:   conv.ID,
		Model:            d.client.Model(),
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Duration:         duration,
	})
	if err != nil {
		d.logger.Warn("turn: usage record: %v", err)
	}
}
