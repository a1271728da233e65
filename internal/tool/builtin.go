package tool

import (
	"context"
	"fmt"

	emberrors "ember/internal/errors"
	"ember/internal/shared/jsonx"
	"ember/internal/task"
)

// Spawner creates tasks on behalf of tools. The executor implements it with
// backpressure applied; tests use task.Store directly.
type Spawner interface {
	Spawn(ctx context.Context, spec task.Spec) (*task.Task, error)
}

// KnowledgeQuerier answers retrieval queries for the knowledge_query builtin.
type KnowledgeQuerier interface {
	QueryJSON(ctx context.Context, query, principal string, budget int) (jsonx.RawMessage, error)
}

// BuiltinDeps carries the collaborators the builtin tools need.
type BuiltinDeps struct {
	Spawner   Spawner
	Knowledge KnowledgeQuerier
}

const spawnTaskSchema = `{
	"type": "object",
	"required": ["title", "kind"],
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"kind": {"type": "string", "enum": ["research", "action", "analysis", "synthesis", "fetch", "transform", "validate", "notify"]},
		"priority": {"type": "integer", "minimum": 0, "maximum": 100},
		"input": {"type": "object"},
		"max_retries": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

const knowledgeQuerySchema = `{
	"type": "object",
	"required": ["query"],
	"properties": {
		"query": {"type": "string", "minLength": 1},
		"budget": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

const autoexecSchema = `{
	"type": "object",
	"required": ["command"],
	"properties": {
		"command": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

// RegisterBuiltins registers the built-in tools on the builder. autoexec is
// registered disabled; enabling it requires rebuilding the registry at
// startup with an explicit policy decision.
func RegisterBuiltins(b *Builder, deps BuiltinDeps) error {
	defs := []Definition{
		{
			Name:         "spawn_task",
			Description:  "Create a follow-up task owned by the current principal and conversation.",
			ParamsSchema: jsonx.RawMessage(spawnTaskSchema),
			Capabilities: Capabilities{SideEffecting: true, LongRunning: true},
			Handler:      spawnTaskHandler(deps.Spawner),
		},
		{
			Name:         "knowledge_query",
			Description:  "Retrieve a context bundle from the knowledge base.",
			ParamsSchema: jsonx.RawMessage(knowledgeQuerySchema),
			Capabilities: Capabilities{Idempotent: true},
			Handler:      knowledgeQueryHandler(deps.Knowledge),
		},
		{
			Name:         "autoexec",
			Description:  "Execute a shell command on the host. Disabled.",
			ParamsSchema: jsonx.RawMessage(autoexecSchema),
			Capabilities: Capabilities{SideEffecting: true, Disabled: true},
			Handler: func(ctx context.Context, inv Invocation) (jsonx.RawMessage, error) {
				return nil, emberrors.NewValidationError("type", "autoexec is disabled")
			},
		},
	}
	for _, def := range defs {
		if err := b.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func spawnTaskHandler(spawner Spawner) Handler {
	return func(ctx context.Context, inv Invocation) (jsonx.RawMessage, error) {
		if spawner == nil {
			return nil, fmt.Errorf("spawn_task: no spawner configured")
		}
		var params struct {
			Title       string           `json:"title"`
			Description string           `json:"description"`
			Kind        string           `json:"kind"`
			Priority    int              `json:"priority"`
			Input       jsonx.RawMessage `json:"input"`
			MaxRetries  int              `json:"max_retries"`
		}
		if err := jsonx.Unmarshal(inv.Params, &params); err != nil {
			return nil, emberrors.NewValidationError("parameters", err.Error())
		}

		created, err := spawner.Spawn(ctx, task.Spec{
			Title:          params.Title,
			Description:    params.Description,
			Kind:           task.Kind(params.Kind),
			Priority:       params.Priority,
			Input:          params.Input,
			MaxRetries:     params.MaxRetries,
			Principal:      inv.Principal,
			ConversationID: inv.ConversationID,
			ParentID:       inv.TaskID,
		})
		if err != nil {
			return nil, err
		}
		out, err := jsonx.Marshal(map[string]string{
			"task_id": created.ID,
			"status":  string(created.Status),
		})
		return jsonx.RawMessage(out), err
	}
}

func knowledgeQueryHandler(querier KnowledgeQuerier) Handler {
	return func(ctx context.Context, inv Invocation) (jsonx.RawMessage, error) {
		if querier == nil {
			return nil, fmt.Errorf("knowledge_query: no knowledge store configured")
		}
		var params struct {
			Query  string `json:"query"`
			Budget int    `json:"budget"`
		}
		if err := jsonx.Unmarshal(inv.Params, &params); err != nil {
			return nil, emberrors.NewValidationError("parameters", err.Error())
		}
		return querier.QueryJSON(ctx, params.Query, inv.Principal, params.Budget)
	}
}
