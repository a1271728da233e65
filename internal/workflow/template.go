// Package workflow turns declared task-tree templates into concrete tasks
// and owns the rules that tie a task graph together: readiness of a node,
// conditional branches, and parent completion semantics.
package workflow

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"ember/internal/task"
)

// Node is one task spec in a template tree.
type Node struct {
	Spec     task.Spec `yaml:",inline"`
	Children []Node    `yaml:"children,omitempty"`
}

// Template is a named, reusable task tree. Instantiating it produces
// concrete tasks in the store.
type Template struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Root Node   `yaml:"root"`
}

// ParseTemplate decodes a YAML template definition.
func ParseTemplate(data []byte) (Template, error) {
	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return Template{}, fmt.Errorf("parse workflow template: %w", err)
	}
	if tpl.Name == "" {
		return Template{}, fmt.Errorf("workflow template has no name")
	}
	if tpl.Root.Spec.Title == "" {
		return Template{}, fmt.Errorf("workflow template %q has no root task", tpl.Name)
	}
	return tpl, nil
}

// LoadTemplate reads and parses a template file.
func LoadTemplate(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read workflow template: %w", err)
	}
	return ParseTemplate(data)
}

// Instantiate creates the template's task tree for a principal. It returns
// the root task and every created task, root first.
func Instantiate(ctx context.Context, store task.Store, tpl Template, principal string) (*task.Task, []*task.Task, error) {
	workflowID := tpl.ID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	rootSpec := tpl.Root.Spec
	rootSpec.WorkflowID = workflowID
	rootSpec.Principal = principal

	root, err := store.Create(ctx, rootSpec)
	if err != nil {
		return nil, nil, fmt.Errorf("instantiate workflow %q: %w", tpl.Name, err)
	}

	all := []*task.Task{root}
	descendants, err := spawnChildren(ctx, store, root, tpl.Root.Children)
	if err != nil {
		return nil, nil, fmt.Errorf("instantiate workflow %q: %w", tpl.Name, err)
	}
	return root, append(all, descendants...), nil
}

func spawnChildren(ctx context.Context, store task.Store, parent *task.Task, nodes []Node) ([]*task.Task, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	specs := make([]task.Spec, len(nodes))
	for i, node := range nodes {
		specs[i] = node.Spec
	}
	children, err := store.SpawnSubtasks(ctx, parent.ID, specs, parent.ExecutionMode)
	if err != nil {
		return nil, err
	}

	all := append([]*task.Task(nil), children...)
	for i, child := range children {
		grandchildren, err := spawnChildren(ctx, store, child, nodes[i].Children)
		if err != nil {
			return nil, err
		}
		all = append(all, grandchildren...)
	}
	return all, nil
}
