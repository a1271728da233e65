package tool

import (
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	emberrors "ember/internal/errors"
	"ember/internal/shared/jsonx"
)

// Builder accumulates tool definitions before the registry is sealed.
// Registration after Build is not possible; the running system only ever
// sees the immutable Registry.
type Builder struct {
	defs map[string]Definition
}

// NewBuilder creates an empty registry builder.
func NewBuilder() *Builder {
	return &Builder{defs: make(map[string]Definition)}
}

// Register adds a tool definition. Duplicate names are rejected.
func (b *Builder) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}
	if _, exists := b.defs[def.Name]; exists {
		return fmt.Errorf("tool already exists: %s", def.Name)
	}
	b.defs[def.Name] = def
	return nil
}

// Build compiles every parameter schema and seals the registry.
func (b *Builder) Build() (*Registry, error) {
	r := &Registry{
		defs:    make(map[string]Definition, len(b.defs)),
		schemas: make(map[string]*jsonschema.Schema, len(b.defs)),
	}
	for name, def := range b.defs {
		r.defs[name] = def
		if len(def.ParamsSchema) == 0 {
			continue
		}
		compiled, err := jsonschema.CompileString(name+".schema.json", string(def.ParamsSchema))
		if err != nil {
			return nil, fmt.Errorf("compile schema for tool %s: %w", name, err)
		}
		r.schemas[name] = compiled
	}
	return r, nil
}

// Registry is the immutable set of registered tools. It is built once at
// startup; no registration happens afterwards, so lookups need no locking.
type Registry struct {
	defs    map[string]Definition
	schemas map[string]*jsonschema.Schema
}

// Get returns the tool definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Has reports whether a tool with this name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.defs[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the call parameters against the tool's compiled schema.
// Unknown tools and schema mismatches return a ValidationError.
func (r *Registry) Validate(name string, params jsonx.RawMessage) error {
	if !r.Has(name) {
		return emberrors.NewValidationError("type", fmt.Sprintf("unknown tool %q", name))
	}
	schema, ok := r.schemas[name]
	if !ok {
		return nil
	}
	if len(params) == 0 {
		params = jsonx.RawMessage(`{}`)
	}
	var decoded any
	if err := jsonx.Unmarshal(params, &decoded); err != nil {
		return emberrors.NewValidationError("parameters", fmt.Sprintf("not valid JSON: %v", err))
	}
	if err := schema.Validate(decoded); err != nil {
		return emberrors.NewValidationError("parameters", err.Error())
	}
	return nil
}
