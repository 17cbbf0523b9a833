// Package tools defines the tools available to the agent. A tool is a
// name, a JSON schema for its arguments and a handler returning a
// structured result; the agent loop knows nothing else about it.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler executes a tool. The result is marshalled to JSON for the
// model unless it is already a string.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds available tools, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry, replacing any tool with the
// same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// List returns all tools in OpenAI function format, sorted by name so
// the prompt is stable across calls.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.Names() {
		t := r.Get(name)
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Subset returns a registry holding only the named tools. Names with
// no registered tool are ignored. A nil names slice selects every tool.
func (r *Registry) Subset(names []string) *Registry {
	out := NewRegistry()
	if names == nil {
		names = r.Names()
	}
	for _, n := range names {
		if t := r.Get(n); t != nil {
			out.Register(t)
		}
	}
	return out
}

// Execute runs a tool and renders its result for the model. An unknown
// name returns [*ErrToolUnavailable]; a handler failure returns
// [*InvocationError].
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	if raw, ok := args["_raw"].(string); ok {
		return "", &InvocationError{ToolName: name, Err: fmt.Errorf("arguments are not valid JSON: %s", raw)}
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		return "", &InvocationError{ToolName: name, Err: err}
	}
	return render(result)
}

func render(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(b), nil
}
