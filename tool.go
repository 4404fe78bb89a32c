package agentloop

import (
	"context"
	"encoding/json"
)

// Tool is the capability contract for one agent-invocable function (§4.5,
// §6). Name must be unique within a Registry. Invoke may suspend (block on
// I/O) and must return promptly when ctx is cancelled.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is a JSON Schema object describing the tool's input shape.
	InputSchema() json.RawMessage
	Invoke(ctx context.Context, input json.RawMessage) (output string, err error)
}

// Registry maps unique tool names to Tool implementations with O(1) lookup,
// per §6. It is built once and treated as read-only during an invocation.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Add registers a tool, overwriting any existing registration under the
// same name.
func (r *Registry) Add(t Tool) {
	r.tools[t.Name()] = t
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the ToolDefinition for every registered tool, in an
// unspecified order; callers that need a stable order should sort by Name.
func (r *Registry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.tools) }
