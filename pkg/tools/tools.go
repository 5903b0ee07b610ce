// Package tools holds the tool registry and the ReAct sub-loop that lets a
// step's model invoke registered tools until it produces a final answer.
package tools

import (
	"context"
	"fmt"

	"github.com/fabulist/fabula/pkg/protocol"
	"github.com/fabulist/fabula/pkg/registry"
)

// Tool is one callable capability offered to a model. Tools are registered
// by the embedding application; the core only consumes schemas and results.
type Tool interface {
	Definition() protocol.ToolDefinition
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolDispatchError is an unknown tool name or a tool-internal failure. It
// is fed back to the model as a tool result, never surfaced as terminal.
type ToolDispatchError struct {
	Tool string
	Err  error
}

func (e *ToolDispatchError) Error() string {
	return fmt.Sprintf("tool '%s': %v", e.Tool, e.Err)
}

func (e *ToolDispatchError) Unwrap() error {
	return e.Err
}

// Registry indexes tools by name.
type Registry struct {
	*registry.BaseRegistry[Tool]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Tool]()}
}

func (r *Registry) RegisterTool(t Tool) error {
	return r.Register(t.Definition().Name, t)
}

// Definitions returns the schemas of all registered tools.
func (r *Registry) Definitions() []protocol.ToolDefinition {
	tools := r.List()
	if len(tools) == 0 {
		return nil
	}
	defs := make([]protocol.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

// Dispatch runs one tool call. Unknown names and tool errors come back as
// (errorText, ToolDispatchError) so the caller can feed the text to the
// model.
func (r *Registry) Dispatch(ctx context.Context, call protocol.ToolCall) (string, error) {
	tool, ok := r.Get(call.Name)
	if !ok {
		derr := &ToolDispatchError{Tool: call.Name, Err: fmt.Errorf("unknown tool")}
		return fmt.Sprintf("error: unknown tool '%s'", call.Name), derr
	}

	result, err := tool.Execute(ctx, call.Args)
	if err != nil {
		derr := &ToolDispatchError{Tool: call.Name, Err: err}
		return fmt.Sprintf("error: %v", err), derr
	}
	return result, nil
}
