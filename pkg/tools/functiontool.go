package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/fabulist/fabula/pkg/protocol"
)

// FunctionTool wraps a typed Go function as a Tool. The argument schema is
// reflected from T's struct tags:
//
//	type Args struct {
//	    Query string `json:"query" jsonschema:"required,description=Search query"`
//	    Limit int    `json:"limit,omitempty" jsonschema:"default=10"`
//	}
type FunctionTool[T any] struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args T) (string, error)
}

func NewFunctionTool[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) (*FunctionTool[T], error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	params, err := generateSchema[T]()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema for tool '%s': %w", name, err)
	}
	return &FunctionTool[T]{
		name:        name,
		description: description,
		parameters:  params,
		fn:          fn,
	}, nil
}

func (t *FunctionTool[T]) Definition() protocol.ToolDefinition {
	return protocol.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.parameters,
	}
}

func (t *FunctionTool[T]) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode arguments: %w", err)
	}
	var typed T
	if err := json.Unmarshal(raw, &typed); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	return t.fn(ctx, typed)
}

// generateSchema reflects a JSON schema from T using struct tags.
func generateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	delete(result, "$schema")
	delete(result, "$id")
	return result, nil
}
