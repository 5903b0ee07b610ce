package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/fabulist/fabula/pkg/llm"
	"github.com/fabulist/fabula/pkg/protocol"
)

type diceArgs struct {
	Sides int `json:"sides" jsonschema:"required"`
}

func diceTool(t *testing.T) Tool {
	t.Helper()
	tool, err := NewFunctionTool("roll_dice", "Roll a die with the given number of sides.",
		func(ctx context.Context, args diceArgs) (string, error) {
			if args.Sides < 1 {
				return "", fmt.Errorf("invalid sides %d", args.Sides)
			}
			return fmt.Sprintf("rolled %d-sided die", args.Sides), nil
		})
	if err != nil {
		t.Fatalf("failed to build tool: %v", err)
	}
	return tool
}

func TestFunctionToolDefinition(t *testing.T) {
	def := diceTool(t).Definition()
	if def.Name != "roll_dice" {
		t.Errorf("unexpected name %q", def.Name)
	}
	props, ok := def.Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties in schema, got %v", def.Parameters)
	}
	if _, ok := props["sides"]; !ok {
		t.Error("schema must describe the sides argument")
	}
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterTool(diceTool(t)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	out, err := reg.Dispatch(context.Background(), protocol.ToolCall{
		ID: "c1", Name: "roll_dice", Args: map[string]any{"sides": 6},
	})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if out != "rolled 6-sided die" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestRegistryDispatchUnknownTool(t *testing.T) {
	reg := NewRegistry()
	out, err := reg.Dispatch(context.Background(), protocol.ToolCall{
		ID: "c1", Name: "missing", Args: map[string]any{},
	})
	var de *ToolDispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected ToolDispatchError, got %v", err)
	}
	// The error text is still returned so it can be fed back to the model.
	if !strings.HasPrefix(out, "error:") {
		t.Errorf("expected an error result for the model, got %q", out)
	}
}

func TestRunLoopDispatchesAndFinishes(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterTool(diceTool(t)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	calls := 0
	call := func(ctx context.Context, messages []protocol.Message, defs []protocol.ToolDefinition) (*llm.ResponseEnvelope, error) {
		calls++
		return &llm.ResponseEnvelope{Text: "the die came up six"}, nil
	}

	first := &llm.ResponseEnvelope{
		ToolCalls: []protocol.ToolCall{
			{ID: "c1", Name: "roll_dice", Args: map[string]any{"sides": 6}},
		},
	}
	conversation := []protocol.Message{protocol.UserMessage("roll a d6")}

	result, err := RunLoop(context.Background(), call, reg, conversation, first, 8)
	if err != nil {
		t.Fatalf("loop failed: %v", err)
	}
	if result.Final.Text != "the die came up six" {
		t.Errorf("unexpected final text %q", result.Final.Text)
	}
	if result.Iterations != 1 || calls != 1 {
		t.Errorf("expected exactly one re-invocation, got %d", result.Iterations)
	}

	// The loop must have appended the assistant tool-call turn and the tool
	// result with a matching id.
	var sawAssistant, sawTool bool
	for _, m := range result.Messages {
		if m.Role == protocol.RoleAssistant && len(m.ToolCalls) == 1 {
			sawAssistant = true
		}
		if m.Role == protocol.RoleTool && m.ToolCallID == "c1" {
			sawTool = true
			if m.Content != "rolled 6-sided die" {
				t.Errorf("unexpected tool result %q", m.Content)
			}
		}
	}
	if !sawAssistant || !sawTool {
		t.Errorf("conversation missing tool turns: %+v", result.Messages)
	}
}

func TestRunLoopFeedsToolErrorsBack(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterTool(diceTool(t)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	call := func(ctx context.Context, messages []protocol.Message, defs []protocol.ToolDefinition) (*llm.ResponseEnvelope, error) {
		return &llm.ResponseEnvelope{Text: "recovered"}, nil
	}
	first := &llm.ResponseEnvelope{
		ToolCalls: []protocol.ToolCall{
			{ID: "c1", Name: "no_such_tool", Args: map[string]any{}},
		},
	}

	result, err := RunLoop(context.Background(), call, reg, nil, first, 8)
	if err != nil {
		t.Fatalf("loop failed: %v", err)
	}

	var errorFedBack bool
	for _, m := range result.Messages {
		if m.Role == protocol.RoleTool && strings.HasPrefix(m.Content, "error:") {
			errorFedBack = true
		}
	}
	if !errorFedBack {
		t.Error("tool failure must be fed back as a tool result")
	}
	if result.Final.Text != "recovered" {
		t.Errorf("unexpected final text %q", result.Final.Text)
	}
}

func TestRunLoopIterationCap(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterTool(diceTool(t)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// The model keeps asking for tools forever.
	call := func(ctx context.Context, messages []protocol.Message, defs []protocol.ToolDefinition) (*llm.ResponseEnvelope, error) {
		return &llm.ResponseEnvelope{
			ToolCalls: []protocol.ToolCall{
				{ID: "c", Name: "roll_dice", Args: map[string]any{"sides": 6}},
			},
		}, nil
	}
	first := &llm.ResponseEnvelope{
		ToolCalls: []protocol.ToolCall{
			{ID: "c0", Name: "roll_dice", Args: map[string]any{"sides": 6}},
		},
	}

	result, err := RunLoop(context.Background(), call, reg, nil, first, 3)
	if !errors.Is(err, ErrMaxToolIterations) {
		t.Fatalf("expected ErrMaxToolIterations, got %v", err)
	}
	if result.Iterations != 3 {
		t.Errorf("expected 3 iterations before the cap, got %d", result.Iterations)
	}
}
