package tools

import (
	"context"
	"errors"
	"time"

	"github.com/fabulist/fabula/pkg/llm"
	"github.com/fabulist/fabula/pkg/logger"
	"github.com/fabulist/fabula/pkg/observability"
	"github.com/fabulist/fabula/pkg/protocol"
)

// ErrMaxToolIterations is returned when the sub-loop hits its iteration cap
// while the model is still asking for tools.
var ErrMaxToolIterations = errors.New("tool-call iteration cap reached")

// CallFunc is one validated bridge invocation, as provided by the validator
// wrapper.
type CallFunc func(ctx context.Context, messages []protocol.Message, tools []protocol.ToolDefinition) (*llm.ResponseEnvelope, error)

// LoopResult is the outcome of the ReAct sub-loop.
type LoopResult struct {
	// Final is the last response, normally a plain-text answer.
	Final *llm.ResponseEnvelope
	// Messages is the conversation including assistant tool-call messages
	// and tool results appended by the loop.
	Messages []protocol.Message
	// Iterations counts bridge re-invocations performed by the loop.
	Iterations int
}

// RunLoop drives the tool-call sub-loop: dispatch each requested tool, feed
// results back, re-invoke, until the model answers without tool calls or the
// iteration cap is hit. Tool failures are fed back as tool results so the
// model may recover.
func RunLoop(ctx context.Context, call CallFunc, reg *Registry, conversation []protocol.Message, first *llm.ResponseEnvelope, maxIterations int) (*LoopResult, error) {
	log := logger.WithComponent("tools")
	defs := reg.Definitions()

	result := &LoopResult{
		Final:    first,
		Messages: conversation,
	}

	env := first
	for env.HasToolCalls() {
		if result.Iterations >= maxIterations {
			log.Warn("tool loop cap reached", "iterations", result.Iterations)
			return result, ErrMaxToolIterations
		}

		assistant := protocol.AssistantMessage(env.Text)
		assistant.ToolCalls = append([]protocol.ToolCall(nil), env.ToolCalls...)
		result.Messages = append(result.Messages, assistant)

		for _, tc := range env.ToolCalls {
			start := time.Now()
			output, dispatchErr := reg.Dispatch(ctx, tc)
			if m := observability.GetGlobalMetrics(); m != nil {
				m.RecordToolExecution(ctx, tc.Name, time.Since(start), dispatchErr)
			}
			if dispatchErr != nil {
				log.Warn("tool dispatch failed", "tool", tc.Name, "error", dispatchErr)
			}
			result.Messages = append(result.Messages, protocol.ToolMessage(tc, output))
		}

		next, err := call(ctx, result.Messages, defs)
		if err != nil {
			return result, err
		}
		env = next
		result.Final = env
		result.Iterations++
	}

	return result, nil
}
