package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fabulist/fabula/pkg/protocol"
)

// wireToolCall tolerates both argument encodings: OpenAI sends a JSON string,
// Ollama sends an object.
type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type providerResponse struct {
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Message    *wireMessage `json:"message"`
	DoneReason string       `json:"done_reason"`
	Response   string       `json:"response"`
	Usage      *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// ParseResponse projects a provider body onto a ResponseEnvelope. It accepts
// three shapes: OpenAI choices[].message, Ollama top-level message, and the
// minimal {response:"..."} form. Tool calls embedded as JSON inside the text
// content are extracted as a last resort.
func ParseResponse(body []byte) (*ResponseEnvelope, error) {
	env := &ResponseEnvelope{Raw: body}

	var resp providerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// Structured decode failed outright; fall back to a tolerant walk
		// before giving up.
		if walked := tolerantWalk(body, env); !walked {
			return env, fmt.Errorf("unparseable provider response: %w", err)
		}
		extractNestedToolCalls(env)
		return env, nil
	}

	switch {
	case len(resp.Choices) > 0:
		msg := resp.Choices[0].Message
		env.Text = msg.Content
		env.ToolCalls = convertToolCalls(msg.ToolCalls)
		env.FinishReason = resp.Choices[0].FinishReason
	case resp.Message != nil:
		env.Text = resp.Message.Content
		env.ToolCalls = convertToolCalls(resp.Message.ToolCalls)
		env.FinishReason = resp.DoneReason
	case resp.Response != "":
		env.Text = resp.Response
	}

	if resp.Usage != nil {
		env.Usage = TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	} else if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
		env.Usage = TokenUsage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		}
	}

	extractNestedToolCalls(env)
	return env, nil
}

func convertToolCalls(calls []wireToolCall) []protocol.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]protocol.ToolCall, 0, len(calls))
	for i, c := range calls {
		tc := protocol.ToolCall{
			ID:   c.ID,
			Name: c.Function.Name,
			Args: decodeArguments(c.Function.Arguments),
		}
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d", i)
		}
		out = append(out, tc)
	}
	return out
}

// decodeArguments handles the object form, the JSON-string form, and the
// double-encoded string form.
func decodeArguments(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}

	var str string
	if err := json.Unmarshal(raw, &str); err == nil && str != "" {
		if err := json.Unmarshal([]byte(str), &obj); err == nil {
			return obj
		}
	}
	return map[string]any{}
}

// tolerantWalk extracts what it can from a loosely-shaped response map.
func tolerantWalk(body []byte, env *ResponseEnvelope) bool {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return false
	}

	if choices, ok := m["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				fillFromMessageMap(msg, env)
			}
			if fr, ok := choice["finish_reason"].(string); ok {
				env.FinishReason = fr
			}
			return true
		}
	}

	if msg, ok := m["message"].(map[string]any); ok {
		fillFromMessageMap(msg, env)
		if dr, ok := m["done_reason"].(string); ok {
			env.FinishReason = dr
		}
		return true
	}

	if response, ok := m["response"].(string); ok {
		env.Text = response
		return true
	}

	return false
}

func fillFromMessageMap(msg map[string]any, env *ResponseEnvelope) {
	if content, ok := msg["content"].(string); ok {
		env.Text = content
	}
	if rawCalls, ok := msg["tool_calls"].([]any); ok {
		raw, err := json.Marshal(rawCalls)
		if err != nil {
			return
		}
		var calls []wireToolCall
		if err := json.Unmarshal(raw, &calls); err == nil {
			env.ToolCalls = convertToolCalls(calls)
		}
	}
}

// extractNestedToolCalls handles models that answer with tool calls encoded
// as JSON inside the text content instead of the tool_calls array.
func extractNestedToolCalls(env *ResponseEnvelope) {
	if len(env.ToolCalls) > 0 {
		return
	}
	text := strings.TrimSpace(env.Text)
	if !strings.HasPrefix(text, "{") || !strings.Contains(text, "tool_calls") {
		return
	}

	var nested struct {
		ToolCalls []wireToolCall `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(text), &nested); err != nil {
		return
	}
	if len(nested.ToolCalls) == 0 {
		return
	}

	env.ToolCalls = convertToolCalls(nested.ToolCalls)
	env.Text = ""
}
