package llm

import (
	"github.com/fabulist/fabula/pkg/config"
	"github.com/fabulist/fabula/pkg/protocol"
)

// Ollama wire shape, POST {endpoint}/api/chat with stream disabled.

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
	Format   any             `json:"format,omitempty"`
	Tools    []openAITool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Type     string                 `json:"type"`
	Function ollamaToolCallFunction `json:"function"`
}

type ollamaToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func buildOllamaRequest(m *config.ModelEndpoint, messages []protocol.Message, tools []protocol.ToolDefinition) ollamaRequest {
	req := ollamaRequest{
		Model:    m.Name,
		Messages: toOllamaMessages(messages),
		Stream:   false,
		Tools:    toOpenAITools(tools),
	}

	options := make(map[string]any)
	if !m.Excludes(config.NoTemperature) {
		options["temperature"] = *samplingValue(m.Params.Temperature, 0.7)
	}
	if !m.Excludes(config.NoTopP) {
		options["top_p"] = *samplingValue(m.Params.TopP, 1.0)
	}
	if m.Params.TopK != nil && !m.Excludes(config.NoTopK) {
		options["top_k"] = *m.Params.TopK
	}
	if m.Params.RepeatPenalty != nil && !m.Excludes(config.NoRepeatPenalty) {
		options["repeat_penalty"] = *m.Params.RepeatPenalty
	}
	if m.Params.RepeatLastN != nil && !m.Excludes(config.NoRepeatLastN) {
		options["repeat_last_n"] = *m.Params.RepeatLastN
	}
	if m.Params.NumPredict != nil && !m.Excludes(config.NoNumPredict) {
		options["num_predict"] = *m.Params.NumPredict
	}
	if len(options) > 0 {
		req.Options = options
	}

	// Ollama takes the response format as a bare "json" string or a schema.
	if rf := m.Params.ResponseFormat; rf != nil {
		if fm, ok := rf.(map[string]any); ok {
			if t, ok := fm["type"].(string); ok && t == "json_object" {
				req.Format = "json"
			} else if schema, ok := fm["json_schema"]; ok {
				req.Format = schema
			} else {
				req.Format = rf
			}
		} else {
			req.Format = rf
		}
	}

	return req
}

func toOllamaMessages(messages []protocol.Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		}
		for _, tc := range m.ToolCalls {
			args := tc.Args
			if args == nil {
				args = map[string]any{}
			}
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{
				Type: "function",
				Function: ollamaToolCallFunction{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		out = append(out, om)
	}
	return out
}
