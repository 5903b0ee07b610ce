package llm

import (
	"encoding/json"

	"github.com/fabulist/fabula/pkg/config"
	"github.com/fabulist/fabula/pkg/protocol"
)

// OpenAI-compatible wire shape, POST {endpoint}/v1/chat/completions.

type openAIRequest struct {
	Model               string          `json:"model"`
	Messages            []openAIMessage `json:"messages"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	FrequencyPenalty    *float64        `json:"frequency_penalty,omitempty"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	ResponseFormat      any             `json:"response_format,omitempty"`
	Tools               []openAITool    `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func buildOpenAIRequest(m *config.ModelEndpoint, messages []protocol.Message, tools []protocol.ToolDefinition) openAIRequest {
	req := openAIRequest{
		Model:    m.Name,
		Messages: toOpenAIMessages(messages),
		Tools:    toOpenAITools(tools),
	}

	if !m.Excludes(config.NoTemperature) {
		req.Temperature = samplingValue(m.Params.Temperature, 0.7)
	}
	if !m.Excludes(config.NoTopP) {
		req.TopP = samplingValue(m.Params.TopP, 1.0)
	}
	if m.Params.FrequencyPenalty != nil && !m.Excludes(config.NoFrequencyPenalty) {
		req.FrequencyPenalty = m.Params.FrequencyPenalty
	}
	if m.Params.MaxResponseTokens != nil && !m.Excludes(config.NoMaxTokens) {
		if m.NewStyleMaxTokens() {
			req.MaxCompletionTokens = m.Params.MaxResponseTokens
		} else {
			req.MaxTokens = m.Params.MaxResponseTokens
		}
	}
	req.ResponseFormat = m.Params.ResponseFormat

	return req
}

// samplingValue returns the explicit value if set, otherwise the default.
func samplingValue(explicit *float64, def float64) *float64 {
	if explicit != nil {
		return explicit
	}
	return &def
}

func toOpenAIMessages(messages []protocol.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		om := openAIMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Args)
			if err != nil {
				args = []byte("{}")
			}
			om.ToolCalls = append(om.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []protocol.ToolDefinition) []openAITool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openAITool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}
