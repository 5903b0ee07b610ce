package llm

import (
	"github.com/fabulist/fabula/pkg/protocol"
	"github.com/fabulist/fabula/pkg/store"
)

// TokenUsage is the provider-reported (or estimated) token accounting for
// one call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Estimated        bool
}

// ResponseEnvelope is the outcome of one bridge call: the raw provider body
// plus the parsed projection.
type ResponseEnvelope struct {
	Raw          []byte
	Text         string
	ToolCalls    []protocol.ToolCall
	FinishReason string
	Usage        TokenUsage

	// Model is the model that actually answered; differs from the primary
	// after a fallback adoption.
	Model string

	// LogEntry is the call's own response-log row. Its ID is assigned when
	// the shared writer flushes, so a verdict always lands on this call's
	// row and never on a row another concurrent call appended. Nil when no
	// log writer is configured.
	LogEntry *store.ResponseLogEntry
}

func (e *ResponseEnvelope) HasToolCalls() bool {
	return e != nil && len(e.ToolCalls) > 0
}

func (e *ResponseEnvelope) Empty() bool {
	return e == nil || (e.Text == "" && len(e.ToolCalls) == 0)
}
