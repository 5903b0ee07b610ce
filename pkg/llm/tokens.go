package llm

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/fabulist/fabula/pkg/protocol"
)

// TokenCounter estimates token counts for one model, used when the provider
// omits usage data.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// cl100k_base covers GPT-4-era models and is a fair estimate for
		// local models with unknown tokenizers.
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for a text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens across a conversation, with the per-message
// overhead of the OpenAI chat format.
func (tc *TokenCounter) CountMessages(messages []protocol.Message) int {
	const perMessageOverhead = 4
	total := 3 // reply priming
	for _, m := range messages {
		total += perMessageOverhead
		total += tc.Count(string(m.Role))
		total += tc.Count(m.Content)
	}
	return total
}
