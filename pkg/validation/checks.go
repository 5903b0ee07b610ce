package validation

import (
	"strings"

	"github.com/fabulist/fabula/pkg/llm"
	"github.com/fabulist/fabula/pkg/protocol"
)

// OpAddVoiceTags is the operation with a dedicated deterministic check.
const OpAddVoiceTags = "story/add_voice_tags_to_story"

// deterministicCheck runs the operation-independent checks plus any
// operation-specific ones. A nil-safe, parse-only pass: no model calls.
func deterministicCheck(opKey string, env *llm.ResponseEnvelope, messages []protocol.Message) *Verdict {
	if env.Empty() {
		return invalidVerdict("empty or unparseable response", true)
	}

	// A tool-call answer is always acceptable; the sub-loop takes over.
	if env.HasToolCalls() {
		return validVerdict()
	}

	if opKey == OpAddVoiceTags {
		return checkVoiceTags(env.Text, protocol.LastUserContent(messages))
	}

	if strings.TrimSpace(env.Text) == "" {
		return invalidVerdict("blank response text", true)
	}

	return validVerdict()
}
