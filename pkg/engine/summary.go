package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/fabulist/fabula/pkg/llm"
	"github.com/fabulist/fabula/pkg/protocol"
	"github.com/fabulist/fabula/pkg/scope"
)

// SummarizerRole names the agent role producing prior-step summaries. It is
// in the validation skip roles so summaries pass through unvalidated.
const SummarizerRole = "summarizer"

const summarizerPrompt = `You condense prior chapters of a story draft. Write a compact summary that preserves every plot-relevant fact: characters, their goals, events in order, and unresolved threads. No commentary, no headings, prose only.`

// summaryFunc builds the lazy summarizer backing summary placeholders. The
// bridge is the one bound to the summarizer agent, or the executor's bridge
// when no summarizer agent exists.
func (e *Engine) summaryFunc(bridge *llm.Bridge) SummaryFunc {
	return func(ctx context.Context, text string) (string, error) {
		sc := scope.FromContext(ctx).
			WithOperation("summarize").
			WithAgent(SummarizerRole, SummarizerRole)
		ctx = scope.WithScope(ctx, sc)

		messages := []protocol.Message{
			protocol.SystemMessage(summarizerPrompt),
			protocol.UserMessage(text),
		}
		res, err := e.validator.CallWithValidation(ctx, bridge, messages, nil)
		if err != nil {
			return "", err
		}
		summary := strings.TrimSpace(res.Env.Text)
		if summary == "" {
			return "", fmt.Errorf("summarizer returned an empty summary")
		}
		return summary, nil
	}
}
