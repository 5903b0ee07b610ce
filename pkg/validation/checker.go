package validation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fabulist/fabula/pkg/llm"
	"github.com/fabulist/fabula/pkg/logger"
	"github.com/fabulist/fabula/pkg/protocol"
	"github.com/fabulist/fabula/pkg/scope"
)

// CheckerRole is the agent role judging other agents' outputs. It is always
// in skip_roles so the judge itself is never recursively validated.
const CheckerRole = "response_checker"

// Rule is one validation rule the judge can cite by id.
type Rule struct {
	ID   string
	Text string
}

const checkerSystemPrompt = `You are a strict response checker. Judge whether the candidate response satisfies the instruction and every listed rule. Answer with exactly one JSON object:
{"is_valid": bool, "needs_retry": bool, "reason": "short explanation", "violated_rules": ["rule ids"], "system_message_override": "optional corrective system message"}`

// Checker invokes the LLM judge over a candidate response.
type Checker struct {
	bridge *llm.Bridge
	rules  map[string]Rule
}

func NewChecker(bridge *llm.Bridge, rules []Rule) *Checker {
	index := make(map[string]Rule, len(rules))
	for _, r := range rules {
		index[r.ID] = r
	}
	return &Checker{bridge: bridge, rules: index}
}

// Check judges a candidate response against the rule subset named by
// ruleIDs (all rules when empty).
func (c *Checker) Check(ctx context.Context, instruction, candidate string, ruleIDs []string) (*Verdict, error) {
	log := logger.WithComponent("checker")

	sc := scope.FromContext(ctx).WithAgent(CheckerRole, CheckerRole)
	ctx = scope.WithScope(ctx, sc)

	messages := []protocol.Message{
		protocol.SystemMessage(checkerSystemPrompt),
		protocol.UserMessage(c.buildPrompt(instruction, candidate, ruleIDs)),
	}

	env, err := c.bridge.CallOnce(ctx, messages, nil)
	if err != nil {
		return nil, fmt.Errorf("checker call failed: %w", err)
	}

	verdict, err := parseVerdict(env.Text)
	if err != nil {
		log.Warn("checker verdict unparseable", "error", err, "reply", env.Text)
		// An unreadable judge is not a rejection of the candidate.
		return validVerdict(), nil
	}
	return verdict, nil
}

func (c *Checker) buildPrompt(instruction, candidate string, ruleIDs []string) string {
	var b strings.Builder
	b.WriteString("Instruction:\n")
	b.WriteString(instruction)
	b.WriteString("\n\nRules:\n")

	selected := c.selectRules(ruleIDs)
	if len(selected) == 0 {
		b.WriteString("- The response must fulfill the instruction completely.\n")
	}
	for _, r := range selected {
		fmt.Fprintf(&b, "- [%s] %s\n", r.ID, r.Text)
	}

	b.WriteString("\nCandidate response:\n")
	b.WriteString(candidate)
	return b.String()
}

func (c *Checker) selectRules(ruleIDs []string) []Rule {
	if len(ruleIDs) == 0 {
		out := make([]Rule, 0, len(c.rules))
		for _, r := range c.rules {
			out = append(out, r)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out
	}
	var out []Rule
	for _, id := range ruleIDs {
		if r, ok := c.rules[id]; ok {
			out = append(out, r)
		}
	}
	return out
}
