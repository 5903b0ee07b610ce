// Package validation decides whether a model response is acceptable, drives
// the feedback-retry loop, and falls back across ranked alternate models
// when the primary terminally fails.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Verdict is the outcome of one validation pass, deterministic or judged.
type Verdict struct {
	IsValid               bool     `json:"is_valid"`
	NeedsRetry            bool     `json:"needs_retry"`
	Reason                string   `json:"reason"`
	ViolatedRules         []string `json:"violated_rules"`
	SystemMessageOverride string   `json:"system_message_override,omitempty"`
}

func validVerdict() *Verdict {
	return &Verdict{IsValid: true}
}

func invalidVerdict(reason string, needsRetry bool) *Verdict {
	return &Verdict{NeedsRetry: needsRetry, Reason: reason}
}

// ValidationInvalid is surfaced when a response parsed but failed checks and
// no retry budget remains.
type ValidationInvalid struct {
	Verdict *Verdict
}

func (e *ValidationInvalid) Error() string {
	return fmt.Sprintf("response failed validation: %s", e.Verdict.Reason)
}

// parseVerdict decodes a checker reply, tolerating common field aliases and
// a verdict wrapped in markdown fences or surrounding prose.
func parseVerdict(text string) (*Verdict, error) {
	payload := extractJSONObject(text)
	if payload == "" {
		return nil, fmt.Errorf("checker reply contains no JSON object")
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse checker verdict: %w", err)
	}

	v := &Verdict{}
	v.IsValid = boolField(raw, "is_valid", "valid", "isValid")
	v.NeedsRetry = boolField(raw, "needs_retry", "retry", "needsRetry")
	v.Reason = stringField(raw, "reason", "message", "explanation")
	v.SystemMessageOverride = stringField(raw, "system_message_override", "system_message", "override")

	if rules, ok := raw["violated_rules"].([]any); ok {
		for _, r := range rules {
			switch rv := r.(type) {
			case string:
				v.ViolatedRules = append(v.ViolatedRules, rv)
			case float64:
				v.ViolatedRules = append(v.ViolatedRules, fmt.Sprintf("%g", rv))
			}
		}
	}

	return v, nil
}

func boolField(raw map[string]any, names ...string) bool {
	for _, n := range names {
		if val, ok := raw[n]; ok {
			switch b := val.(type) {
			case bool:
				return b
			case string:
				return strings.EqualFold(b, "true") || strings.EqualFold(b, "yes")
			}
		}
	}
	return false
}

func stringField(raw map[string]any, names ...string) string {
	for _, n := range names {
		if val, ok := raw[n].(string); ok && val != "" {
			return val
		}
	}
	return ""
}

// extractJSONObject returns the first balanced {...} block in text.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
