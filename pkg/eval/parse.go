// Package eval scores completed stories: per-category evaluations from
// evaluator agents and the chunked global-coherence pass.
package eval

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fabulist/fabula/pkg/store"
)

// CategoryScore is one scored category with its defect notes.
type CategoryScore struct {
	Score   int
	Defects string
}

// ParsedEvaluation is the decoded evaluator reply.
type ParsedEvaluation struct {
	NarrativeCoherence CategoryScore
	Originality        CategoryScore
	EmotionalImpact    CategoryScore
	Action             CategoryScore
	TotalScore         float64
	RawJSON            string
}

// ParseEvaluation decodes an evaluator reply. Each category may be an object
// {"score": n, "defects": "..."} or a bare number; the legacy "pacing" key is
// accepted as an alias of "action". A missing total_score is derived as the
// category sum.
func ParseEvaluation(text string) (*ParsedEvaluation, error) {
	payload := extractJSONObject(text)
	if payload == "" {
		return nil, fmt.Errorf("evaluator reply contains no JSON object")
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation: %w", err)
	}

	p := &ParsedEvaluation{RawJSON: payload}
	p.NarrativeCoherence = categoryField(raw, "narrative_coherence")
	p.Originality = categoryField(raw, "originality")
	p.EmotionalImpact = categoryField(raw, "emotional_impact")
	p.Action = categoryField(raw, "action", "pacing")

	if v, ok := raw["total_score"].(float64); ok {
		p.TotalScore = v
	} else {
		p.TotalScore = float64(p.NarrativeCoherence.Score + p.Originality.Score +
			p.EmotionalImpact.Score + p.Action.Score)
	}
	return p, nil
}

// ToRecord maps the parsed reply onto a persistable evaluation row.
func (p *ParsedEvaluation) ToRecord(storyID int64) *store.StoryEvaluation {
	return &store.StoryEvaluation{
		StoryID:                   storyID,
		NarrativeCoherence:        p.NarrativeCoherence.Score,
		NarrativeCoherenceDefects: p.NarrativeCoherence.Defects,
		Originality:               p.Originality.Score,
		OriginalityDefects:        p.Originality.Defects,
		EmotionalImpact:           p.EmotionalImpact.Score,
		EmotionalImpactDefects:    p.EmotionalImpact.Defects,
		Action:                    p.Action.Score,
		ActionDefects:             p.Action.Defects,
		TotalScore:                p.TotalScore,
		RawJSON:                   p.RawJSON,
	}
}

func categoryField(raw map[string]any, names ...string) CategoryScore {
	for _, name := range names {
		val, ok := raw[name]
		if !ok {
			continue
		}
		switch v := val.(type) {
		case float64:
			return CategoryScore{Score: int(v)}
		case map[string]any:
			cs := CategoryScore{}
			if score, ok := v["score"].(float64); ok {
				cs.Score = int(score)
			}
			if defects, ok := v["defects"].(string); ok {
				cs.Defects = defects
			}
			return cs
		}
	}
	return CategoryScore{}
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
