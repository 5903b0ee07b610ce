package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fabulist/fabula/pkg/llm"
	"github.com/fabulist/fabula/pkg/protocol"
	"github.com/fabulist/fabula/pkg/scope"
	"github.com/fabulist/fabula/pkg/store"
)

const factExtractionPrompt = `You analyze one chunk of a longer story. Extract the facts a continuity checker needs and rate coherence. Answer with exactly one JSON object:
{"facts": ["..."], "local_coherence": x, "global_coherence": y, "notes": "..."}
local_coherence rates the chunk's internal consistency and global_coherence its consistency with the prior facts, both between 0.0 and 1.0.`

// chunkVerdict is the decoded per-chunk reply.
type chunkVerdict struct {
	Facts           []string `json:"facts"`
	LocalCoherence  float64  `json:"local_coherence"`
	GlobalCoherence float64  `json:"global_coherence"`
	Notes           string   `json:"notes"`
}

// RunCoherence chunks the story, extracts per-chunk facts, and aggregates the
// per-chunk coherence pairs into the story's single GlobalCoherence row.
func (e *Evaluator) RunCoherence(ctx context.Context, bridge *llm.Bridge, storyID int64) (*store.GlobalCoherence, error) {
	story, err := e.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	text := story.StoryRaw
	if story.StoryRevised != "" {
		text = story.StoryRevised
	}
	if text == "" {
		return nil, fmt.Errorf("story %d has no text to analyze", storyID)
	}

	chunks := ChunkStory(text)

	sc := scope.FromContext(ctx)
	if sc.ThreadID == "" {
		sc = scope.New("story/coherence")
	}

	var priorFacts []string
	var sum float64
	var notes []string

	for i, chunk := range chunks {
		chunkScope := sc.
			WithOperation("story/coherence_chunk").
			WithAgent(EvaluatorRole, EvaluatorRole)
		chunkCtx := scope.WithScope(ctx, chunkScope)

		verdict, raw, err := e.analyzeChunk(chunkCtx, bridge, chunk, priorFacts)
		if err != nil {
			return nil, fmt.Errorf("chunk %d of story %d: %w", i+1, storyID, err)
		}

		if err := e.store.UpsertChunkFacts(ctx, storyID, i+1, raw); err != nil {
			return nil, err
		}

		priorFacts = append(priorFacts, verdict.Facts...)
		sum += clamp01((verdict.LocalCoherence + verdict.GlobalCoherence) / 2)
		if verdict.Notes != "" {
			notes = append(notes, fmt.Sprintf("chunk %d: %s", i+1, verdict.Notes))
		}
	}

	gc := &store.GlobalCoherence{
		StoryID:    storyID,
		ChunkCount: len(chunks),
		Notes:      strings.Join(notes, "\n"),
	}
	if len(chunks) > 0 {
		gc.GlobalCoherenceValue = clamp01(sum / float64(len(chunks)))
	}
	if err := e.store.UpsertGlobalCoherence(ctx, gc); err != nil {
		return nil, err
	}

	e.log.Info("story coherence computed", "story", storyID,
		"chunks", gc.ChunkCount, "value", gc.GlobalCoherenceValue)
	return gc, nil
}

func (e *Evaluator) analyzeChunk(ctx context.Context, bridge *llm.Bridge, chunk string, priorFacts []string) (*chunkVerdict, string, error) {
	var b strings.Builder
	if len(priorFacts) > 0 {
		b.WriteString("Known facts from earlier chunks:\n")
		for _, f := range priorFacts {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Chunk:\n")
	b.WriteString(chunk)

	messages := []protocol.Message{
		protocol.SystemMessage(factExtractionPrompt),
		protocol.UserMessage(b.String()),
	}

	res, err := e.validator.CallWithValidation(ctx, bridge, messages, nil)
	if err != nil {
		return nil, "", err
	}

	raw := extractJSONObject(res.Env.Text)
	if raw == "" {
		return nil, "", fmt.Errorf("chunk analysis contains no JSON object")
	}
	verdict := &chunkVerdict{}
	if err := json.Unmarshal([]byte(raw), verdict); err != nil {
		return nil, "", fmt.Errorf("failed to parse chunk analysis: %w", err)
	}
	return verdict, raw, nil
}

// SyntheticEvaluationLine renders the coherence aggregate the way the story
// view lists evaluator results.
func SyntheticEvaluationLine(gc *store.GlobalCoherence) string {
	return fmt.Sprintf("global_coherence: %.2f over %d chunks", gc.GlobalCoherenceValue, gc.ChunkCount)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
