package eval

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabulist/fabula/pkg/config"
	"github.com/fabulist/fabula/pkg/httpclient"
	"github.com/fabulist/fabula/pkg/llm"
	"github.com/fabulist/fabula/pkg/store"
	"github.com/fabulist/fabula/pkg/validation"
)

func openAIReply(text string) string {
	return fmt.Sprintf(`{
		"choices": [{"message": {"content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30}
	}`, text)
}

func fixedServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, reply)
	}))
	t.Cleanup(server.Close)
	return server
}

type evalHarness struct {
	store     *store.Store
	evaluator *Evaluator
	bridge    *llm.Bridge
	agent     *store.Agent
	storyID   int64
}

func newEvalHarness(t *testing.T, server *httptest.Server) *evalHarness {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	writerModel, err := st.UpsertModel(ctx, &store.Model{Name: "writer-model", Endpoint: "http://w"})
	require.NoError(t, err)
	writerAgent, err := st.UpsertAgent(ctx, &store.Agent{Name: "narrator", Role: "writer"})
	require.NoError(t, err)

	evalModel, err := st.UpsertModel(ctx, &store.Model{Name: "eval-model", Endpoint: server.URL})
	require.NoError(t, err)

	agent := &store.Agent{
		Name:     "critic",
		Role:     EvaluatorRole,
		ModelID:  sql.NullInt64{Int64: evalModel, Valid: true},
		Prompt:   "You judge harshly.",
		IsActive: true,
	}
	_, err = st.UpsertAgent(ctx, agent)
	require.NoError(t, err)

	storyID, err := st.CreateStory(ctx, &store.StoryRecord{
		StoryRaw: "The keeper lit the lamp. The sea answered with silence.",
	})
	require.NoError(t, err)
	require.NoError(t, st.SetStoryCreator(ctx, storyID, writerModel, writerAgent, false))

	budget := 1
	opts := &config.ValidationOptions{MaxRetries: &budget}
	v := validation.NewValidator(opts, st, st.NewResponseLogWriter())

	endpoint := &config.ModelEndpoint{
		Name: "eval-model", Provider: config.ProviderOpenAI, Endpoint: server.URL,
	}
	require.NoError(t, endpoint.Validate())
	bridge := llm.NewBridge(endpoint,
		llm.WithHTTPClient(httpclient.New(httpclient.WithMaxRetries(0))))

	return &evalHarness{
		store:     st,
		evaluator: NewEvaluator(st, v),
		bridge:    bridge,
		agent:     agent,
		storyID:   storyID,
	}
}

const evaluationReply = `{"narrative_coherence": {"score": 20, "defects": "none"},
 "originality": {"score": 18, "defects": "familiar setting"},
 "emotional_impact": {"score": 22, "defects": ""},
 "action": {"score": 18, "defects": "static"},
 "total_score": 78}`

func TestEvaluateStoryPersistsAndDedupes(t *testing.T) {
	server := fixedServer(t, openAIReply(evaluationReply))
	h := newEvalHarness(t, server)
	ctx := context.Background()

	record, inserted, err := h.evaluator.EvaluateStory(ctx, h.bridge, h.agent, h.storyID)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, 78.0, record.TotalScore)
	assert.Equal(t, 18, record.Originality)
	assert.True(t, record.ModelID.Valid, "the evaluating model must be recorded")

	// The creator model's writer score follows: 78 * 10 / (1 * 100).
	writer, err := h.store.GetModelByName(ctx, "writer-model")
	require.NoError(t, err)
	assert.InDelta(t, 7.8, writer.WriterScore, 1e-9)

	// An identical second pass is a no-op.
	_, inserted, err = h.evaluator.EvaluateStory(ctx, h.bridge, h.agent, h.storyID)
	require.NoError(t, err)
	assert.False(t, inserted)

	evals, err := h.store.ListEvaluations(ctx, h.storyID)
	require.NoError(t, err)
	assert.Len(t, evals, 1)
}

func TestEvaluateStoryWithoutText(t *testing.T) {
	server := fixedServer(t, openAIReply(evaluationReply))
	h := newEvalHarness(t, server)
	ctx := context.Background()

	// Evaluating an empty story errors before any call.
	emptyID, err := h.store.CreateStory(ctx, &store.StoryRecord{})
	require.NoError(t, err)
	_, _, err = h.evaluator.EvaluateStory(ctx, h.bridge, h.agent, emptyID)
	assert.Error(t, err)
}

const coherenceReply = `{"facts": ["the keeper is alone", "the lamp is lit"],
 "local_coherence": 0.9, "global_coherence": 0.8, "notes": "consistent"}`

func TestRunCoherenceSingleChunk(t *testing.T) {
	server := fixedServer(t, openAIReply(coherenceReply))
	h := newEvalHarness(t, server)
	ctx := context.Background()

	gc, err := h.evaluator.RunCoherence(ctx, h.bridge, h.storyID)
	require.NoError(t, err)
	assert.Equal(t, 1, gc.ChunkCount)
	assert.InDelta(t, 0.85, gc.GlobalCoherenceValue, 1e-9)
	assert.Equal(t, "chunk 1: consistent", gc.Notes)

	// Rereading goes through the persisted row.
	loaded, err := h.store.GetGlobalCoherence(ctx, h.storyID)
	require.NoError(t, err)
	assert.InDelta(t, 0.85, loaded.GlobalCoherenceValue, 1e-9)

	assert.Equal(t, "global_coherence: 0.85 over 1 chunks", SyntheticEvaluationLine(gc))
}

func TestRunCoherenceEmptyStory(t *testing.T) {
	server := fixedServer(t, openAIReply(coherenceReply))
	h := newEvalHarness(t, server)
	ctx := context.Background()

	emptyID, err := h.store.CreateStory(ctx, &store.StoryRecord{})
	require.NoError(t, err)
	_, err = h.evaluator.RunCoherence(ctx, h.bridge, emptyID)
	assert.Error(t, err)
}
