package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabulist/fabula/pkg/config"
	"github.com/fabulist/fabula/pkg/llm"
	"github.com/fabulist/fabula/pkg/store"
	"github.com/fabulist/fabula/pkg/tools"
	"github.com/fabulist/fabula/pkg/validation"
)

func openAIReply(text string) string {
	return fmt.Sprintf(`{
		"choices": [{"message": {"content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30}
	}`, text)
}

// modelServer replays replies in order, repeating the last one, and records
// the request bodies.
type modelServer struct {
	*httptest.Server

	mu     sync.Mutex
	bodies []string
}

func newModelServer(t *testing.T, replies ...string) *modelServer {
	t.Helper()
	s := &modelServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		i := len(s.bodies)
		s.bodies = append(s.bodies, string(body))
		s.mu.Unlock()
		if i >= len(replies) {
			i = len(replies) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, replies[i])
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *modelServer) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

// testHarness wires a real store and validator around a fake model server.
type testHarness struct {
	store   *store.Store
	engine  *Engine
	storyID int64
}

func newTestHarness(t *testing.T, server *modelServer) *testHarness {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	modelID, err := st.UpsertModel(ctx, &store.Model{
		Name: "exec-model", Provider: "openai", Endpoint: server.URL, Enabled: true,
	})
	require.NoError(t, err)
	_, err = st.UpsertAgent(ctx, &store.Agent{
		Name:     "narrator",
		Role:     "writer",
		ModelID:  sql.NullInt64{Int64: modelID, Valid: true},
		Prompt:   "You write fiction.",
		IsActive: true,
	})
	require.NoError(t, err)
	_, err = st.UpsertTaskType(ctx, &store.TaskType{
		Code:                "story",
		DefaultExecutorRole: "writer",
		OutputMergeStrategy: MergeAccumulateChapters,
	})
	require.NoError(t, err)

	storyID, err := st.CreateStory(ctx, &store.StoryRecord{Prompt: "a lighthouse tale"})
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.SetDefaults()

	logs := st.NewResponseLogWriter()
	v := validation.NewValidator(&cfg.Validation, st, logs)
	eng := NewEngine(st, v, tools.NewRegistry(), cfg, llm.WithLogWriter(logs))

	return &testHarness{store: st, engine: eng, storyID: storyID}
}

func (h *testHarness) template(t *testing.T, tmpl *store.StepTemplate) {
	t.Helper()
	_, err := h.store.UpsertStepTemplate(context.Background(), tmpl)
	require.NoError(t, err)
}

func TestRunCompletesAndMergesChapters(t *testing.T) {
	server := newModelServer(t, openAIReply("Chapter one."), openAIReply("Chapter two."))
	h := newTestHarness(t, server)
	h.template(t, &store.StepTemplate{
		Name:       "two-chapter",
		TaskType:   "story",
		StepPrompt: "1. Write chapter one.\n2. Continue after {{STEP_1}}",
	})
	ctx := context.Background()

	exec, err := h.engine.Start(ctx, StartRequest{
		TaskType:       "story",
		Template:       "two-chapter",
		EntityID:       h.storyID,
		InitialContext: "Premise: a keeper alone in winter.",
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.Run(ctx, exec.ID))

	loaded, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, loaded.Status)
	assert.Equal(t, 2, loaded.CurrentStep)

	steps, err := h.store.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "Chapter one.", steps[0].StepOutput)
	assert.Equal(t, 1, steps[0].AttemptCount)
	assert.Contains(t, steps[0].ValidationResult, "true")
	assert.Contains(t, steps[0].ValidationResult, `"model":"exec-model"`,
		"the verdict must name the responding model")

	story, err := h.store.GetStory(ctx, h.storyID)
	require.NoError(t, err)
	assert.Equal(t, "Chapter one.\n\nChapter two.", story.StoryRaw)
	assert.True(t, story.ModelID.Valid, "the creator model must be recorded")
	assert.True(t, story.AgentID.Valid)

	reqs := server.requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0], "Premise: a keeper alone in winter.")
	assert.Contains(t, reqs[1], "Continue after Chapter one.",
		"step 2 must see step 1's interpolated output")
}

func TestRunCountsValidationRetries(t *testing.T) {
	server := newModelServer(t, openAIReply("   "), openAIReply("Chapter one."))
	h := newTestHarness(t, server)
	h.template(t, &store.StepTemplate{
		Name:       "one-step",
		TaskType:   "story",
		StepPrompt: "1. Write chapter one.",
	})
	ctx := context.Background()

	exec, err := h.engine.Start(ctx, StartRequest{
		TaskType: "story", Template: "one-step", EntityID: h.storyID,
	})
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	// The blank first reply is retried inside the validator; the step still
	// books both attempts and the execution books the retry.
	steps, err := h.store.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 2, steps[0].AttemptCount)
	assert.Equal(t, "Chapter one.", steps[0].StepOutput)

	loaded, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, loaded.Status)
	assert.Equal(t, 1, loaded.RetryCount)
}

func TestRunRetriesUntilMinimumLength(t *testing.T) {
	long := "The storm broke on the third night, and with it the keeper's resolve."
	server := newModelServer(t, openAIReply("Too short."), openAIReply(long))
	h := newTestHarness(t, server)
	h.template(t, &store.StepTemplate{
		Name:          "full-story",
		TaskType:      "story",
		StepPrompt:    "1. Write the full story.",
		FullStoryStep: 1,
		MinCharsStory: 40,
	})
	ctx := context.Background()

	exec, err := h.engine.Start(ctx, StartRequest{
		TaskType: "story", Template: "full-story", EntityID: h.storyID,
	})
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	reqs := server.requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1], "at least 40", "the expand request must state the minimum")

	steps, err := h.store.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 2, steps[0].AttemptCount)
	assert.Equal(t, long, steps[0].StepOutput)

	story, err := h.store.GetStory(ctx, h.storyID)
	require.NoError(t, err)
	assert.Equal(t, long, story.StoryRaw)
}

func TestRunFailsWhenMinimumNeverReached(t *testing.T) {
	server := newModelServer(t, openAIReply("Still short."))
	h := newTestHarness(t, server)
	h.template(t, &store.StepTemplate{
		Name:          "full-story",
		TaskType:      "story",
		StepPrompt:    "1. Write the full story.",
		FullStoryStep: 1,
		MinCharsStory: 500,
	})
	ctx := context.Background()

	exec, err := h.engine.Start(ctx, StartRequest{
		TaskType: "story", Template: "full-story", EntityID: h.storyID,
	})
	require.NoError(t, err)

	err = h.engine.Run(ctx, exec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	loaded, err := h.store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, loaded.Status)
}

func TestRunRecordsEvaluationStep(t *testing.T) {
	evalReply := `{"narrative_coherence": 20, "originality": 18, "emotional_impact": 22, "pacing": 18, "total_score": 78}`
	server := newModelServer(t, openAIReply("The keeper's story."), openAIReply(evalReply))
	h := newTestHarness(t, server)
	h.template(t, &store.StepTemplate{
		Name:            "write-then-score",
		TaskType:        "story",
		StepPrompt:      "1. Write the story.\n2. Score this story: {{STEP_1}}",
		EvaluationSteps: "2",
	})
	ctx := context.Background()

	exec, err := h.engine.Start(ctx, StartRequest{
		TaskType: "story", Template: "write-then-score", EntityID: h.storyID,
	})
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(ctx, exec.ID))

	evals, err := h.store.ListEvaluations(ctx, h.storyID)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, 78.0, evals[0].TotalScore)
	assert.Equal(t, 18, evals[0].Action, "the pacing alias must land in the action category")
	assert.True(t, evals[0].AgentID.Valid)
}

func TestStartRejectsSecondActiveExecution(t *testing.T) {
	server := newModelServer(t, openAIReply("text"))
	h := newTestHarness(t, server)
	h.template(t, &store.StepTemplate{
		Name: "one-step", TaskType: "story", StepPrompt: "1. Write.",
	})
	ctx := context.Background()

	_, err := h.engine.Start(ctx, StartRequest{
		TaskType: "story", Template: "one-step", EntityID: h.storyID,
	})
	require.NoError(t, err)

	_, err = h.engine.Start(ctx, StartRequest{
		TaskType: "story", Template: "one-step", EntityID: h.storyID,
	})
	assert.ErrorIs(t, err, store.ErrActiveExecutionExists)
}

func TestStartUnknownTemplate(t *testing.T) {
	server := newModelServer(t, openAIReply("text"))
	h := newTestHarness(t, server)

	_, err := h.engine.Start(context.Background(), StartRequest{
		TaskType: "story", Template: "missing", EntityID: h.storyID,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunNotRunnableStates(t *testing.T) {
	server := newModelServer(t, openAIReply("One sentence story."))
	h := newTestHarness(t, server)
	h.template(t, &store.StepTemplate{
		Name: "one-step", TaskType: "story", StepPrompt: "1. Write.",
	})
	ctx := context.Background()

	exec, err := h.engine.Start(ctx, StartRequest{
		TaskType: "story", Template: "one-step", EntityID: h.storyID,
	})
	require.NoError(t, err)

	require.NoError(t, h.store.UpdateExecutionStatus(ctx, exec.ID, store.StatusFailed))
	assert.ErrorIs(t, h.engine.Run(ctx, exec.ID), ErrNotRunnable)

	// A completed execution is a no-op, not an error.
	require.NoError(t, h.store.UpdateExecutionStatus(ctx, exec.ID, store.StatusPending))
	require.NoError(t, h.engine.Run(ctx, exec.ID))
	calls := len(server.requests())
	require.NoError(t, h.engine.Run(ctx, exec.ID))
	assert.Len(t, server.requests(), calls, "re-running a completed execution makes no calls")
}

func TestPauseAndCancelUnknownExecution(t *testing.T) {
	server := newModelServer(t, openAIReply("text"))
	h := newTestHarness(t, server)

	assert.False(t, h.engine.Pause(999))
	assert.False(t, h.engine.Cancel(999))
}
