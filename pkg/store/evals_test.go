package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEvaluatedStory(t *testing.T, s *Store) (storyID, modelID int64) {
	t.Helper()
	ctx := context.Background()
	seedStatuses(t, s)

	modelID, err := s.UpsertModel(ctx, &Model{Name: "writer-model", Endpoint: "http://x"})
	require.NoError(t, err)
	agentID, err := s.UpsertAgent(ctx, &Agent{Name: "narrator", Role: "writer"})
	require.NoError(t, err)

	storyID, err = s.CreateStory(ctx, &StoryRecord{StoryRaw: "a story"})
	require.NoError(t, err)
	require.NoError(t, s.SetStoryCreator(ctx, storyID, modelID, agentID, false))
	return storyID, modelID
}

func evaluation(storyID, agentID int64, total float64, raw string) *StoryEvaluation {
	return &StoryEvaluation{
		StoryID:    storyID,
		AgentID:    sql.NullInt64{Int64: agentID, Valid: true},
		TotalScore: total,
		RawJSON:    raw,
	}
}

func TestInsertEvaluationDedupeAndWriterScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	storyID, modelID := seedEvaluatedStory(t, s)

	e1, err := s.UpsertAgent(ctx, &Agent{Name: "eval-1", Role: "evaluator"})
	require.NoError(t, err)
	e2, err := s.UpsertAgent(ctx, &Agent{Name: "eval-2", Role: "evaluator"})
	require.NoError(t, err)

	id1, inserted, err := s.InsertEvaluation(ctx, evaluation(storyID, e1, 78, `{"total":78}`))
	require.NoError(t, err)
	assert.True(t, inserted)

	m, err := s.GetModel(ctx, modelID)
	require.NoError(t, err)
	assert.InDelta(t, 7.8, m.WriterScore, 1e-9)

	// Identical triple is a no-op returning the existing id.
	id1b, inserted, err := s.InsertEvaluation(ctx, evaluation(storyID, e1, 78, `{"total":78}`))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id1, id1b)

	m, err = s.GetModel(ctx, modelID)
	require.NoError(t, err)
	assert.InDelta(t, 7.8, m.WriterScore, 1e-9)

	// A second evaluator moves the average and flips the story to evaluated.
	_, inserted, err = s.InsertEvaluation(ctx, evaluation(storyID, e2, 86, `{"total":86}`))
	require.NoError(t, err)
	assert.True(t, inserted)

	m, err = s.GetModel(ctx, modelID)
	require.NoError(t, err)
	assert.InDelta(t, 8.2, m.WriterScore, 1e-9)

	story, err := s.GetStory(ctx, storyID)
	require.NoError(t, err)
	require.True(t, story.StatusID.Valid)
	var code string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT code FROM story_statuses WHERE id = ?`, story.StatusID.Int64).Scan(&code))
	assert.Equal(t, StatusEvaluated, code)
}

func TestInsertEvaluationSingleEvaluatorKeepsStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	storyID, _ := seedEvaluatedStory(t, s)

	e1, err := s.UpsertAgent(ctx, &Agent{Name: "eval-1", Role: "evaluator"})
	require.NoError(t, err)

	_, _, err = s.InsertEvaluation(ctx, evaluation(storyID, e1, 60, `{"total":60}`))
	require.NoError(t, err)

	story, err := s.GetStory(ctx, storyID)
	require.NoError(t, err)
	assert.False(t, story.StatusID.Valid, "one evaluation must not advance the status")
}

func TestEvaluationsCascadeWithStory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	storyID, _ := seedEvaluatedStory(t, s)

	e1, err := s.UpsertAgent(ctx, &Agent{Name: "eval-1", Role: "evaluator"})
	require.NoError(t, err)
	_, _, err = s.InsertEvaluation(ctx, evaluation(storyID, e1, 70, `{"total":70}`))
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `DELETE FROM stories WHERE id = ?`, storyID)
	require.NoError(t, err)

	evals, err := s.ListEvaluations(ctx, storyID)
	require.NoError(t, err)
	assert.Empty(t, evals)
}

func TestGlobalCoherenceUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	storyID, _ := seedEvaluatedStory(t, s)

	require.NoError(t, s.UpsertGlobalCoherence(ctx, &GlobalCoherence{
		StoryID: storyID, GlobalCoherenceValue: 0.8, ChunkCount: 3,
	}))
	require.NoError(t, s.UpsertGlobalCoherence(ctx, &GlobalCoherence{
		StoryID: storyID, GlobalCoherenceValue: 0.9, ChunkCount: 4, Notes: "revised",
	}))

	gc, err := s.GetGlobalCoherence(ctx, storyID)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, gc.GlobalCoherenceValue, 1e-9)
	assert.Equal(t, 4, gc.ChunkCount)
}

func TestChunkFactsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	storyID, _ := seedEvaluatedStory(t, s)

	require.NoError(t, s.UpsertChunkFacts(ctx, storyID, 1, `{"facts":["a"]}`))
	require.NoError(t, s.UpsertChunkFacts(ctx, storyID, 1, `{"facts":["a","b"]}`))

	var facts string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT facts_json FROM chunk_facts WHERE story_id = ? AND chunk_number = 1`,
		storyID).Scan(&facts))
	assert.Equal(t, `{"facts":["a","b"]}`, facts)
}

func TestRecordTestRunGroupScore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	modelID, err := s.UpsertModel(ctx, &Model{Name: "m", Endpoint: "http://x"})
	require.NoError(t, err)

	// 7 of 9 passed: round(7/9*10, 1) = 7.8
	require.NoError(t, s.RecordTestRun(ctx, modelID, "base", 7, 9))

	m, err := s.GetModel(ctx, modelID)
	require.NoError(t, err)
	assert.InDelta(t, 7.8, m.BaseScore, 1e-9)
	assert.InDelta(t, 7.8, m.TotalScore, 1e-9)

	passed, total, err := s.LatestTestRun(ctx, modelID, "base")
	require.NoError(t, err)
	assert.Equal(t, 7, passed)
	assert.Equal(t, 9, total)

	// A newer run replaces the group score.
	require.NoError(t, s.RecordTestRun(ctx, modelID, "base", 9, 9))
	m, err = s.GetModel(ctx, modelID)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, m.BaseScore, 1e-9)
}

func TestRecordTestRunUnknownGroup(t *testing.T) {
	s := newTestStore(t)
	modelID, err := s.UpsertModel(context.Background(), &Model{Name: "m", Endpoint: "http://x"})
	require.NoError(t, err)
	assert.Error(t, s.RecordTestRun(context.Background(), modelID, "writer", 1, 1))
}
