package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateStoryMintsStableID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st1 := &StoryRecord{Prompt: "a tale", StoryRaw: "once upon a time"}
	_, err := s.CreateStory(ctx, st1)
	require.NoError(t, err)
	require.True(t, st1.StoryID.Valid)
	assert.Equal(t, int64(1), st1.StoryID.Int64)
	assert.Equal(t, len("once upon a time"), st1.CharCount)

	st2 := &StoryRecord{Prompt: "another"}
	_, err = s.CreateStory(ctx, st2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st2.StoryID.Int64)
}

func TestUpdateStoryContentTracksCharCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := &StoryRecord{StoryRaw: "short"}
	id, err := s.CreateStory(ctx, st)
	require.NoError(t, err)

	require.NoError(t, s.UpdateStoryContent(ctx, id, "a much longer body of text"))
	loaded, err := s.GetStory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a much longer body of text", loaded.StoryRaw)
	assert.Equal(t, len("a much longer body of text"), loaded.CharCount)
}

func TestSetStoryCreatorFirstWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1, err := s.UpsertModel(ctx, &Model{Name: "m1", Endpoint: "http://x"})
	require.NoError(t, err)
	m2, err := s.UpsertModel(ctx, &Model{Name: "m2", Endpoint: "http://y"})
	require.NoError(t, err)
	a1, err := s.UpsertAgent(ctx, &Agent{Name: "a1", Role: "writer"})
	require.NoError(t, err)

	id, err := s.CreateStory(ctx, &StoryRecord{StoryRaw: "text"})
	require.NoError(t, err)

	require.NoError(t, s.SetStoryCreator(ctx, id, m1, a1, false))

	// Same values are fine; different ones are rejected.
	require.NoError(t, s.SetStoryCreator(ctx, id, m1, a1, false))
	err = s.SetStoryCreator(ctx, id, m2, a1, false)
	assert.ErrorIs(t, err, ErrImmutableField)

	// Admin override may rewrite.
	require.NoError(t, s.SetStoryCreator(ctx, id, m2, a1, true))
	loaded, err := s.GetStory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, m2, loaded.ModelID.Int64)
}

func seedStatuses(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	for i, code := range []string{"draft", "evaluated", "approved"} {
		_, err := s.UpsertStoryStatus(ctx, &StoryStatus{Code: code, Step: (i + 1) * 10})
		require.NoError(t, err)
	}
}

func TestAdvanceStoryStatusForwardOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedStatuses(t, s)

	id, err := s.CreateStory(ctx, &StoryRecord{StoryRaw: "text"})
	require.NoError(t, err)

	require.NoError(t, s.AdvanceStoryStatus(ctx, id, "evaluated"))
	evaluated, err := s.GetStory(ctx, id)
	require.NoError(t, err)
	require.True(t, evaluated.StatusID.Valid)

	// A backward transition is silently ignored.
	require.NoError(t, s.AdvanceStoryStatus(ctx, id, "draft"))
	still, err := s.GetStory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, evaluated.StatusID.Int64, still.StatusID.Int64)

	// Forward keeps working.
	require.NoError(t, s.AdvanceStoryStatus(ctx, id, "approved"))
	approved, err := s.GetStory(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, evaluated.StatusID.Int64, approved.StatusID.Int64)
}

func TestAdvanceStoryStatusUnknownCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateStory(ctx, &StoryRecord{StoryRaw: "text"})
	require.NoError(t, err)
	assert.ErrorIs(t, s.AdvanceStoryStatus(ctx, id, "nope"), ErrNotFound)
}

func TestUpsertTtsVoiceIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v := &TtsVoice{VoiceID: "v-123", Name: "Nora", Language: "it"}
	id1, err := s.UpsertTtsVoice(ctx, v)
	require.NoError(t, err)

	v.Name = "Nora v2"
	id2, err := s.UpsertTtsVoice(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}
