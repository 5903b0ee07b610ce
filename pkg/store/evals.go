package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
)

// StatusEvaluated is the canonical status code a story advances to once it
// has at least two distinct evaluations.
const StatusEvaluated = "evaluated"

// StoryEvaluation is one evaluator's per-category scoring of a story.
type StoryEvaluation struct {
	ID                        int64
	StoryID                   int64
	ModelID                   sql.NullInt64
	AgentID                   sql.NullInt64
	NarrativeCoherence        int
	NarrativeCoherenceDefects string
	Originality               int
	OriginalityDefects        string
	EmotionalImpact           int
	EmotionalImpactDefects    string
	Action                    int
	ActionDefects             string
	TotalScore                float64
	RawJSON                   string
	TS                        string
}

// GlobalCoherence is the per-story aggregate of the chunked coherence pass.
type GlobalCoherence struct {
	StoryID              int64
	GlobalCoherenceValue float64
	ChunkCount           int
	Notes                string
	TS                   string
}

// InsertEvaluation inserts an evaluation unless an identical
// (story_id, agent_id, raw_json) row exists, in which case the existing id is
// returned. The creator model's writer_score is recomputed in the same
// transaction; the story advances to the evaluated status once two distinct
// evaluations exist.
func (s *Store) InsertEvaluation(ctx context.Context, ev *StoryEvaluation) (int64, bool, error) {
	if ev.TS == "" {
		ev.TS = nowUTC()
	}

	var id int64
	inserted := false
	var evalCount int

	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM story_evaluations
			WHERE story_id = ? AND agent_id IS ? AND raw_json = ?
			LIMIT 1`,
			ev.StoryID, ev.AgentID, ev.RawJSON).Scan(&id)
		if err == nil {
			return nil // duplicate, keep existing row
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check evaluation dedupe: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO story_evaluations (story_id, model_id, agent_id,
				narrative_coherence, narrative_coherence_defects,
				originality, originality_defects,
				emotional_impact, emotional_impact_defects,
				action, action_defects,
				total_score, raw_json, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			ev.StoryID, ev.ModelID, ev.AgentID,
			ev.NarrativeCoherence, ev.NarrativeCoherenceDefects,
			ev.Originality, ev.OriginalityDefects,
			ev.EmotionalImpact, ev.EmotionalImpactDefects,
			ev.Action, ev.ActionDefects,
			ev.TotalScore, ev.RawJSON, ev.TS,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to insert evaluation: %w", err)
		}
		inserted = true

		var creatorModel sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT model_id FROM stories WHERE id = ?`, ev.StoryID).Scan(&creatorModel)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("story %d: %w", ev.StoryID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load story %d creator: %w", ev.StoryID, err)
		}
		if creatorModel.Valid {
			if err := recomputeWriterScore(ctx, tx, creatorModel.Int64); err != nil {
				return err
			}
		}

		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM story_evaluations WHERE story_id = ?`, ev.StoryID).
			Scan(&evalCount)
		if err != nil {
			return fmt.Errorf("failed to count evaluations: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	if inserted && evalCount >= 2 {
		if err := s.AdvanceStoryStatus(ctx, ev.StoryID, StatusEvaluated); err != nil &&
			!errors.Is(err, ErrNotFound) {
			return id, inserted, err
		}
	}

	ev.ID = id
	return id, inserted, nil
}

// recomputeWriterScore derives writer_score from every evaluation of every
// story the model produced: sum(total_score) * 10 / (count * 100).
func recomputeWriterScore(ctx context.Context, tx *sql.Tx, modelID int64) error {
	var sum float64
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(e.total_score), 0), COUNT(*)
		FROM story_evaluations e
		JOIN stories s ON s.id = e.story_id
		WHERE s.model_id = ?`, modelID).Scan(&sum, &count)
	if err != nil {
		return fmt.Errorf("failed to aggregate evaluations for model %d: %w", modelID, err)
	}

	score := 0.0
	if count > 0 {
		score = sum * 10 / (float64(count) * 100)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE models SET writer_score = ? WHERE id = ?`, score, modelID)
	if err != nil {
		return fmt.Errorf("failed to update writer_score for model %d: %w", modelID, err)
	}
	return recomputeTotalScore(ctx, tx, modelID)
}

// ListEvaluations returns a story's evaluations in insert order.
func (s *Store) ListEvaluations(ctx context.Context, storyID int64) ([]*StoryEvaluation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, story_id, model_id, agent_id,
			narrative_coherence, narrative_coherence_defects,
			originality, originality_defects,
			emotional_impact, emotional_impact_defects,
			action, action_defects,
			total_score, raw_json, ts
		FROM story_evaluations
		WHERE story_id = ?
		ORDER BY id`, storyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations for story %d: %w", storyID, err)
	}
	defer rows.Close()

	var out []*StoryEvaluation
	for rows.Next() {
		ev := &StoryEvaluation{}
		if err := rows.Scan(&ev.ID, &ev.StoryID, &ev.ModelID, &ev.AgentID,
			&ev.NarrativeCoherence, &ev.NarrativeCoherenceDefects,
			&ev.Originality, &ev.OriginalityDefects,
			&ev.EmotionalImpact, &ev.EmotionalImpactDefects,
			&ev.Action, &ev.ActionDefects,
			&ev.TotalScore, &ev.RawJSON, &ev.TS); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpsertGlobalCoherence writes the single coherence aggregate for a story.
func (s *Store) UpsertGlobalCoherence(ctx context.Context, gc *GlobalCoherence) error {
	if gc.TS == "" {
		gc.TS = nowUTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO global_coherence (story_id, global_coherence_value, chunk_count, notes, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(story_id) DO UPDATE SET
			global_coherence_value = excluded.global_coherence_value,
			chunk_count = excluded.chunk_count,
			notes = excluded.notes,
			ts = excluded.ts`,
		gc.StoryID, gc.GlobalCoherenceValue, gc.ChunkCount, gc.Notes, gc.TS)
	if err != nil {
		return fmt.Errorf("failed to upsert global coherence for story %d: %w", gc.StoryID, err)
	}
	return nil
}

func (s *Store) GetGlobalCoherence(ctx context.Context, storyID int64) (*GlobalCoherence, error) {
	gc := &GlobalCoherence{}
	err := s.db.QueryRowContext(ctx, `
		SELECT story_id, global_coherence_value, chunk_count, notes, ts
		FROM global_coherence WHERE story_id = ?`, storyID).
		Scan(&gc.StoryID, &gc.GlobalCoherenceValue, &gc.ChunkCount, &gc.Notes, &gc.TS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("global coherence for story %d: %w", storyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load global coherence for story %d: %w", storyID, err)
	}
	return gc, nil
}

// UpsertChunkFacts stores the extracted facts for one chunk of a story.
func (s *Store) UpsertChunkFacts(ctx context.Context, storyID int64, chunkNumber int, factsJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunk_facts (story_id, chunk_number, facts_json)
		VALUES (?, ?, ?)
		ON CONFLICT(story_id, chunk_number) DO UPDATE SET
			facts_json = excluded.facts_json`,
		storyID, chunkNumber, factsJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk facts (%d, %d): %w", storyID, chunkNumber, err)
	}
	return nil
}

// RecordTestRun stores one test-group run for a model and recomputes the
// group's category score from it: round(passed/total * 10, 1).
func (s *Store) RecordTestRun(ctx context.Context, modelID int64, group string, passed, total int) error {
	column, ok := map[string]string{
		"base":     "base_score",
		"texteval": "texteval_score",
		"tts":      "tts_score",
		"music":    "music_score",
		"fx":       "fx_score",
		"ambient":  "ambient_score",
	}[group]
	if !ok {
		return fmt.Errorf("unknown test group '%s'", group)
	}
	if total <= 0 {
		return fmt.Errorf("test run total must be positive")
	}

	score := math.Round(float64(passed)/float64(total)*10*10) / 10

	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO model_test_runs (model_id, test_group, passed, total, ts)
			VALUES (?, ?, ?, ?, ?)`,
			modelID, group, passed, total, nowUTC())
		if err != nil {
			return fmt.Errorf("failed to record test run: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE models SET `+column+` = ? WHERE id = ?`, score, modelID)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", column, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("model %d: %w", modelID, ErrNotFound)
		}
		return recomputeTotalScore(ctx, tx, modelID)
	})
}

// LatestTestRun returns the most recent run for a model and group.
func (s *Store) LatestTestRun(ctx context.Context, modelID int64, group string) (passed, total int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT passed, total FROM model_test_runs
		WHERE model_id = ? AND test_group = ?
		ORDER BY id DESC LIMIT 1`, modelID, group).Scan(&passed, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("no test run for model %d group '%s': %w", modelID, group, ErrNotFound)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load test run: %w", err)
	}
	return passed, total, nil
}
