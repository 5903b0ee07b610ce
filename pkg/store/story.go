package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StoryRecord is the produced artifact. model_id and agent_id record the
// creator and are immutable once set, unless the admin override flag is
// passed.
type StoryRecord struct {
	ID                  int64
	StoryID             sql.NullInt64
	GenerationID        string
	MemoryKey           string
	Timestamp           string
	Prompt              string
	StoryRaw            string
	StoryRevised        string
	StoryTagged         string
	StoryTaggedVersion  int
	FormatterModelID    sql.NullInt64
	FormatterPromptHash string
	Characters          string
	StoryStructure      string
	Summary             string
	Title               string
	CharCount           int
	Eval                string
	Score               float64
	Approved            bool
	StatusID            sql.NullInt64
	Folder              string
	ModelID             sql.NullInt64
	AgentID             sql.NullInt64
	SerieID             sql.NullInt64
	SerieEpisode        sql.NullInt64
	GenTTSJSON          bool
	GenTTS              bool
	GenAmbient          bool
	GenMusic            bool
	GenEffects          bool
	GenMixedAudio       bool
}

// StoryStatus is one stage of the story pipeline. step orders stages; the
// core only moves stories forward.
type StoryStatus struct {
	ID               int64
	Code             string
	Step             int
	Description      string
	OperationType    string
	AgentType        string
	FunctionName     string
	CaptionToExecute string
}

// storyNumeratorKey mints stable story ids independent of row ids.
const storyNumeratorKey = "story_id"

// CreateStory inserts a new story. A stable story_id is minted from the
// numerator unless the caller supplied one, and char_count tracks story_raw.
func (s *Store) CreateStory(ctx context.Context, st *StoryRecord) (int64, error) {
	if !st.StoryID.Valid {
		n, err := s.NextNumber(ctx, storyNumeratorKey)
		if err != nil {
			return 0, err
		}
		st.StoryID = sql.NullInt64{Int64: n, Valid: true}
	}
	if st.Timestamp == "" {
		st.Timestamp = nowUTC()
	}
	st.CharCount = len(st.StoryRaw)

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO stories (story_id, generation_id, memory_key, timestamp, prompt,
			story_raw, story_revised, story_tagged, story_tagged_version,
			formatter_model_id, formatter_prompt_hash, characters, story_structure,
			summary, title, char_count, eval, score, approved, status_id, folder,
			model_id, agent_id, serie_id, serie_episode,
			gen_tts_json, gen_tts, gen_ambient, gen_music, gen_effects, gen_mixed_audio)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		st.StoryID, st.GenerationID, st.MemoryKey, st.Timestamp, st.Prompt,
		st.StoryRaw, st.StoryRevised, st.StoryTagged, st.StoryTaggedVersion,
		st.FormatterModelID, st.FormatterPromptHash, st.Characters, st.StoryStructure,
		st.Summary, st.Title, st.CharCount, st.Eval, st.Score, boolToInt(st.Approved),
		st.StatusID, st.Folder, st.ModelID, st.AgentID, st.SerieID, st.SerieEpisode,
		boolToInt(st.GenTTSJSON), boolToInt(st.GenTTS), boolToInt(st.GenAmbient),
		boolToInt(st.GenMusic), boolToInt(st.GenEffects), boolToInt(st.GenMixedAudio),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create story: %w", err)
	}
	st.ID = id
	return id, nil
}

const storyColumns = `id, story_id, generation_id, memory_key, timestamp, prompt,
	story_raw, story_revised, story_tagged, story_tagged_version,
	formatter_model_id, formatter_prompt_hash, characters, story_structure,
	summary, title, char_count, eval, score, approved, status_id, folder,
	model_id, agent_id, serie_id, serie_episode,
	gen_tts_json, gen_tts, gen_ambient, gen_music, gen_effects, gen_mixed_audio`

func scanStory(row interface{ Scan(...any) error }) (*StoryRecord, error) {
	st := &StoryRecord{}
	err := row.Scan(&st.ID, &st.StoryID, &st.GenerationID, &st.MemoryKey, &st.Timestamp,
		&st.Prompt, &st.StoryRaw, &st.StoryRevised, &st.StoryTagged, &st.StoryTaggedVersion,
		&st.FormatterModelID, &st.FormatterPromptHash, &st.Characters, &st.StoryStructure,
		&st.Summary, &st.Title, &st.CharCount, &st.Eval, &st.Score, &st.Approved,
		&st.StatusID, &st.Folder, &st.ModelID, &st.AgentID, &st.SerieID, &st.SerieEpisode,
		&st.GenTTSJSON, &st.GenTTS, &st.GenAmbient, &st.GenMusic, &st.GenEffects,
		&st.GenMixedAudio)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) GetStory(ctx context.Context, id int64) (*StoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE id = ?`, id)
	st, err := scanStory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("story %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load story %d: %w", id, err)
	}
	return st, nil
}

// UpdateStoryContent replaces the raw text and derived char_count.
func (s *Store) UpdateStoryContent(ctx context.Context, id int64, storyRaw string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stories SET story_raw = ?, char_count = ? WHERE id = ?`,
		storyRaw, len(storyRaw), id)
	if err != nil {
		return fmt.Errorf("failed to update story %d content: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("story %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetStoryCharacters writes the characters JSON produced by a characters step.
func (s *Store) SetStoryCharacters(ctx context.Context, id int64, charactersJSON string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stories SET characters = ? WHERE id = ?`, charactersJSON, id)
	if err != nil {
		return fmt.Errorf("failed to set story %d characters: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("story %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetStoryCreator records the creator model and agent. First writer wins:
// set fields are never overwritten unless adminOverride is true.
func (s *Store) SetStoryCreator(ctx context.Context, id int64, modelID, agentID int64, adminOverride bool) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var curModel, curAgent sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT model_id, agent_id FROM stories WHERE id = ?`, id).
			Scan(&curModel, &curAgent)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("story %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load story %d creators: %w", id, err)
		}

		newModel := curModel
		newAgent := curAgent
		if !curModel.Valid || adminOverride {
			newModel = sql.NullInt64{Int64: modelID, Valid: modelID != 0}
		} else if curModel.Int64 != modelID {
			return fmt.Errorf("story %d model_id: %w", id, ErrImmutableField)
		}
		if !curAgent.Valid || adminOverride {
			newAgent = sql.NullInt64{Int64: agentID, Valid: agentID != 0}
		} else if curAgent.Int64 != agentID {
			return fmt.Errorf("story %d agent_id: %w", id, ErrImmutableField)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE stories SET model_id = ?, agent_id = ? WHERE id = ?`,
			newModel, newAgent, id)
		if err != nil {
			return fmt.Errorf("failed to set story %d creators: %w", id, err)
		}
		return nil
	})
}

// AdvanceStoryStatus moves a story to the named status. Transitions are
// forward-only: a status with a lower step than the current one is ignored.
func (s *Store) AdvanceStoryStatus(ctx context.Context, storyID int64, statusCode string) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var targetID int64
		var targetStep int
		err := tx.QueryRowContext(ctx,
			`SELECT id, step FROM story_statuses WHERE code = ?`, statusCode).
			Scan(&targetID, &targetStep)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("story status '%s': %w", statusCode, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load story status '%s': %w", statusCode, err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE stories SET status_id = ?
			WHERE id = ?
			  AND (status_id IS NULL OR
			       (SELECT step FROM story_statuses WHERE id = stories.status_id) <= ?)`,
			targetID, storyID, targetStep)
		if err != nil {
			return fmt.Errorf("failed to advance story %d status: %w", storyID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			s.log.Debug("story status not advanced", "story", storyID, "status", statusCode)
		}
		return nil
	})
}

// UpsertStoryStatus maintains the status catalog, keyed by code.
func (s *Store) UpsertStoryStatus(ctx context.Context, st *StoryStatus) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO story_statuses (code, step, description, operation_type,
			agent_type, function_name, caption_to_execute)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			step = excluded.step,
			description = excluded.description,
			operation_type = excluded.operation_type,
			agent_type = excluded.agent_type,
			function_name = excluded.function_name,
			caption_to_execute = excluded.caption_to_execute
		RETURNING id`,
		st.Code, st.Step, st.Description, st.OperationType,
		st.AgentType, st.FunctionName, st.CaptionToExecute,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert story status '%s': %w", st.Code, err)
	}
	st.ID = id
	return id, nil
}

// TtsVoice is a voice catalog entry, keyed by its provider voice id.
type TtsVoice struct {
	ID       int64
	VoiceID  string
	Name     string
	Language string
	Gender   string
	Notes    string
}

func (s *Store) UpsertTtsVoice(ctx context.Context, v *TtsVoice) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tts_voices (voice_id, name, language, gender, notes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(voice_id) DO UPDATE SET
			name = excluded.name,
			language = excluded.language,
			gender = excluded.gender,
			notes = excluded.notes
		RETURNING id`,
		v.VoiceID, v.Name, v.Language, v.Gender, v.Notes,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert tts voice '%s': %w", v.VoiceID, err)
	}
	v.ID = id
	return id, nil
}
