package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Model is one row of the model catalog.
type Model struct {
	ID                   int64
	Name                 string
	Provider             string
	Endpoint             string
	IsLocal              bool
	MaxContext           int
	ContextToUse         int
	InputCost            float64
	OutputCost           float64
	DailyTokenLimit      int64
	WeeklyTokenLimit     int64
	MonthlyTokenLimit    int64
	Enabled              bool
	NoTools              bool
	Note                 string
	Metadata             string
	FunctionCallingScore float64
	WriterScore          float64
	BaseScore            float64
	TextevalScore        float64
	TTSScore             float64
	MusicScore           float64
	FXScore              float64
	AmbientScore         float64
	TotalScore           float64
}

// RoleModel is one entry of a role's ranked fallback list.
type RoleModel struct {
	Role         string
	ModelID      int64
	ModelName    string
	Priority     int
	SuccessCount int
	FailureCount int
}

const modelColumns = `id, name, provider, endpoint, is_local, max_context, context_to_use,
	input_cost, output_cost, daily_token_limit, weekly_token_limit, monthly_token_limit,
	enabled, no_tools, note, metadata, function_calling_score, writer_score,
	base_score, texteval_score, tts_score, music_score, fx_score, ambient_score, total_score`

func scanModel(row interface{ Scan(...any) error }) (*Model, error) {
	m := &Model{}
	err := row.Scan(&m.ID, &m.Name, &m.Provider, &m.Endpoint, &m.IsLocal,
		&m.MaxContext, &m.ContextToUse, &m.InputCost, &m.OutputCost,
		&m.DailyTokenLimit, &m.WeeklyTokenLimit, &m.MonthlyTokenLimit,
		&m.Enabled, &m.NoTools, &m.Note, &m.Metadata,
		&m.FunctionCallingScore, &m.WriterScore,
		&m.BaseScore, &m.TextevalScore, &m.TTSScore, &m.MusicScore,
		&m.FXScore, &m.AmbientScore, &m.TotalScore)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpsertModel inserts or updates a model by its unique name and returns the
// row id. total_score is recomputed in the same transaction.
func (s *Store) UpsertModel(ctx context.Context, m *Model) (int64, error) {
	var id int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO models (name, provider, endpoint, is_local, max_context, context_to_use,
				input_cost, output_cost, daily_token_limit, weekly_token_limit, monthly_token_limit,
				enabled, no_tools, note, metadata, function_calling_score, writer_score,
				base_score, texteval_score, tts_score, music_score, fx_score, ambient_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				provider = excluded.provider,
				endpoint = excluded.endpoint,
				is_local = excluded.is_local,
				max_context = excluded.max_context,
				context_to_use = excluded.context_to_use,
				input_cost = excluded.input_cost,
				output_cost = excluded.output_cost,
				daily_token_limit = excluded.daily_token_limit,
				weekly_token_limit = excluded.weekly_token_limit,
				monthly_token_limit = excluded.monthly_token_limit,
				enabled = excluded.enabled,
				no_tools = excluded.no_tools,
				note = excluded.note,
				metadata = excluded.metadata,
				function_calling_score = excluded.function_calling_score,
				writer_score = excluded.writer_score,
				base_score = excluded.base_score,
				texteval_score = excluded.texteval_score,
				tts_score = excluded.tts_score,
				music_score = excluded.music_score,
				fx_score = excluded.fx_score,
				ambient_score = excluded.ambient_score
			RETURNING id`,
			m.Name, m.Provider, m.Endpoint, boolToInt(m.IsLocal), m.MaxContext, m.ContextToUse,
			m.InputCost, m.OutputCost, m.DailyTokenLimit, m.WeeklyTokenLimit, m.MonthlyTokenLimit,
			boolToInt(m.Enabled), boolToInt(m.NoTools), m.Note, m.Metadata,
			m.FunctionCallingScore, m.WriterScore,
			m.BaseScore, m.TextevalScore, m.TTSScore, m.MusicScore, m.FXScore, m.AmbientScore,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to upsert model '%s': %w", m.Name, err)
		}
		return recomputeTotalScore(ctx, tx, id)
	})
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

func (s *Store) GetModel(ctx context.Context, id int64) (*Model, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE id = ?`, id)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model %d: %w", id, err)
	}
	return m, nil
}

func (s *Store) GetModelByName(ctx context.Context, name string) (*Model, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE name = ?`, name)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model '%s': %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model '%s': %w", name, err)
	}
	return m, nil
}

func (s *Store) ListModels(ctx context.Context) ([]*Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+modelColumns+` FROM models ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var models []*Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// SetCategoryScore updates one of the per-category score columns and
// recomputes total_score in the same transaction. Valid categories mirror
// the test groups plus writer and function_calling.
func (s *Store) SetCategoryScore(ctx context.Context, modelID int64, category string, score float64) error {
	column, ok := map[string]string{
		"writer":           "writer_score",
		"function_calling": "function_calling_score",
		"base":             "base_score",
		"texteval":         "texteval_score",
		"tts":              "tts_score",
		"music":            "music_score",
		"fx":               "fx_score",
		"ambient":          "ambient_score",
	}[category]
	if !ok {
		return fmt.Errorf("unknown score category '%s'", category)
	}

	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE models SET `+column+` = ? WHERE id = ?`, score, modelID)
		if err != nil {
			return fmt.Errorf("failed to set %s: %w", column, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("model %d: %w", modelID, ErrNotFound)
		}
		return recomputeTotalScore(ctx, tx, modelID)
	})
}

// recomputeTotalScore keeps total_score a pure function of the seven
// category columns. Runs inside the caller's transaction.
func recomputeTotalScore(ctx context.Context, tx *sql.Tx, modelID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE models SET total_score =
			writer_score + base_score + texteval_score + tts_score +
			music_score + fx_score + ambient_score
		WHERE id = ?`, modelID)
	if err != nil {
		return fmt.Errorf("failed to recompute total_score for model %d: %w", modelID, err)
	}
	return nil
}

// UpsertRoleModel adds or repositions a model in a role's ranked list.
func (s *Store) UpsertRoleModel(ctx context.Context, role string, modelID int64, priority int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_roles (role, model_id, priority)
		VALUES (?, ?, ?)
		ON CONFLICT(role, model_id) DO UPDATE SET priority = excluded.priority`,
		role, modelID, priority)
	if err != nil {
		return fmt.Errorf("failed to upsert role model (%s, %d): %w", role, modelID, err)
	}
	return nil
}

// ListRoleModels returns the ranked fallback list for a role, best first.
func (s *Store) ListRoleModels(ctx context.Context, role string) ([]*RoleModel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mr.role, mr.model_id, m.name, mr.priority, mr.success_count, mr.failure_count
		FROM model_roles mr
		JOIN models m ON m.id = mr.model_id
		WHERE mr.role = ?
		ORDER BY mr.priority ASC, mr.model_id ASC`, role)
	if err != nil {
		return nil, fmt.Errorf("failed to list role models for '%s': %w", role, err)
	}
	defer rows.Close()

	var out []*RoleModel
	for rows.Next() {
		rm := &RoleModel{}
		if err := rows.Scan(&rm.Role, &rm.ModelID, &rm.ModelName, &rm.Priority,
			&rm.SuccessCount, &rm.FailureCount); err != nil {
			return nil, fmt.Errorf("failed to scan role model: %w", err)
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

// RecordRoleOutcome increments the success or failure counter for a model
// under a role. Missing rows are created so accounting never drops.
func (s *Store) RecordRoleOutcome(ctx context.Context, role string, modelID int64, success bool) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_roles (role, model_id, priority, `+column+`)
		VALUES (?, ?, 1000, 1)
		ON CONFLICT(role, model_id) DO UPDATE SET `+column+` = `+column+` + 1`,
		role, modelID)
	if err != nil {
		return fmt.Errorf("failed to record role outcome (%s, %d): %w", role, modelID, err)
	}
	return nil
}
