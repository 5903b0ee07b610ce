package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Agent is a named executor configuration for one role.
type Agent struct {
	ID                  int64
	Name                string
	Role                string
	ModelID             sql.NullInt64
	Temperature         sql.NullFloat64
	TopP                sql.NullFloat64
	RepeatPenalty       sql.NullFloat64
	TopK                sql.NullInt64
	RepeatLastN         sql.NullInt64
	NumPredict          sql.NullInt64
	Prompt              string
	Instructions        string
	Skills              string
	MultiStepTemplateID sql.NullInt64
	VoiceID             string
	IsActive            bool
	Notes               string
}

const agentColumns = `id, name, role, model_id, temperature, top_p, repeat_penalty,
	top_k, repeat_last_n, num_predict, prompt, instructions, skills,
	multi_step_template_id, voice_id, is_active, notes`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	a := &Agent{}
	err := row.Scan(&a.ID, &a.Name, &a.Role, &a.ModelID, &a.Temperature, &a.TopP,
		&a.RepeatPenalty, &a.TopK, &a.RepeatLastN, &a.NumPredict,
		&a.Prompt, &a.Instructions, &a.Skills,
		&a.MultiStepTemplateID, &a.VoiceID, &a.IsActive, &a.Notes)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// UpsertAgent inserts or updates an agent by its unique name.
func (s *Store) UpsertAgent(ctx context.Context, a *Agent) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO agents (name, role, model_id, temperature, top_p, repeat_penalty,
			top_k, repeat_last_n, num_predict, prompt, instructions, skills,
			multi_step_template_id, voice_id, is_active, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			role = excluded.role,
			model_id = excluded.model_id,
			temperature = excluded.temperature,
			top_p = excluded.top_p,
			repeat_penalty = excluded.repeat_penalty,
			top_k = excluded.top_k,
			repeat_last_n = excluded.repeat_last_n,
			num_predict = excluded.num_predict,
			prompt = excluded.prompt,
			instructions = excluded.instructions,
			skills = excluded.skills,
			multi_step_template_id = excluded.multi_step_template_id,
			voice_id = excluded.voice_id,
			is_active = excluded.is_active,
			notes = excluded.notes
		RETURNING id`,
		a.Name, a.Role, a.ModelID, a.Temperature, a.TopP, a.RepeatPenalty,
		a.TopK, a.RepeatLastN, a.NumPredict, a.Prompt, a.Instructions, a.Skills,
		a.MultiStepTemplateID, a.VoiceID, boolToInt(a.IsActive), a.Notes,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert agent '%s': %w", a.Name, err)
	}
	s.agentCache.Drop(a.Name)
	a.ID = id
	return id, nil
}

func (s *Store) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %d: %w", id, err)
	}
	return a, nil
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	if cached, ok := s.agentCache.Get(name); ok {
		return cached, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent '%s': %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent '%s': %w", name, err)
	}
	s.agentCache.Put(name, a)
	return a, nil
}

// ResolveAgentByRole returns the default executor for a role: active agents
// win, ties broken by lowest id.
func (s *Store) ResolveAgentByRole(ctx context.Context, role string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE role = ?
		ORDER BY is_active DESC, id ASC
		LIMIT 1`, role)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no agent for role '%s': %w", role, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agent for role '%s': %w", role, err)
	}
	return a, nil
}
