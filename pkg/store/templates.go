package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// StepTemplate is a declarative multi-step task template. step_prompt holds
// the numbered instructions, one per line, indexed from 1.
type StepTemplate struct {
	ID              int64
	Name            string
	TaskType        string
	StepPrompt      string
	Instructions    string
	CharactersStep  int
	EvaluationSteps string
	TramaSteps      string
	MinCharsTrama   int
	MinCharsStory   int
	FullStoryStep   int
}

// TaskType describes how one class of executions runs and merges output.
type TaskType struct {
	ID                  int64
	Code                string
	DefaultExecutorRole string
	DefaultCheckerRole  string
	OutputMergeStrategy string
	ValidationCriteria  string
}

func (s *Store) UpsertStepTemplate(ctx context.Context, t *StepTemplate) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO step_templates (name, task_type, step_prompt, instructions,
			characters_step, evaluation_steps, trama_steps,
			min_chars_trama, min_chars_story, full_story_step)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			task_type = excluded.task_type,
			step_prompt = excluded.step_prompt,
			instructions = excluded.instructions,
			characters_step = excluded.characters_step,
			evaluation_steps = excluded.evaluation_steps,
			trama_steps = excluded.trama_steps,
			min_chars_trama = excluded.min_chars_trama,
			min_chars_story = excluded.min_chars_story,
			full_story_step = excluded.full_story_step
		RETURNING id`,
		t.Name, t.TaskType, t.StepPrompt, t.Instructions,
		t.CharactersStep, t.EvaluationSteps, t.TramaSteps,
		t.MinCharsTrama, t.MinCharsStory, t.FullStoryStep,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert step template '%s': %w", t.Name, err)
	}
	s.templateCache.Drop(t.Name)
	t.ID = id
	return id, nil
}

func scanStepTemplate(row interface{ Scan(...any) error }) (*StepTemplate, error) {
	t := &StepTemplate{}
	err := row.Scan(&t.ID, &t.Name, &t.TaskType, &t.StepPrompt, &t.Instructions,
		&t.CharactersStep, &t.EvaluationSteps, &t.TramaSteps,
		&t.MinCharsTrama, &t.MinCharsStory, &t.FullStoryStep)
	if err != nil {
		return nil, err
	}
	return t, nil
}

const stepTemplateColumns = `id, name, task_type, step_prompt, instructions,
	characters_step, evaluation_steps, trama_steps,
	min_chars_trama, min_chars_story, full_story_step`

func (s *Store) GetStepTemplate(ctx context.Context, id int64) (*StepTemplate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepTemplateColumns+` FROM step_templates WHERE id = ?`, id)
	t, err := scanStepTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step template %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load step template %d: %w", id, err)
	}
	return t, nil
}

func (s *Store) GetStepTemplateByName(ctx context.Context, name string) (*StepTemplate, error) {
	if cached, ok := s.templateCache.Get(name); ok {
		return cached, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepTemplateColumns+` FROM step_templates WHERE name = ?`, name)
	t, err := scanStepTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step template '%s': %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load step template '%s': %w", name, err)
	}
	s.templateCache.Put(name, t)
	return t, nil
}

func (s *Store) UpsertTaskType(ctx context.Context, t *TaskType) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO task_types (code, default_executor_role, default_checker_role,
			output_merge_strategy, validation_criteria)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			default_executor_role = excluded.default_executor_role,
			default_checker_role = excluded.default_checker_role,
			output_merge_strategy = excluded.output_merge_strategy,
			validation_criteria = excluded.validation_criteria
		RETURNING id`,
		t.Code, t.DefaultExecutorRole, t.DefaultCheckerRole,
		t.OutputMergeStrategy, t.ValidationCriteria,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert task type '%s': %w", t.Code, err)
	}
	s.taskTypeCache.Drop(t.Code)
	t.ID = id
	return id, nil
}

func (s *Store) GetTaskType(ctx context.Context, code string) (*TaskType, error) {
	if cached, ok := s.taskTypeCache.Get(code); ok {
		return cached, nil
	}
	t := &TaskType{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, default_executor_role, default_checker_role,
			output_merge_strategy, validation_criteria
		FROM task_types WHERE code = ?`, code).
		Scan(&t.ID, &t.Code, &t.DefaultExecutorRole, &t.DefaultCheckerRole,
			&t.OutputMergeStrategy, &t.ValidationCriteria)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task type '%s': %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task type '%s': %w", code, err)
	}
	s.taskTypeCache.Put(code, t)
	return t, nil
}
