package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Execution statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusPaused     = "paused"
)

// TaskExecution is one run of a step template against an entity.
type TaskExecution struct {
	ID              int64
	TaskType        string
	EntityID        sql.NullInt64
	StepPrompt      string
	InitialContext  string
	CurrentStep     int
	MaxStep         int
	RetryCount      int
	Status          string
	ExecutorAgentID sql.NullInt64
	CheckerAgentID  sql.NullInt64
	Config          string
	CreatedAt       string
	UpdatedAt       string
}

// TaskExecutionStep is the persisted outcome of one step.
type TaskExecutionStep struct {
	ID               int64
	ExecutionID      int64
	StepNumber       int
	StepInstruction  string
	StepOutput       string
	ValidationResult string
	AttemptCount     int
	StartedAt        string
	CompletedAt      string
}

// CreateExecution persists a new pending execution. The partial unique index
// on (entity_id, task_type) rejects a second active execution; the conflict
// is mapped to ErrActiveExecutionExists.
func (s *Store) CreateExecution(ctx context.Context, e *TaskExecution) (int64, error) {
	if e.Status == "" {
		e.Status = StatusPending
	}
	now := nowUTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	var id int64
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		// Explicit pre-check: the partial index treats NULL entity ids as
		// distinct, so executions without an entity need the query guard.
		var existing int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM task_executions
			WHERE task_type = ?
			  AND entity_id IS ?
			  AND status IN (?, ?)
			LIMIT 1`,
			e.TaskType, e.EntityID, StatusPending, StatusInProgress).Scan(&existing)
		if err == nil {
			return fmt.Errorf("execution %d: %w", existing, ErrActiveExecutionExists)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check active executions: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO task_executions (task_type, entity_id, step_prompt, initial_context,
				current_step, max_step, retry_count, status,
				executor_agent_id, checker_agent_id, config, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			e.TaskType, e.EntityID, e.StepPrompt, e.InitialContext,
			e.CurrentStep, e.MaxStep, e.RetryCount, e.Status,
			e.ExecutorAgentID, e.CheckerAgentID, e.Config, e.CreatedAt, e.UpdatedAt,
		).Scan(&id)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrActiveExecutionExists
			}
			return fmt.Errorf("failed to create execution: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const executionColumns = `id, task_type, entity_id, step_prompt, initial_context,
	current_step, max_step, retry_count, status,
	executor_agent_id, checker_agent_id, config, created_at, updated_at`

func scanExecution(row interface{ Scan(...any) error }) (*TaskExecution, error) {
	e := &TaskExecution{}
	err := row.Scan(&e.ID, &e.TaskType, &e.EntityID, &e.StepPrompt, &e.InitialContext,
		&e.CurrentStep, &e.MaxStep, &e.RetryCount, &e.Status,
		&e.ExecutorAgentID, &e.CheckerAgentID, &e.Config, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) GetExecution(ctx context.Context, id int64) (*TaskExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM task_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %d: %w", id, err)
	}
	return e, nil
}

// UpdateExecutionStatus moves the execution to a new status.
func (s *Store) UpdateExecutionStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET status = ?, updated_at = ? WHERE id = ?`,
		status, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update execution %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	return nil
}

// AdvanceExecutionStep records a completed step and the running retry total.
func (s *Store) AdvanceExecutionStep(ctx context.Context, id int64, currentStep, retryCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_executions SET current_step = ?, retry_count = ?, updated_at = ?
		WHERE id = ?`,
		currentStep, retryCount, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("failed to advance execution %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %d: %w", id, ErrNotFound)
	}
	return nil
}

// SaveStep upserts the persisted record for one step of an execution. A
// resumed re-run of the same step number overwrites the prior attempt.
func (s *Store) SaveStep(ctx context.Context, st *TaskExecutionStep) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO task_execution_steps (execution_id, step_number, step_instruction,
			step_output, validation_result, attempt_count, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, step_number) DO UPDATE SET
			step_instruction = excluded.step_instruction,
			step_output = excluded.step_output,
			validation_result = excluded.validation_result,
			attempt_count = excluded.attempt_count,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
		RETURNING id`,
		st.ExecutionID, st.StepNumber, st.StepInstruction,
		st.StepOutput, st.ValidationResult, st.AttemptCount, st.StartedAt, st.CompletedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save step %d of execution %d: %w",
			st.StepNumber, st.ExecutionID, err)
	}
	st.ID = id
	return id, nil
}

// ListSteps returns an execution's steps in order.
func (s *Store) ListSteps(ctx context.Context, executionID int64) ([]*TaskExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, step_number, step_instruction, step_output,
			validation_result, attempt_count, started_at, completed_at
		FROM task_execution_steps
		WHERE execution_id = ?
		ORDER BY step_number`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps for execution %d: %w", executionID, err)
	}
	defer rows.Close()

	var steps []*TaskExecutionStep
	for rows.Next() {
		st := &TaskExecutionStep{}
		if err := rows.Scan(&st.ID, &st.ExecutionID, &st.StepNumber, &st.StepInstruction,
			&st.StepOutput, &st.ValidationResult, &st.AttemptCount,
			&st.StartedAt, &st.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// DeleteExecution removes an execution; steps cascade.
func (s *Store) DeleteExecution(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_executions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete execution %d: %w", id, err)
	}
	return nil
}
