package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UsageState is the per-month token and cost accumulator.
type UsageState struct {
	Month           string
	TokensThisRun   int64
	TokensThisMonth int64
	CostThisMonth   float64
}

// MonthKey formats a time as the usage_state natural key.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// AddUsage accumulates tokens and cost into the month's row.
func (s *Store) AddUsage(ctx context.Context, month string, tokens int64, cost float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_state (month, tokens_this_run, tokens_this_month, cost_this_month)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(month) DO UPDATE SET
			tokens_this_run = tokens_this_run + excluded.tokens_this_run,
			tokens_this_month = tokens_this_month + excluded.tokens_this_month,
			cost_this_month = cost_this_month + excluded.cost_this_month`,
		month, tokens, tokens, cost)
	if err != nil {
		return fmt.Errorf("failed to add usage for %s: %w", month, err)
	}
	return nil
}

// ResetRunUsage zeroes the per-run counter at process start.
func (s *Store) ResetRunUsage(ctx context.Context, month string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE usage_state SET tokens_this_run = 0 WHERE month = ?`, month)
	if err != nil {
		return fmt.Errorf("failed to reset run usage for %s: %w", month, err)
	}
	return nil
}

func (s *Store) GetUsage(ctx context.Context, month string) (*UsageState, error) {
	u := &UsageState{}
	err := s.db.QueryRowContext(ctx, `
		SELECT month, tokens_this_run, tokens_this_month, cost_this_month
		FROM usage_state WHERE month = ?`, month).
		Scan(&u.Month, &u.TokensThisRun, &u.TokensThisMonth, &u.CostThisMonth)
	if errors.Is(err, sql.ErrNoRows) {
		return &UsageState{Month: month}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage for %s: %w", month, err)
	}
	return u, nil
}
