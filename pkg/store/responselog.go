package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Response log verdicts.
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// ResponseLogEntry is one append-only record of an outbound model call.
type ResponseLogEntry struct {
	ID           int64
	ThreadID     string
	AgentName    string
	ModelName    string
	RequestJSON  string
	ResponseJSON string
	Result       sql.NullString
	FailReason   string
	Examined     bool
	TS           string
}

// ResponseLogWriter buffers log rows and writes them in one transaction on
// Flush. Flush assigns each entry's ID in place, so every caller stamps the
// row its own call appended even when the writer is shared across concurrent
// bridges.
type ResponseLogWriter struct {
	store *Store

	mu     sync.Mutex
	buffer []*ResponseLogEntry
}

func (s *Store) NewResponseLogWriter() *ResponseLogWriter {
	return &ResponseLogWriter{store: s}
}

// Append buffers one entry. The entry is not visible until Flush.
func (w *ResponseLogWriter) Append(entry *ResponseLogEntry) {
	if entry.TS == "" {
		entry.TS = nowUTC()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffer = append(w.buffer, entry)
}

// Flush persists all buffered entries in call order, assigning each entry's
// ID so its owner can stamp exactly its own row.
func (w *ResponseLogWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	pending := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	err := w.store.withTx(ctx, func(tx *sql.Tx) error {
		for _, entry := range pending {
			err := tx.QueryRowContext(ctx, `
				INSERT INTO model_response_log (thread_id, agent_name, model_name,
					request_json, response_json, result, fail_reason, examined, ts)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				RETURNING id`,
				entry.ThreadID, entry.AgentName, entry.ModelName,
				entry.RequestJSON, entry.ResponseJSON, entry.Result,
				entry.FailReason, boolToInt(entry.Examined), entry.TS,
			).Scan(&entry.ID)
			if err != nil {
				return fmt.Errorf("failed to append response log: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		// Re-buffer so a transient failure does not lose rows.
		w.mu.Lock()
		w.buffer = append(pending, w.buffer...)
		w.mu.Unlock()
		return err
	}
	return nil
}

// StampResponseLog closes the loop on a response-log row with the validator's
// verdict. The row must already be flushed.
func (s *Store) StampResponseLog(ctx context.Context, id int64, result, failReason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE model_response_log
		SET result = ?, fail_reason = ?, examined = 1
		WHERE id = ?`,
		result, failReason, id)
	if err != nil {
		return fmt.Errorf("failed to stamp response log %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("response log %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetResponseLog loads one log row.
func (s *Store) GetResponseLog(ctx context.Context, id int64) (*ResponseLogEntry, error) {
	entry := &ResponseLogEntry{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, agent_name, model_name, request_json, response_json,
			result, fail_reason, examined, ts
		FROM model_response_log WHERE id = ?`, id).
		Scan(&entry.ID, &entry.ThreadID, &entry.AgentName, &entry.ModelName,
			&entry.RequestJSON, &entry.ResponseJSON, &entry.Result,
			&entry.FailReason, &entry.Examined, &entry.TS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("response log %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load response log %d: %w", id, err)
	}
	return entry, nil
}

// ListResponseLogByThread returns a thread's log rows in append order.
func (s *Store) ListResponseLogByThread(ctx context.Context, threadID string) ([]*ResponseLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, agent_name, model_name, request_json, response_json,
			result, fail_reason, examined, ts
		FROM model_response_log
		WHERE thread_id = ?
		ORDER BY id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list response log for thread '%s': %w", threadID, err)
	}
	defer rows.Close()

	var out []*ResponseLogEntry
	for rows.Next() {
		entry := &ResponseLogEntry{}
		if err := rows.Scan(&entry.ID, &entry.ThreadID, &entry.AgentName, &entry.ModelName,
			&entry.RequestJSON, &entry.ResponseJSON, &entry.Result,
			&entry.FailReason, &entry.Examined, &entry.TS); err != nil {
			return nil, fmt.Errorf("failed to scan response log: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
