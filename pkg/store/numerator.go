package store

import (
	"context"
	"fmt"
)

// NextNumber allocates the next integer for a numerator key. Allocation is
// monotonic and survives restarts; it never depends on row ids.
func (s *Store) NextNumber(ctx context.Context, key string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO numerator_state (key, value)
		VALUES (?, 1)
		ON CONFLICT(key) DO UPDATE SET value = value + 1
		RETURNING value`, key).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate number for key '%s': %w", key, err)
	}
	return value, nil
}
