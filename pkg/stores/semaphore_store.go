package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keelplane/keel/pkg/engine"
)

// IncrementSemaphore adds one to a task's semaphore. Concurrent increments
// are serialized by the upsert and never lost.
func (s *SQLiteStore) IncrementSemaphore(ctx context.Context, taskID uuid.UUID, name string) error {
	return incrementSemaphore(ctx, s.db, taskID, name)
}

// SemaphoreCount returns the current count of a semaphore, zero if never raised.
func (s *SQLiteStore) SemaphoreCount(ctx context.Context, taskID uuid.UUID, name string) (int, error) {
	query := `SELECT count FROM semaphores WHERE task_id = ? AND name = ?`

	var count int
	err := s.db.QueryRowContext(ctx, query, taskID.String(), name).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read semaphore: %w", err)
	}
	return count, nil
}

// ListSemaphores returns the pending semaphores of a task keyed by name.
func (s *SQLiteStore) ListSemaphores(ctx context.Context, taskID uuid.UUID) (map[string]int, error) {
	query := `SELECT name, count FROM semaphores WHERE task_id = ? AND count > 0 ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, taskID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list semaphores: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			name  string
			count int
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("failed to scan semaphore: %w", err)
		}
		out[name] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating semaphores: %w", err)
	}
	return out, nil
}

func incrementSemaphore(ctx context.Context, q querier, taskID uuid.UUID, name string) error {
	query := `
		INSERT INTO semaphores (task_id, name, count, updated_at)
		SELECT ?, ?, 1, ?
		WHERE EXISTS (SELECT 1 FROM tasks WHERE id = ?)
		ON CONFLICT (task_id, name) DO UPDATE
		SET count = count + 1, updated_at = excluded.updated_at
	`

	id := taskID.String()
	result, err := q.ExecContext(ctx, query, id, name, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to increment semaphore: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", engine.ErrTaskNotFound, taskID)
	}
	return nil
}
