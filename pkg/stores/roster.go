package stores

import (
	"context"
	"fmt"
	"time"
)

// Roster roles used by the daemons.
const (
	RoleScheduler = "scheduler"
	RoleMonitor   = "monitor"
)

// WorkerRoster is a partition.Roster backed by the workers table. Each role
// keeps its own roster so schedulers and monitors partition independently.
type WorkerRoster struct {
	store *SQLiteStore
	role  string
}

// Roster returns the worker roster for role.
func (s *SQLiteStore) Roster(role string) *WorkerRoster {
	return &WorkerRoster{store: s, role: role}
}

// Heartbeat records that worker is alive.
func (r *WorkerRoster) Heartbeat(ctx context.Context, worker string, at time.Time) error {
	query := `
		INSERT INTO workers (role, id, started_at, heartbeat_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (role, id) DO UPDATE SET heartbeat_at = excluded.heartbeat_at
	`

	ms := toMillis(at)
	if _, err := r.store.db.ExecContext(ctx, query, r.role, worker, ms, ms); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// Live returns the workers that heartbeated at or after since and prunes the rest.
func (r *WorkerRoster) Live(ctx context.Context, since time.Time) ([]string, error) {
	cutoff := toMillis(since)

	if _, err := r.store.db.ExecContext(ctx,
		`DELETE FROM workers WHERE role = ? AND heartbeat_at < ?`, r.role, cutoff); err != nil {
		return nil, fmt.Errorf("failed to prune roster: %w", err)
	}

	rows, err := r.store.db.QueryContext(ctx,
		`SELECT id FROM workers WHERE role = ? AND heartbeat_at >= ? ORDER BY id`, r.role, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list roster: %w", err)
	}
	defer rows.Close()

	workers := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}
	return workers, nil
}

// Leave removes worker from the roster.
func (r *WorkerRoster) Leave(ctx context.Context, worker string) error {
	if _, err := r.store.db.ExecContext(ctx,
		`DELETE FROM workers WHERE role = ? AND id = ?`, r.role, worker); err != nil {
		return fmt.Errorf("failed to leave roster: %w", err)
	}
	return nil
}
