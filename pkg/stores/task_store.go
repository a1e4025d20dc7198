package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/keelplane/keel/pkg/engine"
)

const taskColumns = `id, program, step, stack, parent_id, ready_at, lease_owner, lease_expires_at,
	exit_value, exited_at, deadline_at, deadline_target, attempts, last_error, fault, created_at, updated_at`

// CreateTask inserts a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *engine.Task) error {
	return createTask(ctx, s.db, task)
}

// GetTask retrieves a task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id uuid.UUID) (*engine.Task, error) {
	return getTask(ctx, s.db, id)
}

// ListChildren returns the children of a task, oldest first.
func (s *SQLiteStore) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*engine.Task, error) {
	return listChildren(ctx, s.db, parentID)
}

// ClaimTasks leases up to req.Limit ready tasks to req.Owner in a single
// conditional UPDATE. A task is claimable when it has not exited, is not
// faulted, is due, and carries no live lease. The outer lease predicate
// re-checks the lease so two workers racing on the same row cannot both win.
func (s *SQLiteStore) ClaimTasks(ctx context.Context, req engine.ClaimRequest) ([]*engine.Task, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	now := toMillis(req.Now)
	low, high := "", ""
	if req.Partition != nil {
		low, high = req.Partition.Bounds()
	}
	staleBefore := int64(math.MinInt64)
	if req.StaleAfter > 0 {
		staleBefore = toMillis(req.Now.Add(-req.StaleAfter))
	}

	query := `
		UPDATE tasks
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id IN (
			SELECT id FROM tasks
			WHERE exited_at IS NULL
			  AND fault IS NULL
			  AND ready_at <= ?
			  AND (lease_expires_at IS NULL OR lease_expires_at < ?)
			  AND ((id >= ? AND (? = '' OR id < ?)) OR ready_at < ?)
			ORDER BY ready_at
			LIMIT ?
		)
		AND (lease_expires_at IS NULL OR lease_expires_at < ?)
		RETURNING ` + taskColumns

	rows, err := s.db.QueryContext(ctx, query,
		req.Owner, toMillis(req.Now.Add(req.LeaseFor)),
		now,
		now,
		low, high, high, staleBefore,
		req.Limit,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ReadyAt.Before(tasks[j].ReadyAt) })
	return tasks, nil
}

// ReleaseTask clears the lease if owner still holds it.
func (s *SQLiteStore) ReleaseTask(ctx context.Context, id uuid.UUID, owner string) error {
	query := `
		UPDATE tasks
		SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_owner = ?
	`

	if _, err := s.db.ExecContext(ctx, query, id.String(), owner); err != nil {
		return fmt.Errorf("failed to release task: %w", err)
	}
	return nil
}

// RecordFailure bumps the attempt counter, records the error and releases the lease.
func (s *SQLiteStore) RecordFailure(ctx context.Context, id uuid.UUID, owner string, message string, fault bool) error {
	query := `
		UPDATE tasks
		SET attempts = attempts + 1,
		    last_error = ?,
		    fault = CASE WHEN ? THEN ? ELSE fault END,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    updated_at = ?
		WHERE id = ? AND lease_owner = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		message, fault, message, toMillis(time.Now()), id.String(), owner)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.ErrLeaseLost
	}
	return nil
}

// ClearFault un-parks a faulted task and resets its attempt counter.
func (s *SQLiteStore) ClearFault(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE tasks SET fault = NULL, attempts = 0, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, toMillis(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("failed to clear fault: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", engine.ErrTaskNotFound, id)
	}
	return nil
}

// ListTasks returns tasks matching filter, oldest readyAt first.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*engine.Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var program *string
	if filter.Program != "" {
		program = &filter.Program
	}

	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE (? IS NULL OR program = ?)
		  AND (? = 0 OR exited_at IS NULL)
		  AND (? = 0 OR fault IS NOT NULL)
		ORDER BY ready_at
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		program, program,
		filter.ActiveOnly, filter.FaultedOnly,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// TaskStats counts tasks by lifecycle state.
func (s *SQLiteStore) TaskStats(ctx context.Context, now time.Time) (*TaskStats, error) {
	n := toMillis(now)
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN exited_at IS NULL AND fault IS NULL AND ready_at <= ?
				AND (lease_expires_at IS NULL OR lease_expires_at < ?) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN exited_at IS NULL AND fault IS NULL AND ready_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN exited_at IS NULL AND lease_expires_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN exited_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN exited_at IS NULL AND fault IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM tasks
	`

	stats := &TaskStats{}
	err := s.db.QueryRowContext(ctx, query, n, n, n, n).Scan(
		&stats.Total,
		&stats.Ready,
		&stats.Napping,
		&stats.Claimed,
		&stats.Exited,
		&stats.Faulted,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute task stats: %w", err)
	}
	return stats, nil
}

// sqlTx is the engine.Tx view of an open transaction.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) SQL() *sql.Tx { return t.tx }

func (t *sqlTx) CreateTask(ctx context.Context, task *engine.Task) error {
	return createTask(ctx, t.tx, task)
}

func (t *sqlTx) GetTask(ctx context.Context, id uuid.UUID) (*engine.Task, error) {
	return getTask(ctx, t.tx, id)
}

func (t *sqlTx) ListChildren(ctx context.Context, parentID uuid.UUID) ([]*engine.Task, error) {
	return listChildren(ctx, t.tx, parentID)
}

// SaveTask writes the mutable columns of a task guarded by lease ownership.
func (t *sqlTx) SaveTask(ctx context.Context, task *engine.Task, owner string) error {
	stack, err := json.Marshal(task.Stack)
	if err != nil {
		return fmt.Errorf("failed to encode stack: %w", err)
	}

	query := `
		UPDATE tasks
		SET program = ?, step = ?, stack = ?, ready_at = ?,
		    lease_owner = ?, lease_expires_at = ?,
		    exit_value = ?, exited_at = ?,
		    deadline_at = ?, deadline_target = ?,
		    attempts = ?, last_error = ?, fault = ?,
		    updated_at = ?
		WHERE id = ? AND lease_owner = ?
	`

	result, err := t.tx.ExecContext(ctx, query,
		task.Program, task.Step, string(stack), toMillis(task.ReadyAt),
		task.LeaseOwner, nullMillis(task.LeaseExpiresAt),
		nullRaw(task.ExitValue), nullMillis(task.ExitedAt),
		nullMillis(task.DeadlineAt), task.DeadlineTarget,
		task.Attempts, task.LastError, task.Fault,
		toMillis(task.UpdatedAt),
		task.ID.String(), owner,
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.ErrLeaseLost
	}
	return nil
}

// DeleteTask removes a task together with its semaphores.
func (t *sqlTx) DeleteTask(ctx context.Context, id uuid.UUID) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM semaphores WHERE task_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete semaphores: %w", err)
	}

	result, err := t.tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", engine.ErrTaskNotFound, id)
	}
	return nil
}

// WakeTask pulls readyAt back to at for a live task.
func (t *sqlTx) WakeTask(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE tasks SET ready_at = MIN(ready_at, ?) WHERE id = ? AND exited_at IS NULL`

	if _, err := t.tx.ExecContext(ctx, query, toMillis(at), id.String()); err != nil {
		return fmt.Errorf("failed to wake task: %w", err)
	}
	return nil
}

func (t *sqlTx) IncrementSemaphore(ctx context.Context, taskID uuid.UUID, name string) error {
	return incrementSemaphore(ctx, t.tx, taskID, name)
}

func (t *sqlTx) DecrementSemaphore(ctx context.Context, taskID uuid.UUID, name string) (bool, error) {
	query := `
		UPDATE semaphores
		SET count = count - 1, updated_at = ?
		WHERE task_id = ? AND name = ? AND count > 0
	`

	result, err := t.tx.ExecContext(ctx, query, toMillis(time.Now()), taskID.String(), name)
	if err != nil {
		return false, fmt.Errorf("failed to decrement semaphore: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

func createTask(ctx context.Context, q querier, task *engine.Task) error {
	stack, err := json.Marshal(task.Stack)
	if err != nil {
		return fmt.Errorf("failed to encode stack: %w", err)
	}

	var parentID *string
	if task.ParentID != nil {
		p := task.ParentID.String()
		parentID = &p
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = q.ExecContext(ctx, query,
		task.ID.String(),
		task.Program,
		task.Step,
		string(stack),
		parentID,
		toMillis(task.ReadyAt),
		task.LeaseOwner,
		nullMillis(task.LeaseExpiresAt),
		nullRaw(task.ExitValue),
		nullMillis(task.ExitedAt),
		nullMillis(task.DeadlineAt),
		task.DeadlineTarget,
		task.Attempts,
		task.LastError,
		task.Fault,
		toMillis(task.CreatedAt),
		toMillis(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func getTask(ctx context.Context, q querier, id uuid.UUID) (*engine.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task, err := scanTask(q.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func listChildren(ctx context.Context, q querier, parentID uuid.UUID) ([]*engine.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE parent_id = ? ORDER BY created_at, id`

	rows, err := q.QueryContext(ctx, query, parentID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*engine.Task, error) {
	var (
		id, stack                            string
		parentID, leaseOwner, exitValue      sql.NullString
		lastError, fault                     sql.NullString
		readyAt, createdAt, updatedAt        int64
		leaseExpiresAt, exitedAt, deadlineAt sql.NullInt64
	)
	task := &engine.Task{}

	err := row.Scan(
		&id,
		&task.Program,
		&task.Step,
		&stack,
		&parentID,
		&readyAt,
		&leaseOwner,
		&leaseExpiresAt,
		&exitValue,
		&exitedAt,
		&deadlineAt,
		&task.DeadlineTarget,
		&task.Attempts,
		&lastError,
		&fault,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if task.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid task id %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(stack), &task.Stack); err != nil {
		return nil, fmt.Errorf("failed to decode stack of task %s: %w", id, err)
	}
	if parentID.Valid {
		p, err := uuid.Parse(parentID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid parent id %q: %w", parentID.String, err)
		}
		task.ParentID = &p
	}

	task.ReadyAt = fromMillis(readyAt)
	task.CreatedAt = fromMillis(createdAt)
	task.UpdatedAt = fromMillis(updatedAt)
	task.LeaseOwner = nullString(leaseOwner)
	task.LeaseExpiresAt = timePtr(leaseExpiresAt)
	task.ExitedAt = timePtr(exitedAt)
	task.DeadlineAt = timePtr(deadlineAt)
	task.LastError = nullString(lastError)
	task.Fault = nullString(fault)
	if exitValue.Valid {
		task.ExitValue = json.RawMessage(exitValue.String)
	}
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*engine.Task, error) {
	tasks := []*engine.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// Timestamps are stored as unix milliseconds so that range predicates compare numerically.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullRaw(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}
