package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/keelplane/keel/pkg/partition"
)

// Store persists tasks and semaphores. Implementations must be safe for
// concurrent use by many goroutines and many processes.
type Store interface {
	// CreateTask inserts a new task.
	CreateTask(ctx context.Context, task *Task) error

	// GetTask retrieves a task by id. Returns ErrTaskNotFound if absent.
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// ListChildren returns the tasks whose parent is parentID.
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*Task, error)

	// ClaimTasks atomically leases up to req.Limit ready, unleased tasks to req.Owner.
	ClaimTasks(ctx context.Context, req ClaimRequest) ([]*Task, error)

	// ReleaseTask clears the lease if it is still held by owner.
	ReleaseTask(ctx context.Context, id uuid.UUID, owner string) error

	// RecordFailure increments attempts, stores the error message and releases the
	// lease. With fault set the task is parked until ClearFault is called.
	RecordFailure(ctx context.Context, id uuid.UUID, owner string, message string, fault bool) error

	// ClearFault un-parks a faulted task.
	ClearFault(ctx context.Context, id uuid.UUID) error

	// IncrementSemaphore adds one to the named semaphore of a task.
	IncrementSemaphore(ctx context.Context, taskID uuid.UUID, name string) error

	// SemaphoreCount returns the current count of a semaphore.
	SemaphoreCount(ctx context.Context, taskID uuid.UUID, name string) (int, error)

	// InTx runs fn inside a single database transaction. The transaction is
	// committed if fn returns nil and rolled back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view of a Store used while a step executes.
type Tx interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)

	// SaveTask writes the mutable task columns, failing with ErrLeaseLost if the
	// lease is no longer held by owner.
	SaveTask(ctx context.Context, task *Task, owner string) error

	// DeleteTask removes a task and its semaphores.
	DeleteTask(ctx context.Context, id uuid.UUID) error

	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*Task, error)

	// WakeTask moves the task's readyAt back to at if it is later.
	WakeTask(ctx context.Context, id uuid.UUID, at time.Time) error

	IncrementSemaphore(ctx context.Context, taskID uuid.UUID, name string) error

	// DecrementSemaphore decrements the semaphore if its count is positive and
	// reports whether it did.
	DecrementSemaphore(ctx context.Context, taskID uuid.UUID, name string) (bool, error)

	// SQL exposes the underlying transaction so that workflow code can mutate
	// domain rows atomically with the step outcome.
	SQL() *sql.Tx
}

// ClaimRequest selects and leases a batch of ready tasks.
type ClaimRequest struct {
	Owner    string
	Now      time.Time
	LeaseFor time.Duration
	Limit    int

	// Partition restricts the claim to an id range; nil claims from the whole space.
	Partition *partition.Partition

	// StaleAfter, when positive, also admits tasks outside the partition whose
	// readyAt is older than Now-StaleAfter, so work owned by a crashed worker
	// still progresses before the roster converges.
	StaleAfter time.Duration
}

// SubjectResolver loads the domain object a task manages.
type SubjectResolver interface {
	Resolve(ctx context.Context, subjectID string) (any, error)
}

// SubjectResolverFunc adapts a function to SubjectResolver.
type SubjectResolverFunc func(ctx context.Context, subjectID string) (any, error)

// Resolve calls f.
func (f SubjectResolverFunc) Resolve(ctx context.Context, subjectID string) (any, error) {
	return f(ctx, subjectID)
}

// Admission decides whether a task may be created. A non-nil error rejects
// the task before anything is written.
type Admission interface {
	Admit(ctx context.Context, task *Task) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
