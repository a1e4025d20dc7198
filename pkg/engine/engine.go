package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the collaborator-facing API: creating tasks, signaling them and
// inspecting their state.
type Engine struct {
	store    Store
	registry *Registry
	validate *validator.Validate
	clock    Clock
	logger   zerolog.Logger

	admission Admission
}

// NewEngine creates an engine. A nil clock uses the system clock.
func NewEngine(store Store, registry *Registry, clock Clock, logger zerolog.Logger) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	return &Engine{
		store:    store,
		registry: registry,
		validate: validator.New(),
		clock:    clock,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// WithAdmission installs an admission check consulted before a task is
// persisted. A nil admission admits everything.
func (e *Engine) WithAdmission(a Admission) *Engine {
	e.admission = a
	return e
}

func (e *Engine) admit(ctx context.Context, task *Task) error {
	if e.admission == nil {
		return nil
	}
	if err := e.admission.Admit(ctx, task); err != nil {
		var ee *EngineError
		if errors.As(err, &ee) {
			return err
		}
		return NewValidationError("task rejected by admission", err).WithCode(ErrCodeDenied)
	}
	return nil
}

// Registry returns the program registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// NewTask validates spec and builds the task it describes without persisting it.
func (e *Engine) NewTask(spec TaskSpec) (*Task, error) {
	if err := e.validate.Struct(spec); err != nil {
		return nil, NewValidationError("invalid task spec", err).WithCode(ErrCodeValidation)
	}

	prog, err := e.registry.program(spec.Program)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("unknown program %s", spec.Program), nil).
			WithCode(ErrCodeUnknownProgram)
	}
	step := spec.Step
	if step == "" {
		step = prog.Start
	}
	if !prog.hasStep(step) {
		return nil, NewValidationError(fmt.Sprintf("unknown step %s:%s", spec.Program, step), nil).
			WithCode(ErrCodeUnknownStep)
	}

	frame, err := NewFrame(spec.Params)
	if err != nil {
		return nil, NewValidationError("invalid task parameters", err).WithCode(ErrCodeValidation)
	}

	now := e.clock.Now()
	id := uuid.New()
	if spec.ID != nil {
		id = *spec.ID
	}
	readyAt := spec.ReadyAt
	if readyAt.IsZero() {
		readyAt = now
	}

	task := &Task{
		ID:        id,
		Program:   prog.Name,
		Step:      step,
		Stack:     Stack{frame},
		ReadyAt:   readyAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if spec.ParentID != nil {
		parent := *spec.ParentID
		task.ParentID = &parent
	}
	return task, nil
}

// CreateTask validates spec and persists the new task.
func (e *Engine) CreateTask(ctx context.Context, spec TaskSpec) (*Task, error) {
	task, err := e.NewTask(spec)
	if err != nil {
		return nil, err
	}
	if err := e.admit(ctx, task); err != nil {
		return nil, err
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	e.logger.Debug().
		Str("task_id", task.ID.String()).
		Str("program", task.Program).
		Str("step", task.Step).
		Msg("Task created")
	return task, nil
}

// CreateTaskTx persists the new task inside an existing transaction, usually
// the one that creates the domain row the task manages.
func (e *Engine) CreateTaskTx(ctx context.Context, tx Tx, spec TaskSpec) (*Task, error) {
	task, err := e.NewTask(spec)
	if err != nil {
		return nil, err
	}
	if err := e.admit(ctx, task); err != nil {
		return nil, err
	}
	if err := tx.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return task, nil
}

// Task returns the current state of a task.
func (e *Engine) Task(ctx context.Context, id uuid.UUID) (*Task, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, NewValidationError("task not found: "+id.String(), err).WithCode(ErrCodeNotFound)
		}
		return nil, err
	}
	return task, nil
}

// Children returns the children of a task.
func (e *Engine) Children(ctx context.Context, id uuid.UUID) ([]*Task, error) {
	return e.store.ListChildren(ctx, id)
}

// Unfault clears the fault of a task parked by a programming error so the
// scheduler claims it again.
func (e *Engine) Unfault(ctx context.Context, id uuid.UUID) error {
	if err := e.store.ClearFault(ctx, id); err != nil {
		return fmt.Errorf("failed to clear fault: %w", err)
	}
	e.logger.Info().Str("task_id", id.String()).Msg("Task fault cleared")
	return nil
}
