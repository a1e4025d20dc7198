package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Signal raises the named semaphore of a task. The name must be declared by
// the running program or by one of the callers suspended below it on the
// stack. The task observes the signal on the next step it runs; signaling
// does not wake a napping task.
func (e *Engine) Signal(ctx context.Context, taskID uuid.UUID, name string) error {
	task, err := e.Task(ctx, taskID)
	if err != nil {
		return err
	}
	if !e.declaresSignal(task, name) {
		return NewValidationError(fmt.Sprintf("program %s does not declare signal %s", task.Program, name), nil).
			WithCode(ErrCodeUnknownSignal).
			WithTask(taskID.String())
	}
	if err := e.store.IncrementSemaphore(ctx, taskID, name); err != nil {
		return fmt.Errorf("failed to signal %s: %w", name, err)
	}

	e.logger.Debug().Str("task_id", taskID.String()).Str("signal", name).Msg("Task signaled")
	return nil
}

func (e *Engine) declaresSignal(task *Task, name string) bool {
	if e.registry.HasSignal(task.Program, name) {
		return true
	}
	for _, f := range task.Stack {
		if f.Resume != nil && e.registry.HasSignal(f.Resume.Program, name) {
			return true
		}
	}
	return false
}

// SemaphoreCount returns the pending count of a task's semaphore.
func (e *Engine) SemaphoreCount(ctx context.Context, taskID uuid.UUID, name string) (int, error) {
	return e.store.SemaphoreCount(ctx, taskID, name)
}
