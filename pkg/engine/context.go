package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Context is what a step function sees: the task being advanced, its active
// frame, the resolved subject and the transaction the step outcome commits in.
type Context struct {
	context.Context

	task    *Task
	frame   *Frame
	subject any
	tx      Tx
	clock   Clock
	logger  zerolog.Logger
	reg     *Registry
	program *compiledProgram

	children []*Task
	deadline *pendingDeadline
}

type pendingDeadline struct {
	target string
	at     time.Time
}

// Task returns a read-only snapshot of the task as it was when the step started.
func (c *Context) Task() *Task {
	return c.task
}

// ID returns the task id.
func (c *Context) ID() uuid.UUID {
	return c.task.ID
}

// Frame returns the active frame. Mutations are persisted with the step outcome.
func (c *Context) Frame() *Frame {
	return c.frame
}

// Subject returns the domain object resolved from the frame's subject id, or nil.
func (c *Context) Subject() any {
	return c.subject
}

// Now returns the dispatcher's notion of the current time.
func (c *Context) Now() time.Time {
	return c.clock.Now()
}

// Logger returns a logger annotated with the task's correlation fields.
func (c *Context) Logger() zerolog.Logger {
	return c.logger
}

// Tx returns the SQL transaction the step outcome is committed in.
func (c *Context) Tx() *sql.Tx {
	return c.tx.SQL()
}

// CheckAndClear decrements the named semaphore of this task if it is set and
// reports whether it was.
func (c *Context) CheckAndClear(name string) (bool, error) {
	if !c.program.signals[name] {
		return false, NewProgrammingError(fmt.Sprintf("program %s does not declare signal %s", c.task.Program, name), nil).
			WithCode(ErrCodeUnknownSignal)
	}
	return c.tx.DecrementSemaphore(c, c.task.ID, name)
}

// Signal increments a semaphore of another task within this step's transaction.
func (c *Context) Signal(taskID uuid.UUID, name string) error {
	return c.tx.IncrementSemaphore(c, taskID, name)
}

// RegisterDeadline requires the task to reach target within seconds. An empty
// target requires the task to exit.
func (c *Context) RegisterDeadline(target string, seconds int) {
	c.deadline = &pendingDeadline{
		target: target,
		at:     c.clock.Now().Add(time.Duration(seconds) * time.Second),
	}
}

// Bud creates a child task inline. The child is committed together with the
// directive the step returns.
func (c *Context) Bud(program string, frame Frame, step string) (uuid.UUID, error) {
	child, err := c.newChild(program, frame, step)
	if err != nil {
		return uuid.Nil, err
	}
	c.children = append(c.children, child)
	return child.ID, nil
}

// Children returns the task's current children.
func (c *Context) Children() ([]*Task, error) {
	return c.tx.ListChildren(c, c.task.ID)
}

func (c *Context) newChild(program string, frame Frame, step string) (*Task, error) {
	if !c.program.calls[program] {
		return nil, NewProgrammingError(fmt.Sprintf("program %s may not bud %s", c.task.Program, program), nil).
			WithCode(ErrCodeIllegalTransition)
	}
	target, err := c.reg.program(program)
	if err != nil {
		return nil, err
	}
	if step == "" {
		step = target.Start
	}
	if !target.hasStep(step) {
		return nil, NewProgrammingError(fmt.Sprintf("unknown step %s:%s", program, step), nil).WithCode(ErrCodeUnknownStep)
	}

	now := c.clock.Now()
	parent := c.task.ID
	return &Task{
		ID:        uuid.New(),
		Program:   program,
		Step:      step,
		Stack:     Stack{frame.clone()},
		ParentID:  &parent,
		ReadyAt:   now,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
