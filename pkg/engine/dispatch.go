package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer starts spans around dispatched steps.
type Tracer interface {
	StartStepSpan(ctx context.Context, taskID, program, step string) (context.Context, trace.Span)
}

// Recorder receives engine metrics.
type Recorder interface {
	RecordStep(program, step, directive string, duration time.Duration)
	RecordStepFailure(program, step, class string)
	RecordDeadlineExceeded(program string)
	RecordTasksClaimed(count int)
	RecordIdlePass()
	RecordPartition(index, count int)
}

// TurnOutcome describes why a turn ended.
type TurnOutcome string

const (
	TurnSuspended TurnOutcome = "suspended"
	TurnExited    TurnOutcome = "exited"
	TurnBudget    TurnOutcome = "budget"
	TurnFailed    TurnOutcome = "failed"
	TurnLeaseLost TurnOutcome = "lease_lost"
	TurnCanceled  TurnOutcome = "canceled"
)

// TurnResult summarizes one dispatch turn of a task.
type TurnResult struct {
	Task    *Task
	Steps   int
	Outcome TurnOutcome
	Err     error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// RunBudget bounds the wall time of a single turn. Defaults to 30s.
	RunBudget time.Duration

	// MaxStepsPerTurn bounds the number of steps run in one turn. Defaults to 64.
	MaxStepsPerTurn int
}

// Dispatcher executes steps of claimed tasks and applies their directives.
type Dispatcher struct {
	store    Store
	registry *Registry
	clock    Clock
	base     zerolog.Logger
	logger   zerolog.Logger
	tracer   Tracer
	recorder Recorder
	budget   time.Duration
	maxSteps int
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock overrides the clock.
func WithClock(c Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) DispatcherOption {
	return func(d *Dispatcher) { d.recorder = r }
}

// NewDispatcher creates a dispatcher over the given store and registry.
func NewDispatcher(store Store, registry *Registry, cfg DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = 30 * time.Second
	}
	if cfg.MaxStepsPerTurn <= 0 {
		cfg.MaxStepsPerTurn = 64
	}

	d := &Dispatcher{
		store:    store,
		registry: registry,
		clock:    SystemClock(),
		logger:   zerolog.Nop(),
		tracer:   noopTracer{tracer: noop.NewTracerProvider().Tracer("keel/engine")},
		recorder: nopRecorder{},
		budget:   cfg.RunBudget,
		maxSteps: cfg.MaxStepsPerTurn,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.base = d.logger
	d.logger = d.logger.With().Str("component", "dispatcher").Logger()
	return d
}

// Run advances a task leased to owner until it reaches a suspension point,
// exits, fails, or exhausts the turn budget. The lease is always released.
func (d *Dispatcher) Run(ctx context.Context, task *Task, owner string) TurnResult {
	start := d.clock.Now()
	current := task.Clone()
	res := TurnResult{Task: current}

	for {
		if ctx.Err() != nil {
			res.Outcome = TurnCanceled
			d.release(ctx, current, owner)
			return res
		}

		next, suspended, err := d.step(ctx, current, owner)
		if err != nil {
			res.Err = err
			res.Outcome = d.fail(ctx, current, owner, err)
			return res
		}
		res.Steps++
		current = next
		res.Task = current

		if current.Exited() {
			res.Outcome = TurnExited
			return res
		}
		if suspended {
			res.Outcome = TurnSuspended
			return res
		}
		if res.Steps >= d.maxSteps || d.clock.Now().Sub(start) >= d.budget {
			res.Outcome = TurnBudget
			d.release(ctx, current, owner)
			return res
		}
	}
}

func (d *Dispatcher) release(ctx context.Context, task *Task, owner string) {
	if err := d.store.ReleaseTask(context.WithoutCancel(ctx), task.ID, owner); err != nil {
		d.logger.Warn().Err(err).Str("task_id", task.ID.String()).Msg("Failed to release task")
	}
}

// step runs one step in its own transaction and returns the committed task.
func (d *Dispatcher) step(ctx context.Context, task *Task, owner string) (*Task, bool, error) {
	started := time.Now()
	operation := task.Program + ":" + task.Step

	spanCtx, span := d.tracer.StartStepSpan(ctx, task.ID.String(), task.Program, task.Step)
	defer span.End()

	var (
		committed *Task
		suspended bool
		kind      DirectiveKind
	)

	err := d.store.InTx(spanCtx, func(tx Tx) (err error) {
		// Panics anywhere in the step roll the transaction back.
		defer func() {
			if r := recover(); r != nil {
				err = NewTransientError("step panicked", fmt.Errorf("%v", r)).WithCode(ErrCodePanic)
			}
		}()

		work := task.Clone()
		prog, stepDef, err := d.registry.lookup(work.Program, work.Step)
		if err != nil {
			return err
		}
		if len(work.Stack) == 0 {
			return NewProgrammingError("task has an empty stack", nil).WithCode(ErrCodeEmptyStack)
		}

		sc, err := d.newContext(spanCtx, tx, prog, work)
		if err != nil {
			return err
		}

		dir, fromHook, err := d.invoke(sc, prog, stepDef, work)
		if err != nil {
			return err
		}
		if dir == nil {
			return NewProgrammingError("step returned no directive", nil).WithCode(ErrCodeNoDirective)
		}
		kind = dir.Kind()

		work.Stack[0] = *sc.frame
		d.applyDeadline(work, sc.deadline)
		for _, child := range sc.children {
			if err := tx.CreateTask(sc, child); err != nil {
				return fmt.Errorf("failed to create child task: %w", err)
			}
		}

		suspended, err = d.apply(sc, tx, prog, work, dir, fromHook)
		if err != nil {
			return err
		}

		now := d.clock.Now()
		if work.DeadlineAt != nil && (work.Exited() || work.Step == work.DeadlineTarget) {
			work.DeadlineAt = nil
			work.DeadlineTarget = ""
		}
		work.Attempts = 0
		work.LastError = nil
		work.UpdatedAt = now
		if suspended || work.Exited() {
			work.LeaseOwner = nil
			work.LeaseExpiresAt = nil
		}

		if err := tx.SaveTask(sc, work, owner); err != nil {
			return err
		}
		committed = work
		return nil
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}

	span.SetAttributes(attribute.String("task.directive", string(kind)))
	span.SetStatus(codes.Ok, "")
	d.recorder.RecordStep(task.Program, task.Step, string(kind), time.Since(started))
	d.logger.Debug().
		Str("task_id", task.ID.String()).
		Str("operation", operation).
		Str("directive", string(kind)).
		Str("next", committed.Program+":"+committed.Step).
		Msg("Step executed")

	return committed, suspended || committed.Exited(), nil
}

func (d *Dispatcher) newContext(ctx context.Context, tx Tx, prog *compiledProgram, task *Task) (*Context, error) {
	frame := task.Stack[0].clone()
	subjectID := frame.SubjectID()

	logger := d.logger.With().
		Str("task_id", task.ID.String()).
		Str("program", task.Program).
		Str("step", task.Step).
		Str("subject_id", subjectID).
		Logger()

	sc := &Context{
		Context: ctx,
		task:    task.Clone(),
		frame:   &frame,
		tx:      tx,
		clock:   d.clock,
		logger:  logger,
		reg:     d.registry,
		program: prog,
	}

	if prog.Subject != nil && subjectID != "" {
		subject, err := prog.Subject.Resolve(ctx, subjectID)
		if err != nil {
			return nil, NewTransientError("failed to resolve subject "+subjectID, err).WithCode(ErrCodeSubject)
		}
		sc.subject = subject
	}
	return sc, nil
}

// invoke runs the deadline check, the pre-step hook and finally the step itself.
// It reports whether the directive came from a hook rather than the step.
func (d *Dispatcher) invoke(sc *Context, prog *compiledProgram, stepDef *Step, task *Task) (dir Directive, fromHook bool, err error) {
	now := d.clock.Now()
	if task.DeadlineAt != nil && task.Step == task.DeadlineTarget {
		task.DeadlineAt = nil
		task.DeadlineTarget = ""
	}
	if task.DeadlineAt != nil && now.After(*task.DeadlineAt) {
		derr := &DeadlineExceededError{
			Program:    task.Program,
			Step:       task.Step,
			Target:     task.DeadlineTarget,
			DeadlineAt: *task.DeadlineAt,
			Now:        now,
		}
		d.recorder.RecordDeadlineExceeded(task.Program)
		if prog.OnDeadline == nil {
			return nil, false, derr
		}
		task.DeadlineAt = nil
		task.DeadlineTarget = ""
		dir, err = prog.OnDeadline(sc, derr)
		return dir, true, err
	}

	if prog.Before != nil {
		dir, err = prog.Before(sc)
		if err != nil || dir != nil {
			return dir, true, err
		}
	}

	dir, err = stepDef.Run(sc)
	return dir, false, err
}

func (d *Dispatcher) applyDeadline(task *Task, pending *pendingDeadline) {
	if pending == nil {
		return
	}
	if task.DeadlineAt != nil && task.DeadlineTarget == pending.target && task.DeadlineAt.Before(pending.at) {
		return
	}
	at := pending.at
	task.DeadlineAt = &at
	task.DeadlineTarget = pending.target
}

// apply mutates task according to dir and reports whether the turn ends.
func (d *Dispatcher) apply(sc *Context, tx Tx, prog *compiledProgram, task *Task, dir Directive, fromHook bool) (bool, error) {
	now := d.clock.Now()

	switch v := dir.(type) {
	case Hop:
		return false, d.hop(prog, task, v.Program, v.Step, fromHook)

	case Nap:
		task.ReadyAt = now.Add(v.Duration)
		return true, nil

	case Push:
		callee, step, err := d.callee(prog, v.Program, v.Step)
		if err != nil {
			return false, err
		}
		if !prog.canHop(task.Step, v.Then, fromHook) {
			return false, illegalHop(task, v.Then)
		}
		head := task.Stack[0]
		head.Resume = &Link{Program: task.Program, Step: v.Then}
		task.Stack[0] = head
		task.Stack = task.Stack.Push(v.Frame.clone())
		task.Program = callee.Name
		task.Step = step
		return false, nil

	case Pop:
		return d.pop(sc, tx, task, v.Value, now)

	case Bud:
		child, err := sc.newChild(v.Program, v.Frame, v.Step)
		if err != nil {
			return false, err
		}
		if err := tx.CreateTask(sc, child); err != nil {
			return false, fmt.Errorf("failed to create child task: %w", err)
		}
		if v.Then == "" {
			return true, nil
		}
		return false, d.hop(prog, task, "", v.Then, fromHook)

	case Donate:
		return true, nil

	case Reap:
		return d.reap(sc, tx, prog, task, v, fromHook, now)

	case Exit:
		if task.ParentID != nil {
			return false, NewProgrammingError("exit is only allowed on root tasks", nil).WithCode(ErrCodeExitFromChild)
		}
		raw, err := json.Marshal(v.Value)
		if err != nil {
			return false, NewProgrammingError("exit value is not encodable", err).WithCode(ErrCodeValidation)
		}
		task.Stack = Stack{}
		task.ExitValue = raw
		task.ExitedAt = &now
		return true, nil

	default:
		return false, NewProgrammingError(fmt.Sprintf("unsupported directive %T", dir), nil).WithCode(ErrCodeNoDirective)
	}
}

func (d *Dispatcher) hop(prog *compiledProgram, task *Task, program, step string, fromHook bool) error {
	if program == "" || program == task.Program {
		if !prog.canHop(task.Step, step, fromHook) {
			return illegalHop(task, step)
		}
		task.Step = step
		return nil
	}

	callee, target, err := d.callee(prog, program, step)
	if err != nil {
		return err
	}
	task.Program = callee.Name
	task.Step = target
	return nil
}

// callee resolves a program the current program may transfer control to.
func (d *Dispatcher) callee(prog *compiledProgram, program, step string) (*compiledProgram, string, error) {
	if !prog.calls[program] {
		return nil, "", NewProgrammingError(fmt.Sprintf("program %s does not declare a call to %s", prog.Name, program), nil).
			WithCode(ErrCodeIllegalTransition)
	}
	callee, err := d.registry.program(program)
	if err != nil {
		return nil, "", err
	}
	if step == "" {
		step = callee.Start
	}
	if !callee.hasStep(step) {
		return nil, "", NewProgrammingError(fmt.Sprintf("unknown step %s:%s", program, step), nil).WithCode(ErrCodeUnknownStep)
	}
	return callee, step, nil
}

func (d *Dispatcher) pop(ctx context.Context, tx Tx, task *Task, value any, now time.Time) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, NewProgrammingError("pop value is not encodable", err).WithCode(ErrCodeValidation)
	}

	_, rest, _ := task.Stack.Pop()
	if len(rest) == 0 {
		task.Stack = Stack{}
		task.ExitValue = raw
		task.ExitedAt = &now
		if task.ParentID != nil {
			if err := tx.WakeTask(ctx, *task.ParentID, now); err != nil && !errors.Is(err, ErrTaskNotFound) {
				return false, fmt.Errorf("failed to wake parent: %w", err)
			}
		}
		return true, nil
	}

	head := rest[0]
	if head.Resume == nil {
		return false, NewProgrammingError("popped into a frame with no resume point", nil).WithCode(ErrCodeEmptyStack)
	}
	link := *head.Resume
	if _, _, err := d.registry.lookup(link.Program, link.Step); err != nil {
		return false, err
	}
	head.Resume = nil
	head.Retval = raw
	rest[0] = head

	task.Stack = rest
	task.Program = link.Program
	task.Step = link.Step
	return false, nil
}

func (d *Dispatcher) reap(sc *Context, tx Tx, prog *compiledProgram, task *Task, r Reap, fromHook bool, now time.Time) (bool, error) {
	children, err := tx.ListChildren(sc, task.ID)
	if err != nil {
		return false, fmt.Errorf("failed to list children: %w", err)
	}

	branch := ""
	remaining := 0
	for _, child := range children {
		if !child.Exited() {
			remaining++
			continue
		}
		if r.Reaper != nil {
			b, err := r.Reaper(sc, ReapedChild{Task: child})
			if err != nil {
				return false, err
			}
			if b != "" {
				branch = b
			}
		}
		if err := tx.DeleteTask(sc, child.ID); err != nil {
			return false, fmt.Errorf("failed to delete reaped child %s: %w", child.ID, err)
		}
	}
	// Reapers may record results in the frame.
	task.Stack[0] = *sc.frame

	if remaining > 0 {
		if r.Nap > 0 {
			task.ReadyAt = now.Add(r.Nap)
		}
		return true, nil
	}

	target := r.Then
	if branch != "" {
		target = branch
	}
	if target == "" {
		return true, nil
	}
	return false, d.hop(prog, task, "", target, fromHook)
}

// fail records a failed step and releases the lease.
func (d *Dispatcher) fail(ctx context.Context, task *Task, owner string, err error) TurnOutcome {
	ctx = context.WithoutCancel(ctx)
	class := Classify(err)

	event := d.logger.Error()
	if class == ErrorClassTransient {
		event = d.logger.Warn()
	}
	event.Err(err).
		Str("task_id", task.ID.String()).
		Str("program", task.Program).
		Str("step", task.Step).
		Str("subject_id", task.SubjectID()).
		Str("class", string(class)).
		Int("attempts", task.Attempts+1).
		Msg("Step failed")

	d.recorder.RecordStepFailure(task.Program, task.Step, string(class))

	if errors.Is(err, ErrLeaseLost) {
		return TurnLeaseLost
	}

	if rerr := d.store.RecordFailure(ctx, task.ID, owner, err.Error(), IsProgramming(err)); rerr != nil {
		if errors.Is(rerr, ErrLeaseLost) {
			return TurnLeaseLost
		}
		d.logger.Error().Err(rerr).Str("task_id", task.ID.String()).Msg("Failed to record step failure")
	}
	return TurnFailed
}

func illegalHop(task *Task, target string) error {
	return NewProgrammingError(fmt.Sprintf("step %s:%s may not hop to %q", task.Program, task.Step, target), nil).
		WithCode(ErrCodeIllegalTransition).
		WithTask(task.ID.String())
}

type noopTracer struct {
	tracer trace.Tracer
}

func (t noopTracer) StartStepSpan(ctx context.Context, taskID, program, step string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "task.step")
}

type nopRecorder struct{}

func (nopRecorder) RecordStep(string, string, string, time.Duration) {}
func (nopRecorder) RecordStepFailure(string, string, string)         {}
func (nopRecorder) RecordDeadlineExceeded(string)                    {}
func (nopRecorder) RecordTasksClaimed(int)                           {}
func (nopRecorder) RecordIdlePass()                                  {}
func (nopRecorder) RecordPartition(int, int)                         {}
