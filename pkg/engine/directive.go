package engine

import "time"

// DirectiveKind names a directive for logging and metrics.
type DirectiveKind string

const (
	DirectiveHop    DirectiveKind = "hop"
	DirectiveNap    DirectiveKind = "nap"
	DirectivePush   DirectiveKind = "push"
	DirectivePop    DirectiveKind = "pop"
	DirectiveBud    DirectiveKind = "bud"
	DirectiveDonate DirectiveKind = "donate"
	DirectiveReap   DirectiveKind = "reap"
	DirectiveExit   DirectiveKind = "exit"
)

// Directive is the single control-flow instruction a step returns.
// The set of implementations is closed: Hop, Nap, Push, Pop, Bud, Donate, Reap and Exit.
type Directive interface {
	Kind() DirectiveKind
	directive()
}

// Hop moves the task to another step, optionally in another program. The stack is unchanged.
type Hop struct {
	Step    string
	Program string
}

// Nap keeps the current step and makes the task eligible again after Duration.
type Nap struct {
	Duration time.Duration
}

// NapSeconds is shorthand for Nap{Duration: seconds}.
func NapSeconds(seconds int) Nap {
	return Nap{Duration: time.Duration(seconds) * time.Second}
}

// Push starts a sub-workflow in a new frame. When that frame pops, execution
// resumes in the current program at Then with the popped value as Retval.
type Push struct {
	Program string
	// Step defaults to the pushed program's start step.
	Step  string
	Frame Frame
	Then  string
}

// Pop removes the active frame, returning Value to the frame below or, at the
// root, terminating the task with Value as its exit value.
type Pop struct {
	Value any
}

// Bud creates a child task. With Then empty the parent stays at its current
// step and its turn ends; otherwise the parent hops to Then.
type Bud struct {
	Program string
	Step    string
	Frame   Frame
	Then    string
}

// Donate ends the current turn without changing the task.
type Donate struct{}

// ReapedChild is a terminal child handed to a Reaper before it is deleted.
type ReapedChild struct {
	Task *Task
}

// Decode decodes the child's exit value.
func (c ReapedChild) Decode(out any) error {
	return c.Task.DecodeExit(out)
}

// Reaper inspects one reaped child. A non-empty return value selects the step
// to hop to once no children remain, overriding Reap.Then.
type Reaper func(ctx *Context, child ReapedChild) (string, error)

// Reap deletes children that have exited. When none remain the task hops to
// Then; otherwise it donates, or naps if Nap is positive.
type Reap struct {
	Then   string
	Reaper Reaper
	Nap    time.Duration
}

// Exit terminates a root task immediately, discarding the whole stack.
type Exit struct {
	Value any
}

func (Hop) Kind() DirectiveKind    { return DirectiveHop }
func (Nap) Kind() DirectiveKind    { return DirectiveNap }
func (Push) Kind() DirectiveKind   { return DirectivePush }
func (Pop) Kind() DirectiveKind    { return DirectivePop }
func (Bud) Kind() DirectiveKind    { return DirectiveBud }
func (Donate) Kind() DirectiveKind { return DirectiveDonate }
func (Reap) Kind() DirectiveKind   { return DirectiveReap }
func (Exit) Kind() DirectiveKind   { return DirectiveExit }

func (Hop) directive()    {}
func (Nap) directive()    {}
func (Push) directive()   {}
func (Pop) directive()    {}
func (Bud) directive()    {}
func (Donate) directive() {}
func (Reap) directive()   {}
func (Exit) directive()   {}
