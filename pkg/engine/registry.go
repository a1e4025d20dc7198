package engine

import (
	"fmt"
	"sort"
	"sync"
)

// StepFunc is the body of one step. It must return exactly one directive or an error.
type StepFunc func(ctx *Context) (Directive, error)

// Hook runs before every step of a program. A non-nil directive replaces the
// step call for that dispatch.
type Hook func(ctx *Context) (Directive, error)

// DeadlineHandler lets a program react to its own missed deadline. The
// returned directive is applied instead of the queued step.
type DeadlineHandler func(ctx *Context, err *DeadlineExceededError) (Directive, error)

// Step is one named function within a program.
type Step struct {
	Name string
	Run  StepFunc

	// Next lists the steps of the same program this step may hop to.
	Next []string
}

// Program is a named set of steps implementing one workflow.
type Program struct {
	Name  string
	Start string
	Steps []Step

	// Signals enumerates the semaphore names collaborators may raise on tasks of this program.
	Signals []string

	// Calls lists the programs this one may Push, Bud or Hop into.
	Calls []string

	Before     Hook
	OnDeadline DeadlineHandler
	Subject    SubjectResolver
}

type compiledProgram struct {
	Program
	steps   map[string]*Step
	next    map[string]map[string]bool
	signals map[string]bool
	calls   map[string]bool
}

// Registry maps (program, step) pairs to step functions. A registry is built
// once at process start and passed explicitly to the dispatcher and scheduler.
type Registry struct {
	mu       sync.RWMutex
	programs map[string]*compiledProgram
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{programs: make(map[string]*compiledProgram)}
}

// Register validates and adds a program.
func (r *Registry) Register(p Program) error {
	if p.Name == "" {
		return NewValidationError("program name is required", nil).WithCode(ErrCodeValidation)
	}
	if len(p.Steps) == 0 {
		return NewValidationError(fmt.Sprintf("program %s has no steps", p.Name), nil).WithCode(ErrCodeValidation)
	}

	cp := &compiledProgram{
		Program: p,
		steps:   make(map[string]*Step, len(p.Steps)),
		next:    make(map[string]map[string]bool, len(p.Steps)),
		signals: make(map[string]bool, len(p.Signals)),
		calls:   make(map[string]bool, len(p.Calls)),
	}

	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Name == "" || s.Run == nil {
			return NewValidationError(fmt.Sprintf("program %s has a step without name or body", p.Name), nil).
				WithCode(ErrCodeValidation)
		}
		if _, dup := cp.steps[s.Name]; dup {
			return NewValidationError(fmt.Sprintf("program %s declares step %s twice", p.Name, s.Name), nil).
				WithCode(ErrCodeValidation)
		}
		cp.steps[s.Name] = s
	}

	if p.Start == "" {
		cp.Start = p.Steps[0].Name
	}
	if _, ok := cp.steps[cp.Start]; !ok {
		return NewValidationError(fmt.Sprintf("program %s start step %s is not declared", p.Name, cp.Start), nil).
			WithCode(ErrCodeUnknownStep)
	}

	for name, s := range cp.steps {
		targets := make(map[string]bool, len(s.Next))
		for _, n := range s.Next {
			if _, ok := cp.steps[n]; !ok {
				return NewValidationError(fmt.Sprintf("program %s step %s hops to undeclared step %s", p.Name, name, n), nil).
					WithCode(ErrCodeUnknownStep)
			}
			targets[n] = true
		}
		cp.next[name] = targets
	}

	for _, sig := range p.Signals {
		if sig == "" || cp.signals[sig] {
			return NewValidationError(fmt.Sprintf("program %s has an empty or duplicate signal %q", p.Name, sig), nil).
				WithCode(ErrCodeValidation)
		}
		cp.signals[sig] = true
	}
	for _, c := range p.Calls {
		cp.calls[c] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.programs[p.Name]; exists {
		return NewValidationError(fmt.Sprintf("program %s already registered", p.Name), nil).WithCode(ErrCodeValidation)
	}
	r.programs[p.Name] = cp
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(programs ...Program) {
	for _, p := range programs {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
}

// Validate checks cross-program references. Call it once every program is registered.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, p := range r.programs {
		for callee := range p.calls {
			if _, ok := r.programs[callee]; !ok {
				return NewValidationError(fmt.Sprintf("program %s calls unregistered program %s", name, callee), nil).
					WithCode(ErrCodeUnknownProgram)
			}
		}
	}
	return nil
}

// Programs returns the registered program names in sorted order.
func (r *Registry) Programs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.programs))
	for name := range r.programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartStep returns the start step of a program.
func (r *Registry) StartStep(program string) (string, error) {
	p, err := r.program(program)
	if err != nil {
		return "", err
	}
	return p.Start, nil
}

// HasSignal reports whether program declares the named signal.
func (r *Registry) HasSignal(program, signal string) bool {
	p, err := r.program(program)
	if err != nil {
		return false
	}
	return p.signals[signal]
}

func (r *Registry) program(name string) (*compiledProgram, error) {
	r.mu.RLock()
	p, ok := r.programs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, NewProgrammingError(fmt.Sprintf("unknown program %s", name), nil).WithCode(ErrCodeUnknownProgram)
	}
	return p, nil
}

func (r *Registry) lookup(program, step string) (*compiledProgram, *Step, error) {
	p, err := r.program(program)
	if err != nil {
		return nil, nil, err
	}
	s, ok := p.steps[step]
	if !ok {
		return nil, nil, NewProgrammingError(fmt.Sprintf("unknown step %s:%s", program, step), nil).
			WithCode(ErrCodeUnknownStep)
	}
	return p, s, nil
}

func (p *compiledProgram) hasStep(step string) bool {
	_, ok := p.steps[step]
	return ok
}

// canHop reports whether step may hop to target within the program. Hops
// issued by the pre-step hook or the deadline handler may target any step.
func (p *compiledProgram) canHop(from, target string, fromHook bool) bool {
	if !p.hasStep(target) {
		return false
	}
	return fromHook || p.next[from][target]
}
