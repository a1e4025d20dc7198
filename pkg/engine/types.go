package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubjectIDParam is the frame parameter holding the id of the domain object a task manages.
const SubjectIDParam = "subject_id"

// Link records where execution resumes once the frame above it pops.
type Link struct {
	Program string `json:"program"`
	Step    string `json:"step"`
}

// Frame is one level of a task's call stack.
type Frame struct {
	// Params holds the local parameters of the frame, JSON encoded per key.
	Params map[string]json.RawMessage `json:"params,omitempty"`

	// Resume is set while a sub-workflow pushed from this frame is running.
	Resume *Link `json:"resume,omitempty"`

	// Retval is the value returned by the most recently popped frame above this one.
	Retval json.RawMessage `json:"retval,omitempty"`
}

// NewFrame builds a frame from a plain parameter map.
func NewFrame(params map[string]any) (Frame, error) {
	f := Frame{Params: make(map[string]json.RawMessage, len(params))}
	for k, v := range params {
		if err := f.Set(k, v); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// Set stores value under key.
func (f *Frame) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode frame param %q: %w", key, err)
	}
	if f.Params == nil {
		f.Params = make(map[string]json.RawMessage)
	}
	f.Params[key] = raw
	return nil
}

// Has reports whether key is present.
func (f Frame) Has(key string) bool {
	_, ok := f.Params[key]
	return ok
}

// Get decodes the value stored under key into out.
func (f Frame) Get(key string, out any) error {
	raw, ok := f.Params[key]
	if !ok {
		return fmt.Errorf("frame param %q not set", key)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode frame param %q: %w", key, err)
	}
	return nil
}

// String returns the string value under key, or "" if absent or not a string.
func (f Frame) String(key string) string {
	var s string
	if err := f.Get(key, &s); err != nil {
		return ""
	}
	return s
}

// Int returns the integer value under key, or 0 if absent or not a number.
func (f Frame) Int(key string) int {
	var n int
	if err := f.Get(key, &n); err != nil {
		return 0
	}
	return n
}

// SubjectID returns the id of the domain object stored in the frame.
func (f Frame) SubjectID() string {
	return f.String(SubjectIDParam)
}

// ReturnValue decodes the value returned by the last popped sub-workflow.
func (f Frame) ReturnValue(out any) error {
	if len(f.Retval) == 0 {
		return fmt.Errorf("frame has no return value")
	}
	return json.Unmarshal(f.Retval, out)
}

// clone returns a deep copy so that step code cannot mutate persisted state
// through a frame that is later rolled back.
func (f Frame) clone() Frame {
	c := Frame{}
	if f.Params != nil {
		c.Params = make(map[string]json.RawMessage, len(f.Params))
		for k, v := range f.Params {
			c.Params[k] = append(json.RawMessage(nil), v...)
		}
	}
	if f.Resume != nil {
		r := *f.Resume
		c.Resume = &r
	}
	if f.Retval != nil {
		c.Retval = append(json.RawMessage(nil), f.Retval...)
	}
	return c
}

// Stack is an ordered call stack; index 0 is the active frame.
type Stack []Frame

// Head returns the active frame.
func (s Stack) Head() (Frame, bool) {
	if len(s) == 0 {
		return Frame{}, false
	}
	return s[0], true
}

// Push returns a new stack with f on top.
func (s Stack) Push(f Frame) Stack {
	out := make(Stack, 0, len(s)+1)
	out = append(out, f)
	return append(out, s...)
}

// Pop returns the removed head and the remaining stack.
func (s Stack) Pop() (Frame, Stack, bool) {
	if len(s) == 0 {
		return Frame{}, s, false
	}
	rest := make(Stack, len(s)-1)
	copy(rest, s[1:])
	return s[0], rest, true
}

func (s Stack) clone() Stack {
	out := make(Stack, len(s))
	for i, f := range s {
		out[i] = f.clone()
	}
	return out
}

// TaskState is a derived, human-facing view of where a task is in its lifecycle.
type TaskState string

const (
	// TaskStateReady indicates the task is eligible to run now.
	TaskStateReady TaskState = "ready"

	// TaskStateNapping indicates the task is waiting for its readyAt time.
	TaskStateNapping TaskState = "napping"

	// TaskStateClaimed indicates a worker currently holds the task's lease.
	TaskStateClaimed TaskState = "claimed"

	// TaskStateExited indicates the task has terminated.
	TaskStateExited TaskState = "exited"

	// TaskStateFaulted indicates the task hit a programming error and is parked.
	TaskStateFaulted TaskState = "faulted"
)

// Task is the persisted unit of durable, resumable work.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	Program        string          `json:"program"`
	Step           string          `json:"step"`
	Stack          Stack           `json:"stack"`
	ParentID       *uuid.UUID      `json:"parent_id,omitempty"`
	ReadyAt        time.Time       `json:"ready_at"`
	LeaseOwner     *string         `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	ExitValue      json.RawMessage `json:"exit_value,omitempty"`
	ExitedAt       *time.Time      `json:"exited_at,omitempty"`
	DeadlineAt     *time.Time      `json:"deadline_at,omitempty"`
	DeadlineTarget string          `json:"deadline_target,omitempty"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	Fault          *string         `json:"fault,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Exited reports whether the task has terminated.
func (t *Task) Exited() bool {
	return t.ExitedAt != nil
}

// State derives the task's lifecycle state at the given time.
func (t *Task) State(now time.Time) TaskState {
	switch {
	case t.Exited():
		return TaskStateExited
	case t.Fault != nil:
		return TaskStateFaulted
	case t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now):
		return TaskStateClaimed
	case t.ReadyAt.After(now):
		return TaskStateNapping
	default:
		return TaskStateReady
	}
}

// Frame returns the active frame.
func (t *Task) Frame() Frame {
	f, _ := t.Stack.Head()
	return f
}

// SubjectID returns the subject id stored in the active frame.
func (t *Task) SubjectID() string {
	return t.Frame().SubjectID()
}

// DecodeExit decodes the task's exit value into out.
func (t *Task) DecodeExit(out any) error {
	if !t.Exited() {
		return fmt.Errorf("task %s has not exited", t.ID)
	}
	return json.Unmarshal(t.ExitValue, out)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Stack = t.Stack.clone()
	if t.ParentID != nil {
		p := *t.ParentID
		c.ParentID = &p
	}
	if t.ExitValue != nil {
		c.ExitValue = append(json.RawMessage(nil), t.ExitValue...)
	}
	return &c
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	// ID optionally fixes the task id, usually to the id of the domain row it manages.
	ID *uuid.UUID

	Program string `validate:"required"`

	// Step defaults to the program's start step.
	Step string

	Params map[string]any

	// ParentID links the task to a parent for Reap.
	ParentID *uuid.UUID

	// ReadyAt defaults to now.
	ReadyAt time.Time
}
