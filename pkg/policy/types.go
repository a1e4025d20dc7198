package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/keelplane/keel/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not reject the task.
	SeverityWarning Severity = "warning"

	// SeverityError rejects the task.
	SeverityError Severity = "error"

	// SeverityCritical rejects the task.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects a task.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is an admission rule written in Rego. The module must define a
// `deny` set whose members are strings or objects with a message and an
// optional severity.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description,omitempty"`

	// Rego contains the policy module source.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy against one input.
type Decision struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings holds non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	Task      TaskInput `json:"task"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskInput describes the task being admitted.
type TaskInput struct {
	ID       string         `json:"id"`
	Program  string         `json:"program"`
	Step     string         `json:"step"`
	Params   map[string]any `json:"params"`
	ParentID string         `json:"parent_id,omitempty"`

	// ReadyInSeconds is how far in the future the task first becomes ready.
	ReadyInSeconds int64 `json:"ready_in_seconds"`
}

// NewInput builds the admission input of a task about to be created.
func NewInput(task *engine.Task, now time.Time) (*Input, error) {
	in := &Input{
		Task: TaskInput{
			ID:             task.ID.String(),
			Program:        task.Program,
			Step:           task.Step,
			Params:         map[string]any{},
			ReadyInSeconds: int64(task.ReadyAt.Sub(now) / time.Second),
		},
		Operation: "create",
		Timestamp: now,
	}
	if task.ParentID != nil {
		in.Task.ParentID = task.ParentID.String()
	}
	if len(task.Stack) > 0 {
		for key, raw := range task.Stack[0].Params {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("failed to decode parameter %s: %w", key, err)
			}
			in.Task.Params[key] = v
		}
	}
	return in, nil
}

// document converts the input to the plain JSON value tree Rego evaluates.
func (in *Input) document() (map[string]any, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}
