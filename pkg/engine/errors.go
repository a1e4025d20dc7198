package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a step failure that is retried on the next poll.
	// Examples: external API timeouts, network errors.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassDeadline indicates a task did not reach its deadline target in time.
	ErrorClassDeadline ErrorClass = "deadline"

	// ErrorClassProgramming indicates a defect in workflow code. Never retried.
	// Examples: unknown program or step, a step returning no directive.
	ErrorClassProgramming ErrorClass = "programming"

	// ErrorClassValidation indicates invalid input rejected before anything is persisted.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassConflict indicates a lost race with another worker.
	ErrorClassConflict ErrorClass = "conflict"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Task is the id of the task that caused the error, if applicable.
	Task string `json:"task,omitempty"`

	// Operation is the program:step being executed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Task != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (task=%s, operation=%s)", msg, e.Task, e.Operation)
	} else if e.Task != "" {
		msg = fmt.Sprintf("%s (task=%s)", msg, e.Task)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewProgrammingError creates a new programming error.
func NewProgrammingError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassProgramming, Message: message, Err: err}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// WithTask adds task context to an error.
func (e *EngineError) WithTask(taskID string) *EngineError {
	e.Task = taskID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// DeadlineExceededError is raised by the engine instead of running a step when
// a registered deadline passed before the task reached its target step.
type DeadlineExceededError struct {
	Program    string
	Step       string
	Target     string
	DeadlineAt time.Time
	Now        time.Time
}

// Error implements the error interface.
func (e *DeadlineExceededError) Error() string {
	target := e.Target
	if target == "" {
		target = "<exit>"
	}
	return fmt.Sprintf("deadline exceeded: %s:%s did not reach %s by %s (late by %s)",
		e.Program, e.Step, target, e.DeadlineAt.UTC().Format(time.RFC3339), e.Now.Sub(e.DeadlineAt).Round(time.Second))
}

// Class returns ErrorClassDeadline.
func (e *DeadlineExceededError) Class() ErrorClass {
	return ErrorClassDeadline
}

// ErrLeaseLost is returned when a worker tries to commit a step for a task
// whose lease has been taken over by another worker.
var ErrLeaseLost = NewConflictError("task lease lost", nil).WithCode(ErrCodeLeaseLost)

// ErrTaskNotFound is returned by stores when a task does not exist.
var ErrTaskNotFound = errors.New("task not found")

// IsTransient returns true if the error is classified as transient.
// Unclassified errors raised by step code are transient.
func IsTransient(err error) bool {
	if err == nil || IsDeadlineExceeded(err) {
		return false
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return true
}

// IsDeadlineExceeded returns true if err is a deadline-exceeded failure.
func IsDeadlineExceeded(err error) bool {
	var e *DeadlineExceededError
	return errors.As(err, &e)
}

// IsProgramming returns true if the error is classified as a programming error.
func IsProgramming(err error) bool {
	return hasClass(err, ErrorClassProgramming)
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return hasClass(err, ErrorClassValidation)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Classify returns the class of err as used for logs and metrics.
func Classify(err error) ErrorClass {
	if IsDeadlineExceeded(err) {
		return ErrorClassDeadline
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassTransient
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeUnknownProgram    = "UNKNOWN_PROGRAM"
	ErrCodeUnknownStep       = "UNKNOWN_STEP"
	ErrCodeUnknownSignal     = "UNKNOWN_SIGNAL"
	ErrCodeNoDirective       = "NO_DIRECTIVE"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeExitFromChild     = "EXIT_FROM_CHILD"
	ErrCodeEmptyStack        = "EMPTY_STACK"
	ErrCodeLeaseLost         = "LEASE_LOST"
	ErrCodePanic             = "PANIC"
	ErrCodeSubject           = "SUBJECT_RESOLUTION"
	ErrCodeDenied            = "ADMISSION_DENIED"
)
