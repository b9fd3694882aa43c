// Package engine implements the plan execution engine: dependency resolution,
// task execution, verification, scheduling, rollback, and progress reporting.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an engine error for halt/retry decisions.
type ErrorClass string

const (
	// ErrorClassParse indicates a malformed plan document. Fatal; execution
	// never starts.
	ErrorClassParse ErrorClass = "parse"

	// ErrorClassCycle indicates a circular dependency. Fatal; execution never
	// starts.
	ErrorClassCycle ErrorClass = "cycle"

	// ErrorClassExecution indicates an effect that could not be applied at
	// all. The task fails immediately with no retry.
	ErrorClassExecution ErrorClass = "execution"

	// ErrorClassVerification indicates a failing verification command. The
	// only retryable class.
	ErrorClassVerification ErrorClass = "verification"

	// ErrorClassScope indicates the executor was asked to write outside the
	// task's declared targets. Always fatal, never retried.
	ErrorClassScope ErrorClass = "scope"

	// ErrorClassInternal indicates a defect in the engine itself.
	ErrorClassInternal ErrorClass = "internal"
)

// Error is a classified engine error with task context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass

	// Message is the human-readable error message.
	Message string

	// TaskID is the task that caused the error, if applicable.
	TaskID string

	// Phase is the phase the error occurred in, if applicable.
	Phase string

	// Output holds diagnostic command output, if any.
	Output string

	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.TaskID != "" {
		msg += fmt.Sprintf(" (task=%s)", e.TaskID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements class-based equality for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewParseError wraps a document-level structural error.
func NewParseError(message string, err error) *Error {
	return &Error{Class: ErrorClassParse, Message: message, Err: err}
}

// NewCycleError reports a circular dependency.
func NewCycleError(message string, err error) *Error {
	return &Error{Class: ErrorClassCycle, Message: message, Err: err}
}

// NewExecutionError reports an effect that could not be applied.
func NewExecutionError(message string, err error) *Error {
	return &Error{Class: ErrorClassExecution, Message: message, Err: err}
}

// NewVerificationError reports a failing verification.
func NewVerificationError(message string, err error) *Error {
	return &Error{Class: ErrorClassVerification, Message: message, Err: err}
}

// NewScopeViolation reports an attempt to touch resources outside the task's
// declared targets.
func NewScopeViolation(message string, err error) *Error {
	return &Error{Class: ErrorClassScope, Message: message, Err: err}
}

// NewInternalError reports an engine defect.
func NewInternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassInternal, Message: message, Err: err}
}

// WithTask adds task context to the error.
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = taskID
	return e
}

// WithPhase adds phase context to the error.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// WithOutput attaches diagnostic command output to the error.
func (e *Error) WithOutput(output string) *Error {
	e.Output = output
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsParse returns true for document-level structural errors.
func IsParse(err error) bool { return hasClass(err, ErrorClassParse) }

// IsCycle returns true for circular dependency errors.
func IsCycle(err error) bool { return hasClass(err, ErrorClassCycle) }

// IsExecution returns true for effect application errors.
func IsExecution(err error) bool { return hasClass(err, ErrorClassExecution) }

// IsVerification returns true for verification failures.
func IsVerification(err error) bool { return hasClass(err, ErrorClassVerification) }

// IsScopeViolation returns true for target scope contract breaches.
func IsScopeViolation(err error) bool { return hasClass(err, ErrorClassScope) }

// IsStructural returns true for errors that must abort before any task runs.
func IsStructural(err error) bool { return IsParse(err) || IsCycle(err) }

// Retryable returns true if the error may be retried. Retries are reserved
// for verification failures; a broken effect rarely self-heals.
func Retryable(err error) bool { return IsVerification(err) }
