package sched

import (
	"errors"
	"fmt"
)

var (
	// ErrResourcesExhausted is returned when a task's declared hints can
	// never fit the run's total budget.
	ErrResourcesExhausted = errors.New("declared resources exceed the total budget")

	// ErrMissingInput is returned when the caller omits a required
	// exposed input.
	ErrMissingInput = errors.New("required input not supplied")
)

// ExecutionFailure reports that one task's capability returned
// non-success at run time. It carries the failing task's identity and
// the capability's diagnostic output; it is local to the task, and the
// scheduler skips only the task's transitive dependents.
type ExecutionFailure struct {
	// Task is the qualified name of the failing task
	Task string
	// Diagnostic is the capability's diagnostic output
	Diagnostic string
	// Err is the underlying error
	Err error
}

func (e *ExecutionFailure) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("execution failure: task '%s': %v: %s", e.Task, e.Err, e.Diagnostic)
	}
	return fmt.Sprintf("execution failure: task '%s': %v", e.Task, e.Err)
}

func (e *ExecutionFailure) Unwrap() error {
	return e.Err
}

// NewExecutionFailure creates a new ExecutionFailure
func NewExecutionFailure(task, diagnostic string, err error) error {
	return &ExecutionFailure{Task: task, Diagnostic: diagnostic, Err: err}
}
