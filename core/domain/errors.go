package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrWorkflowNotFound is returned when a workflow id has no status row.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrDuplicateOperation signals that a guard row for (workflow, function)
	// already exists. The caller re-runs the step to hit the replay branch.
	ErrDuplicateOperation = errors.New("duplicate operation record")

	// ErrNoRecordedOutcome is returned by replay-mode lookups that found
	// nothing in the operation log.
	ErrNoRecordedOutcome = errors.New("no recorded outcome")
)

// NotRegisteredError indicates a workflow, transaction, or step name that was
// never registered. This is a programming bug surfaced synchronously at start.
type NotRegisteredError struct {
	Kind string
	Name string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("%s %q is not registered", e.Kind, e.Name)
}

// ConflictError indicates a duplicate (workflow, function) record whose
// payload diverges from the one being written, or duplicate workflow ids
// started with different inputs.
type ConflictError struct {
	WorkflowID string
	FunctionID int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting record for workflow %s function %d", e.WorkflowID, e.FunctionID)
}

// RetriesExceededError is recorded when a step exhausts its retry budget.
// Cause carries the last attempt's error. Message is set when the error was
// rehydrated from the log, so the recorded text survives a replay verbatim.
type RetriesExceededError struct {
	StepName    string
	MaxAttempts int
	Cause       error
	Message     string
}

func (e *RetriesExceededError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("step %q exceeded maximum of %d attempts: %v", e.StepName, e.MaxAttempts, e.Cause)
}

func (e *RetriesExceededError) Unwrap() error { return e.Cause }

// CancelledError indicates external cancellation of a workflow. It is never
// written to the operation log.
type CancelledError struct {
	WorkflowID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("workflow %s was cancelled", e.WorkflowID)
}

// DebuggerError indicates that replay mode found no recorded outcome for a
// step. Terminal and never recorded.
type DebuggerError struct {
	WorkflowID string
	FunctionID int
}

func (e *DebuggerError) Error() string {
	return fmt.Sprintf("replay of workflow %s found no recorded outcome for function %d", e.WorkflowID, e.FunctionID)
}

// EventAlreadySetError indicates a second, distinct setEvent for the same
// (workflow, key). The first write wins.
type EventAlreadySetError struct {
	WorkflowID string
	Key        string
}

func (e *EventAlreadySetError) Error() string {
	return fmt.Sprintf("event %q already set for workflow %s", e.Key, e.WorkflowID)
}

// SystemDatabaseError wraps a connection or schema failure against the system
// database. Fatal to the executor.
type SystemDatabaseError struct {
	Op  string
	Err error
}

func (e *SystemDatabaseError) Error() string {
	return fmt.Sprintf("system database: %s: %v", e.Op, e.Err)
}

func (e *SystemDatabaseError) Unwrap() error { return e.Err }
