package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sylvester-francis/everflow/core/domain"
)

// WorkflowContext is handed to every workflow function. It embeds the task's
// cancellation context and exposes the step entry points; every method that
// consumes a step consults the durable log before running anything.
//
// Workflow code must issue these calls in a stable order across replays and
// must not read nondeterministic state (clock, random, external data) except
// through a recorded step.
type WorkflowContext interface {
	context.Context

	// WorkflowID returns the durable identifier of this workflow instance.
	WorkflowID() string

	// RunTransaction executes a registered transaction function with
	// exactly-once semantics against the user database.
	RunTransaction(name string, input json.RawMessage) (json.RawMessage, error)

	// RunStep executes a registered step function with at-least-once,
	// bounded-retry semantics.
	RunStep(name string, input json.RawMessage) (json.RawMessage, error)

	// InvokeWorkflow starts a child workflow whose id derives
	// deterministically from this workflow's id and step position.
	InvokeWorkflow(name string, input json.RawMessage) (WorkflowHandle, error)

	// Send appends a message to the destination workflow's (topic) queue.
	Send(destinationID, topic string, message json.RawMessage) error

	// Recv consumes the oldest message for (this workflow, topic), waiting up
	// to timeout. Returns nil with no error on timeout.
	Recv(topic string, timeout time.Duration) (json.RawMessage, error)

	// SetEvent publishes an immutable keyed value for this workflow.
	SetEvent(key string, value json.RawMessage) error

	// GetEvent reads a keyed value published by another workflow, waiting up
	// to timeout. Returns nil with no error on timeout.
	GetEvent(targetID, key string, timeout time.Duration) (json.RawMessage, error)

	// Sleep suspends the workflow durably; replays sleep only the remainder.
	Sleep(d time.Duration) error
}

// TransactionContext is handed to transaction functions. Tx is the open user
// database transaction the step's effects must stay inside.
type TransactionContext interface {
	context.Context

	WorkflowID() string
	FunctionID() int
	Tx() pgx.Tx
}

// StepContext is handed to step functions. Attempt is 0-based and increments
// across retries of the same step.
type StepContext interface {
	context.Context

	WorkflowID() string
	Attempt() int
}

// WorkflowFunc is a registered workflow body.
type WorkflowFunc func(ctx WorkflowContext, input json.RawMessage) (json.RawMessage, error)

// TransactionFunc is a registered transactional step body.
type TransactionFunc func(ctx TransactionContext, input json.RawMessage) (json.RawMessage, error)

// StepFunc is a registered non-transactional step body.
type StepFunc func(ctx StepContext, input json.RawMessage) (json.RawMessage, error)

// WorkflowHandle refers to a workflow instance, running or finished.
type WorkflowHandle interface {
	// ID returns the workflow's durable identifier.
	ID() string

	// GetStatus reads the workflow's current status row.
	GetStatus(ctx context.Context) (*domain.WorkflowStatusRow, error)

	// GetResult blocks until the workflow is terminal, then returns its
	// output or rehydrates its recorded error. When ctx is a WorkflowContext,
	// the result is itself recorded so the calling workflow replays it.
	GetResult(ctx context.Context) (json.RawMessage, error)
}

// ScheduledInput is the input document every cron-scheduled workflow receives.
type ScheduledInput struct {
	ScheduledTime   time.Time `json:"scheduled_time"`
	ActualStartTime time.Time `json:"actual_start_time"`
}
