package execution

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sylvester-francis/everflow/core/domain"
	"github.com/sylvester-francis/everflow/core/ports"
	"github.com/sylvester-francis/everflow/internal/sysdb"
)

// wfContext is the per-instance workflow context. It owns the monotonic
// function id counter: every step entry point draws the next id in the order
// the workflow code issues calls, which is what lets a replay line recorded
// outcomes back up with their call sites.
type wfContext struct {
	context.Context

	exec       *Executor
	workflowID string
	functionID int
	debug      bool
}

var _ ports.WorkflowContext = (*wfContext)(nil)

func newWorkflowContext(ctx context.Context, exec *Executor, workflowID string, debug bool) *wfContext {
	return &wfContext{Context: ctx, exec: exec, workflowID: workflowID, debug: debug}
}

func (c *wfContext) WorkflowID() string { return c.workflowID }

// nextFunctionID assigns the 0-based id for the step being entered.
func (c *wfContext) nextFunctionID() int {
	id := c.functionID
	c.functionID++
	return id
}

// checkCancelled aborts the step before it draws any effect.
func (c *wfContext) checkCancelled() error {
	if c.Err() != nil {
		return &domain.CancelledError{WorkflowID: c.workflowID}
	}
	return nil
}

// InvokeWorkflow starts a child workflow. The child id derives from the
// parent id and the parent's step position, so a replaying parent re-attaches
// to the same child instead of spawning another.
func (c *wfContext) InvokeWorkflow(name string, input json.RawMessage) (ports.WorkflowHandle, error) {
	if err := c.checkCancelled(); err != nil {
		return nil, err
	}
	functionID := c.nextFunctionID()
	childID := c.workflowID + "-" + strconv.Itoa(functionID)
	return c.exec.StartWorkflow(c.Context, name, StartOptions{WorkflowID: childID}, input)
}

// Send appends a message to the destination workflow's topic queue. Replays
// hit the recorded operation and do not send twice.
func (c *wfContext) Send(destinationID, topic string, message json.RawMessage) error {
	if err := c.checkCancelled(); err != nil {
		return err
	}
	functionID := c.nextFunctionID()
	if c.debug {
		if err := c.requireRecorded(functionID); err != nil {
			return err
		}
	}
	return c.exec.store.Send(c.Context, c.workflowID, functionID, destinationID, topic, string(message))
}

// Recv consumes the oldest message on topic, waiting up to timeout. Returns
// nil on timeout.
func (c *wfContext) Recv(topic string, timeout time.Duration) (json.RawMessage, error) {
	if err := c.checkCancelled(); err != nil {
		return nil, err
	}
	functionID := c.nextFunctionID()
	if c.debug {
		if err := c.requireRecorded(functionID); err != nil {
			return nil, err
		}
	}
	msg, err := c.exec.store.Recv(c.Context, c.workflowID, functionID, topic, timeout)
	if err != nil {
		return nil, err
	}
	return rawOrNil(msg), nil
}

// SetEvent publishes an immutable keyed value for this workflow.
func (c *wfContext) SetEvent(key string, value json.RawMessage) error {
	if err := c.checkCancelled(); err != nil {
		return err
	}
	functionID := c.nextFunctionID()
	if c.debug {
		if err := c.requireRecorded(functionID); err != nil {
			return err
		}
	}
	return c.exec.store.SetEvent(c.Context, c.workflowID, functionID, key, string(value))
}

// GetEvent reads targetID's value under key, waiting up to timeout. The
// result is recorded under this workflow's step for replay.
func (c *wfContext) GetEvent(targetID, key string, timeout time.Duration) (json.RawMessage, error) {
	if err := c.checkCancelled(); err != nil {
		return nil, err
	}
	functionID := c.nextFunctionID()
	if c.debug {
		if err := c.requireRecorded(functionID); err != nil {
			return nil, err
		}
	}
	caller := &sysdb.EventCaller{WorkflowID: c.workflowID, FunctionID: functionID}
	value, err := c.exec.store.GetEvent(c.Context, targetID, key, timeout, caller)
	if err != nil {
		return nil, err
	}
	return rawOrNil(value), nil
}

// Sleep suspends the workflow durably. The wake deadline is recorded on
// first execution, so a replay sleeps only the remainder.
func (c *wfContext) Sleep(d time.Duration) error {
	if err := c.checkCancelled(); err != nil {
		return err
	}
	functionID := c.nextFunctionID()

	recorded, err := c.exec.store.CheckOperationOutput(c.Context, c.workflowID, functionID)
	if err != nil {
		return err
	}

	var deadline time.Time
	switch {
	case recorded != nil && recorded.Output != nil:
		millis, perr := strconv.ParseInt(*recorded.Output, 10, 64)
		if perr != nil {
			return &domain.SystemDatabaseError{Op: "decode sleep deadline", Err: perr}
		}
		deadline = time.UnixMilli(millis)
	case c.debug:
		return &domain.DebuggerError{WorkflowID: c.workflowID, FunctionID: functionID}
	default:
		deadline = c.exec.clock.Now().Add(d)
		out := strconv.FormatInt(deadline.UnixMilli(), 10)
		if err := c.exec.store.RecordOperationOutput(c.Context, c.workflowID, functionID, &out); err != nil {
			return err
		}
	}

	remaining := deadline.Sub(c.exec.clock.Now())
	if remaining <= 0 {
		return nil
	}
	select {
	case <-c.Done():
		return &domain.CancelledError{WorkflowID: c.workflowID}
	case <-c.exec.clock.After(remaining):
		return nil
	}
}

// requireRecorded enforces replay mode: the step must have a recorded
// outcome.
func (c *wfContext) requireRecorded(functionID int) error {
	recorded, err := c.exec.store.CheckOperationOutput(c.Context, c.workflowID, functionID)
	if err != nil {
		return err
	}
	if recorded == nil {
		return &domain.DebuggerError{WorkflowID: c.workflowID, FunctionID: functionID}
	}
	return nil
}

func rawOrNil(s *string) json.RawMessage {
	if s == nil {
		return nil
	}
	return json.RawMessage(*s)
}

// txContext is handed to transaction functions.
type txContext struct {
	context.Context

	workflowID string
	functionID int
	tx         pgx.Tx
}

var _ ports.TransactionContext = (*txContext)(nil)

func (c *txContext) WorkflowID() string { return c.workflowID }
func (c *txContext) FunctionID() int    { return c.functionID }
func (c *txContext) Tx() pgx.Tx         { return c.tx }

// stepContext is handed to step functions.
type stepContext struct {
	context.Context

	workflowID string
	attempt    int
}

var _ ports.StepContext = (*stepContext)(nil)

func (c *stepContext) WorkflowID() string { return c.workflowID }
func (c *stepContext) Attempt() int       { return c.attempt }
