package execution

import (
	"context"
	"encoding/json"

	"github.com/sylvester-francis/everflow/core/domain"
	"github.com/sylvester-francis/everflow/core/ports"
)

// workflowHandle refers to a workflow instance through the system database,
// so it works whether the instance runs in this process or another.
type workflowHandle struct {
	exec       *Executor
	workflowID string
}

var _ ports.WorkflowHandle = (*workflowHandle)(nil)

func (h *workflowHandle) ID() string { return h.workflowID }

func (h *workflowHandle) GetStatus(ctx context.Context) (*domain.WorkflowStatusRow, error) {
	row, err := h.exec.store.GetWorkflowStatus(ctx, h.workflowID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, domain.ErrWorkflowNotFound
	}
	return row, nil
}

// GetResult blocks until the workflow is terminal. Called with a workflow's
// own context, the result is consumed as a step of the caller and recorded,
// so a replaying parent observes the same child outcome without waiting.
func (h *workflowHandle) GetResult(ctx context.Context) (json.RawMessage, error) {
	if wc, ok := ctx.(*wfContext); ok {
		return wc.recordedResult(h.workflowID)
	}
	out, err := h.exec.store.GetWorkflowResult(ctx, h.workflowID)
	if err != nil {
		return nil, err
	}
	return rawOrNil(out), nil
}

// recordedResult awaits another workflow's result as a recorded step of this
// workflow.
func (c *wfContext) recordedResult(targetID string) (json.RawMessage, error) {
	if err := c.checkCancelled(); err != nil {
		return nil, err
	}
	functionID := c.nextFunctionID()

	recorded, err := c.exec.store.CheckOperationOutput(c.Context, c.workflowID, functionID)
	if err != nil {
		return nil, err
	}
	if recorded != nil {
		if recorded.Error != nil {
			return nil, domain.DecodeError(*recorded.Error)
		}
		return rawOrNil(recorded.Output), nil
	}
	if c.debug {
		return nil, &domain.DebuggerError{WorkflowID: c.workflowID, FunctionID: functionID}
	}

	out, resErr := c.exec.store.GetWorkflowResult(c.Context, targetID)
	switch {
	case resErr == nil:
		if err := c.exec.store.RecordOperationOutput(c.Context, c.workflowID, functionID, out); err != nil {
			return nil, err
		}
		return rawOrNil(out), nil
	case c.Err() != nil:
		return nil, &domain.CancelledError{WorkflowID: c.workflowID}
	default:
		envelope := domain.EncodeError(resErr)
		if err := c.exec.store.RecordOperationError(c.Context, c.workflowID, functionID, envelope); err != nil {
			return nil, err
		}
		return nil, resErr
	}
}
