package execution

import (
	"encoding/json"
	"math"
	"time"

	"github.com/sylvester-francis/everflow/core/domain"
)

// RunStep executes a registered step function for a retriable external side
// effect. The recorded outcome is consulted first; otherwise the body runs up
// to max_attempts times with exponential backoff between attempts (no sleep
// before the first attempt, none after the last failure), and the final
// outcome — success or RetriesExceeded — is recorded.
func (c *wfContext) RunStep(name string, input json.RawMessage) (json.RawMessage, error) {
	if err := c.checkCancelled(); err != nil {
		return nil, err
	}
	functionID := c.nextFunctionID()

	step, err := c.exec.registry.Step(name)
	if err != nil {
		return nil, err
	}
	cfg := step.Config

	recorded, err := c.exec.store.CheckOperationOutput(c.Context, c.workflowID, functionID)
	if err != nil {
		return nil, err
	}
	if recorded != nil {
		c.exec.metrics.StepReplayed(name)
		if recorded.Error != nil {
			return nil, domain.DecodeError(*recorded.Error)
		}
		return rawOrNil(recorded.Output), nil
	}
	if c.debug {
		return nil, &domain.DebuggerError{WorkflowID: c.workflowID, FunctionID: functionID}
	}

	maxAttempts := cfg.MaxAttempts
	if !cfg.RetriesAllowed {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(cfg.Interval) * math.Pow(cfg.BackoffRate, float64(attempt-1)))
			select {
			case <-c.Done():
				// Cancellation is external; nothing is recorded.
				return nil, &domain.CancelledError{WorkflowID: c.workflowID}
			case <-c.exec.clock.After(delay):
			}
			c.exec.metrics.StepRetried(name)
		}

		output, err := step.Fn(&stepContext{Context: c.Context, workflowID: c.workflowID, attempt: attempt}, input)
		if err == nil {
			if rerr := c.exec.store.RecordOperationOutput(c.Context, c.workflowID, functionID, stringPtr(output)); rerr != nil {
				return nil, rerr
			}
			c.exec.metrics.StepExecuted(name)
			return output, nil
		}
		if c.Err() != nil {
			return nil, &domain.CancelledError{WorkflowID: c.workflowID}
		}
		lastErr = err
	}

	if !cfg.RetriesAllowed {
		if rerr := c.exec.store.RecordOperationError(c.Context, c.workflowID, functionID, domain.EncodeError(lastErr)); rerr != nil {
			return nil, rerr
		}
		return nil, lastErr
	}

	exceeded := &domain.RetriesExceededError{StepName: name, MaxAttempts: maxAttempts, Cause: lastErr}
	if rerr := c.exec.store.RecordOperationError(c.Context, c.workflowID, functionID, domain.EncodeError(exceeded)); rerr != nil {
		return nil, rerr
	}
	return nil, exceeded
}
