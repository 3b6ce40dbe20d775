package sysdb

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sylvester-francis/everflow/core/domain"
)

// EventCaller identifies the workflow step a GetEvent result is recorded
// under, so the calling workflow replays the same value.
type EventCaller struct {
	WorkflowID string
	FunctionID int
}

// SetEvent publishes an immutable keyed value for a workflow. The first write
// wins; a replay of the same write succeeds silently; a distinct second write
// fails. The schema trigger NOTIFYs waiters on commit.
func (d *DB) SetEvent(ctx context.Context, workflowID string, functionID int, key, value string) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return &domain.SystemDatabaseError{Op: "set event", Err: err}
	}
	defer tx.Rollback(ctx)

	recorded, err := checkOperationOutput(ctx, tx, workflowID, functionID)
	if err != nil {
		return err
	}
	if recorded != nil {
		if recorded.Error != nil {
			return domain.DecodeError(*recorded.Error)
		}
		return nil
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO dbos.workflow_events (workflow_uuid, key, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (workflow_uuid, key) DO NOTHING`,
		workflowID, key, value,
	)
	if err != nil {
		return &domain.SystemDatabaseError{Op: "set event", Err: err}
	}
	if tag.RowsAffected() == 0 {
		var existing string
		err := tx.QueryRow(ctx,
			`SELECT value FROM dbos.workflow_events WHERE workflow_uuid = $1 AND key = $2`,
			workflowID, key,
		).Scan(&existing)
		if err != nil {
			return &domain.SystemDatabaseError{Op: "set event", Err: err}
		}
		if existing != value {
			return &domain.EventAlreadySetError{WorkflowID: workflowID, Key: key}
		}
	}

	if err := recordOperationResult(ctx, tx, workflowID, functionID, &value, nil, d.nowMillis()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &domain.SystemDatabaseError{Op: "set event", Err: err}
	}
	return nil
}

// GetEvent reads the value published by targetID under key, waiting up to
// timeout. When caller is non-nil the result is recorded under the caller's
// step for idempotent replay. Returns nil on timeout.
func (d *DB) GetEvent(ctx context.Context, targetID, key string, timeout time.Duration, caller *EventCaller) (*string, error) {
	if caller != nil {
		recorded, err := d.CheckOperationOutput(ctx, caller.WorkflowID, caller.FunctionID)
		if err != nil {
			return nil, err
		}
		if recorded != nil {
			if recorded.Error != nil {
				return nil, domain.DecodeError(*recorded.Error)
			}
			return recorded.Output, nil
		}
	}

	deadline := d.clock.Now().Add(timeout)
	payload := targetID + "::" + key

	var value *string
	for {
		wakeCh, cancel := d.subscribe(workflowEventsChannel, payload)

		var v string
		err := d.pool.QueryRow(ctx,
			`SELECT value FROM dbos.workflow_events WHERE workflow_uuid = $1 AND key = $2`,
			targetID, key,
		).Scan(&v)
		switch {
		case err == nil:
			cancel()
			value = &v
		case err == pgx.ErrNoRows:
			// keep waiting
		default:
			cancel()
			return nil, &domain.SystemDatabaseError{Op: "get event", Err: err}
		}
		if value != nil {
			break
		}

		remaining := deadline.Sub(d.clock.Now())
		if remaining <= 0 {
			cancel()
			break
		}

		select {
		case <-ctx.Done():
			cancel()
			return nil, ctx.Err()
		case <-wakeCh:
			cancel()
		case <-d.clock.After(remaining):
			cancel()
		}
	}

	if caller != nil {
		if err := d.RecordOperationOutput(ctx, caller.WorkflowID, caller.FunctionID, value); err != nil {
			return nil, err
		}
	}
	return value, nil
}
