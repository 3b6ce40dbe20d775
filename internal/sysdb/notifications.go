package sysdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sylvester-francis/everflow/core/domain"
)

// Send appends a message to the destination's (topic) queue and records the
// sender's operation output in the same transaction. A replayed send finds
// its record and becomes a no-op; the schema trigger NOTIFYs waiters on
// commit.
func (d *DB) Send(ctx context.Context, sourceID string, functionID int, destinationID, topic, message string) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return &domain.SystemDatabaseError{Op: "send", Err: err}
	}
	defer tx.Rollback(ctx)

	recorded, err := checkOperationOutput(ctx, tx, sourceID, functionID)
	if err != nil {
		return err
	}
	if recorded != nil {
		return nil
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM dbos.workflow_status WHERE workflow_uuid = $1)`,
		destinationID,
	).Scan(&exists)
	if err != nil {
		return &domain.SystemDatabaseError{Op: "send", Err: err}
	}
	if !exists {
		return domain.ErrWorkflowNotFound
	}

	now := d.nowMillis()
	_, err = tx.Exec(ctx, `
		INSERT INTO dbos.notifications (message_uuid, destination_uuid, topic, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), destinationID, topic, message, now,
	)
	if err != nil {
		return &domain.SystemDatabaseError{Op: "send", Err: err}
	}

	if err := recordOperationResult(ctx, tx, sourceID, functionID, nil, nil, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &domain.SystemDatabaseError{Op: "send", Err: err}
	}
	return nil
}

// Recv consumes the oldest message for (workflow, topic), waiting up to
// timeout. The consumed payload is recorded with the delete in one
// transaction, so a replay returns the same message without consuming
// another. Returns nil on timeout, which is recorded too.
func (d *DB) Recv(ctx context.Context, workflowID string, functionID int, topic string, timeout time.Duration) (*string, error) {
	recorded, err := d.CheckOperationOutput(ctx, workflowID, functionID)
	if err != nil {
		return nil, err
	}
	if recorded != nil {
		if recorded.Error != nil {
			return nil, domain.DecodeError(*recorded.Error)
		}
		return recorded.Output, nil
	}

	deadline := d.clock.Now().Add(timeout)
	payload := workflowID + "::" + topic

	for {
		// Subscribe before the SELECT so a message that lands between the
		// two is not lost.
		wakeCh, cancel := d.subscribe(notificationsChannel, payload)

		msg, found, err := d.consumeNotification(ctx, workflowID, functionID, topic)
		if err != nil {
			cancel()
			return nil, err
		}
		if found {
			cancel()
			return &msg, nil
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

	if err := d.RecordOperationOutput(ctx, workflowID, functionID, nil); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *DB) consumeNotification(ctx context.Context, workflowID string, functionID int, topic string) (string, bool, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return "", false, &domain.SystemDatabaseError{Op: "recv", Err: err}
	}
	defer tx.Rollback(ctx)

	var messageID, message string
	err = tx.QueryRow(ctx, `
		SELECT message_uuid, message FROM dbos.notifications
		WHERE destination_uuid = $1 AND topic = $2
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		workflowID, topic,
	).Scan(&messageID, &message)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, &domain.SystemDatabaseError{Op: "recv", Err: err}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM dbos.notifications WHERE message_uuid = $1`, messageID); err != nil {
		return "", false, &domain.SystemDatabaseError{Op: "recv", Err: err}
	}
	if err := recordOperationResult(ctx, tx, workflowID, functionID, &message, nil, d.nowMillis()); err != nil {
		return "", false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, &domain.SystemDatabaseError{Op: "recv", Err: err}
	}
	return message, true, nil
}
