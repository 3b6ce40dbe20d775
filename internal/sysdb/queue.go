package sysdb

import (
	"context"
	"time"

	"github.com/sylvester-francis/everflow/core/domain"
)

// RateLimit bounds queue admissions to Limit starts per Period.
type RateLimit struct {
	Limit  int
	Period time.Duration
}

// EnqueueWorkflow appends a workflow to a named queue. Re-enqueueing the same
// workflow is a no-op.
func (d *DB) EnqueueWorkflow(ctx context.Context, workflowID, queueName string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO dbos.workflow_queue (workflow_uuid, queue_name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (workflow_uuid) DO NOTHING`,
		workflowID, queueName, d.nowMillis(),
	)
	if err != nil {
		return &domain.SystemDatabaseError{Op: "enqueue workflow", Err: err}
	}
	return nil
}

// StartQueuedWorkflows admits ready entries of a queue under its concurrency
// bound and optional rate limit, marks them started, and returns their ids in
// FIFO order. An advisory lock serializes pumps of the same queue across
// processes.
func (d *DB) StartQueuedWorkflows(ctx context.Context, queueName string, concurrency int, rate *RateLimit) ([]string, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, &domain.SystemDatabaseError{Op: "start queued workflows", Err: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('dbos.workflow_queue'), hashtext($1))`, queueName); err != nil {
		return nil, &domain.SystemDatabaseError{Op: "start queued workflows", Err: err}
	}

	slots := concurrency
	if concurrency > 0 {
		var running int
		err := tx.QueryRow(ctx, `
			SELECT count(*) FROM dbos.workflow_queue
			WHERE queue_name = $1 AND started_at IS NOT NULL AND completed_at IS NULL`,
			queueName,
		).Scan(&running)
		if err != nil {
			return nil, &domain.SystemDatabaseError{Op: "start queued workflows", Err: err}
		}
		slots = concurrency - running
	}
	if rate != nil && rate.Limit > 0 {
		since := d.clock.Now().Add(-rate.Period).UnixMilli()
		var recent int
		err := tx.QueryRow(ctx, `
			SELECT count(*) FROM dbos.workflow_queue
			WHERE queue_name = $1 AND started_at IS NOT NULL AND started_at >= $2`,
			queueName, since,
		).Scan(&recent)
		if err != nil {
			return nil, &domain.SystemDatabaseError{Op: "start queued workflows", Err: err}
		}
		if allowed := rate.Limit - recent; concurrency <= 0 || allowed < slots {
			slots = allowed
		}
	}
	if concurrency <= 0 && rate == nil {
		slots = 100
	}
	if slots <= 0 {
		return nil, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT workflow_uuid FROM dbos.workflow_queue
		WHERE queue_name = $1 AND started_at IS NULL
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		queueName, slots,
	)
	if err != nil {
		return nil, &domain.SystemDatabaseError{Op: "start queued workflows", Err: err}
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, &domain.SystemDatabaseError{Op: "start queued workflows", Err: err}
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &domain.SystemDatabaseError{Op: "start queued workflows", Err: err}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE dbos.workflow_queue SET started_at = $2 WHERE workflow_uuid = ANY($1)`,
		ids, d.nowMillis(),
	); err != nil {
		return nil, &domain.SystemDatabaseError{Op: "start queued workflows", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &domain.SystemDatabaseError{Op: "start queued workflows", Err: err}
	}
	return ids, nil
}

// CompleteQueueEntry marks a queue entry finished, releasing its concurrency
// slot.
func (d *DB) CompleteQueueEntry(ctx context.Context, workflowID string) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE dbos.workflow_queue SET completed_at = $2
		WHERE workflow_uuid = $1 AND completed_at IS NULL`,
		workflowID, d.nowMillis(),
	)
	if err != nil {
		return &domain.SystemDatabaseError{Op: "complete queue entry", Err: err}
	}
	return nil
}
