package sysdb

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sylvester-francis/everflow/core/domain"
)

// RecordHeartbeat upserts the executor's liveness timestamp.
func (d *DB) RecordHeartbeat(ctx context.Context, executorID string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO dbos.executor_heartbeats (executor_id, last_heartbeat)
		VALUES ($1, $2)
		ON CONFLICT (executor_id) DO UPDATE SET last_heartbeat = EXCLUDED.last_heartbeat`,
		executorID, d.nowMillis(),
	)
	if err != nil {
		return &domain.SystemDatabaseError{Op: "record heartbeat", Err: err}
	}
	return nil
}

// PendingWorkflows enumerates PENDING workflows owned by this executor (stale
// from a previous run) or by executors whose heartbeat is older than ttl.
func (d *DB) PendingWorkflows(ctx context.Context, executorID string, ttl time.Duration) ([]*domain.WorkflowStatusRow, error) {
	cutoff := d.clock.Now().Add(-ttl).UnixMilli()
	rows, err := d.pool.Query(ctx, `
		SELECT `+workflowStatusColumns+` FROM dbos.workflow_status w
		WHERE w.status = $1
		  AND (w.executor_id = $2 OR w.executor_id = '' OR NOT EXISTS (
				SELECT 1 FROM dbos.executor_heartbeats h
				WHERE h.executor_id = w.executor_id AND h.last_heartbeat >= $3))
		ORDER BY w.created_at ASC`,
		domain.WorkflowStatusPending, executorID, cutoff,
	)
	if err != nil {
		return nil, &domain.SystemDatabaseError{Op: "pending workflows", Err: err}
	}
	defer rows.Close()

	var out []*domain.WorkflowStatusRow
	for rows.Next() {
		w, err := scanWorkflowStatus(rows)
		if err != nil {
			return nil, &domain.SystemDatabaseError{Op: "pending workflows", Err: err}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// WithSchedulerCatchupLock runs fn while holding a per-function advisory
// lock, serializing scheduler catch-up across processes. The lock rides an
// open transaction and releases when fn returns.
func (d *DB) WithSchedulerCatchupLock(ctx context.Context, workflowFn string, fn func(ctx context.Context) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return &domain.SystemDatabaseError{Op: "scheduler catch-up lock", Err: err}
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('dbos.scheduler_state'), hashtext($1))`, workflowFn); err != nil {
		return &domain.SystemDatabaseError{Op: "scheduler catch-up lock", Err: err}
	}
	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &domain.SystemDatabaseError{Op: "scheduler catch-up lock", Err: err}
	}
	return nil
}

// LastScheduledTime reads the scheduler's durable high-water mark for a
// workflow function. Returns zero when the function has never fired.
func (d *DB) LastScheduledTime(ctx context.Context, workflowFn string) (int64, error) {
	var last int64
	err := d.pool.QueryRow(ctx,
		`SELECT last_scheduled_time FROM dbos.scheduler_state WHERE workflow_fn = $1`,
		workflowFn,
	).Scan(&last)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, &domain.SystemDatabaseError{Op: "last scheduled time", Err: err}
	}
	return last, nil
}

// SetLastScheduledTime advances the scheduler's high-water mark, never
// moving it backwards.
func (d *DB) SetLastScheduledTime(ctx context.Context, workflowFn string, t int64) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO dbos.scheduler_state (workflow_fn, last_scheduled_time)
		VALUES ($1, $2)
		ON CONFLICT (workflow_fn) DO UPDATE
		SET last_scheduled_time = GREATEST(dbos.scheduler_state.last_scheduled_time, EXCLUDED.last_scheduled_time)`,
		workflowFn, t,
	)
	if err != nil {
		return &domain.SystemDatabaseError{Op: "set last scheduled time", Err: err}
	}
	return nil
}
