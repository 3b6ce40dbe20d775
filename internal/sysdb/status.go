package sysdb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/sylvester-francis/everflow/core/domain"
)

const workflowStatusColumns = `workflow_uuid, status, name, authenticated_user, assumed_role,
	authenticated_roles, request, inputs, output, error, executor_id, created_at, updated_at,
	application_version, queue_name, queued_at, started_at, completed_at`

func scanWorkflowStatus(row pgx.Row) (*domain.WorkflowStatusRow, error) {
	w := &domain.WorkflowStatusRow{}
	err := row.Scan(
		&w.WorkflowID, &w.Status, &w.Name, &w.AuthenticatedUser, &w.AssumedRole,
		&w.AuthenticatedRoles, &w.Request, &w.Input, &w.Output, &w.Error,
		&w.ExecutorID, &w.CreatedAt, &w.UpdatedAt,
		&w.ApplicationVersion, &w.QueueName, &w.QueuedAt, &w.StartedAt, &w.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// InsertWorkflowStatus registers a workflow instance, idempotently. It
// returns the durable row and whether this call created it. Starting an
// existing id with different name or input is a conflict; re-starting a
// PENDING workflow refreshes its executor ownership.
func (d *DB) InsertWorkflowStatus(ctx context.Context, row *domain.WorkflowStatusRow) (*domain.WorkflowStatusRow, bool, error) {
	now := d.nowMillis()
	tag, err := d.pool.Exec(ctx, `
		INSERT INTO dbos.workflow_status (
			workflow_uuid, status, name, authenticated_user, assumed_role,
			authenticated_roles, request, inputs, executor_id, created_at, updated_at,
			application_version, queue_name, queued_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, $11, $12, $13)
		ON CONFLICT (workflow_uuid) DO NOTHING`,
		row.WorkflowID, row.Status, row.Name, row.AuthenticatedUser, row.AssumedRole,
		row.AuthenticatedRoles, row.Request, row.Input, row.ExecutorID, now,
		row.ApplicationVersion, row.QueueName, row.QueuedAt,
	)
	if err != nil {
		return nil, false, &domain.SystemDatabaseError{Op: "insert workflow status", Err: err}
	}
	if tag.RowsAffected() == 1 {
		row.CreatedAt = now
		row.UpdatedAt = now
		return row, true, nil
	}

	existing, err := d.GetWorkflowStatus(ctx, row.WorkflowID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, &domain.SystemDatabaseError{Op: "insert workflow status",
			Err: fmt.Errorf("workflow %s vanished after conflict", row.WorkflowID)}
	}
	if existing.Name != row.Name || existing.Input != row.Input {
		return nil, false, &domain.ConflictError{WorkflowID: row.WorkflowID}
	}
	if !existing.Status.Terminal() {
		_, err = d.pool.Exec(ctx, `
			UPDATE dbos.workflow_status SET executor_id = $2, updated_at = $3
			WHERE workflow_uuid = $1 AND status = $4`,
			row.WorkflowID, row.ExecutorID, now, domain.WorkflowStatusPending,
		)
		if err != nil {
			return nil, false, &domain.SystemDatabaseError{Op: "refresh workflow owner", Err: err}
		}
	}
	return existing, false, nil
}

// UpdateWorkflowStatus writes a status transition. Terminal statuses are
// written at most once: a row that already reached a terminal status is left
// untouched.
func (d *DB) UpdateWorkflowStatus(ctx context.Context, workflowID string, status domain.WorkflowStatus, output, errJSON *string) error {
	now := d.nowMillis()
	var completedAt *int64
	if status.Terminal() {
		completedAt = &now
	}

	tag, err := d.pool.Exec(ctx, `
		UPDATE dbos.workflow_status
		SET status = $2, output = COALESCE($3, output), error = COALESCE($4, error),
			updated_at = $5, completed_at = COALESCE($6, completed_at)
		WHERE workflow_uuid = $1 AND status = $7`,
		workflowID, status, output, errJSON, now, completedAt, domain.WorkflowStatusPending,
	)
	if err != nil {
		return &domain.SystemDatabaseError{Op: "update workflow status", Err: err}
	}
	if tag.RowsAffected() == 0 {
		existing, err := d.GetWorkflowStatus(ctx, workflowID)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrWorkflowNotFound
		}
		// Already terminal; outputs are immutable.
	}
	return nil
}

// GetWorkflowStatus reads a workflow's status row. Returns nil when absent.
func (d *DB) GetWorkflowStatus(ctx context.Context, workflowID string) (*domain.WorkflowStatusRow, error) {
	row, err := scanWorkflowStatus(d.pool.QueryRow(ctx,
		`SELECT `+workflowStatusColumns+` FROM dbos.workflow_status WHERE workflow_uuid = $1`,
		workflowID,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, &domain.SystemDatabaseError{Op: "get workflow status", Err: err}
	}
	return row, nil
}

// GetWorkflowResult blocks until the workflow reaches a terminal status,
// then returns its serialized output or rehydrates its recorded error.
func (d *DB) GetWorkflowResult(ctx context.Context, workflowID string) (*string, error) {
	for {
		row, err := d.GetWorkflowStatus(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, domain.ErrWorkflowNotFound
		}

		switch row.Status {
		case domain.WorkflowStatusSuccess:
			return row.Output, nil
		case domain.WorkflowStatusError, domain.WorkflowStatusRetriesExceeded:
			if row.Error == nil {
				return nil, &domain.SystemDatabaseError{Op: "get workflow result",
					Err: fmt.Errorf("workflow %s is %s with no recorded error", workflowID, row.Status)}
			}
			return nil, domain.DecodeError(*row.Error)
		case domain.WorkflowStatusCancelled:
			return nil, &domain.CancelledError{WorkflowID: workflowID}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.clock.After(d.poll):
		}
	}
}

// ListWorkflows returns status rows matching the filter, newest first.
func (d *DB) ListWorkflows(ctx context.Context, filter domain.ListWorkflowsFilter) ([]*domain.WorkflowStatusRow, error) {
	query := `SELECT ` + workflowStatusColumns + ` FROM dbos.workflow_status WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Name != "" {
		args = append(args, filter.Name)
		query += fmt.Sprintf(" AND name = $%d", len(args))
	}
	if filter.CreatedAfter > 0 {
		args = append(args, filter.CreatedAfter)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if filter.CreatedBefore > 0 {
		args = append(args, filter.CreatedBefore)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &domain.SystemDatabaseError{Op: "list workflows", Err: err}
	}
	defer rows.Close()

	var out []*domain.WorkflowStatusRow
	for rows.Next() {
		w, err := scanWorkflowStatus(rows)
		if err != nil {
			return nil, &domain.SystemDatabaseError{Op: "list workflows", Err: err}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// BufferWorkflowStatus stages a status advance for the background flush loop.
// The latest buffered row per workflow wins.
func (d *DB) BufferWorkflowStatus(row *domain.WorkflowStatusRow) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	d.statusBuffer[row.WorkflowID] = row
}

// FlushStatusBuffer persists all buffered status advances in one transaction.
// Buffered rows that fail to flush are retained for the next cycle.
func (d *DB) FlushStatusBuffer(ctx context.Context) error {
	d.statusMu.Lock()
	if len(d.statusBuffer) == 0 {
		d.statusMu.Unlock()
		return nil
	}
	batch := d.statusBuffer
	d.statusBuffer = make(map[string]*domain.WorkflowStatusRow)
	d.statusMu.Unlock()

	restore := func() {
		d.statusMu.Lock()
		defer d.statusMu.Unlock()
		for id, row := range batch {
			if _, exists := d.statusBuffer[id]; !exists {
				d.statusBuffer[id] = row
			}
		}
	}

	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		restore()
		return &domain.SystemDatabaseError{Op: "flush status buffer", Err: err}
	}
	defer tx.Rollback(ctx)

	now := d.nowMillis()
	for _, row := range batch {
		var completedAt *int64
		if row.Status.Terminal() {
			completedAt = &now
		}
		_, err := tx.Exec(ctx, `
			UPDATE dbos.workflow_status
			SET status = $2, output = COALESCE($3, output), error = COALESCE($4, error),
				updated_at = $5, completed_at = COALESCE($6, completed_at)
			WHERE workflow_uuid = $1 AND status = $7`,
			row.WorkflowID, row.Status, row.Output, row.Error, now, completedAt,
			domain.WorkflowStatusPending,
		)
		if err != nil {
			restore()
			return &domain.SystemDatabaseError{Op: "flush status buffer", Err: err}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		restore()
		return &domain.SystemDatabaseError{Op: "flush status buffer", Err: err}
	}
	return nil
}
