package sysdb

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/sylvester-francis/everflow/core/domain"
)

// CheckOperationOutput looks up a recorded outcome for (workflow, function).
// Returns nil when the step has never completed.
func (d *DB) CheckOperationOutput(ctx context.Context, workflowID string, functionID int) (*domain.OperationResult, error) {
	return checkOperationOutput(ctx, d.pool, workflowID, functionID)
}

func checkOperationOutput(ctx context.Context, q Querier, workflowID string, functionID int) (*domain.OperationResult, error) {
	var res domain.OperationResult
	err := q.QueryRow(ctx,
		`SELECT output, error FROM dbos.operation_outputs WHERE workflow_uuid = $1 AND function_id = $2`,
		workflowID, functionID,
	).Scan(&res.Output, &res.Error)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, &domain.SystemDatabaseError{Op: "check operation output", Err: err}
	}
	return &res, nil
}

// RecordOperationOutput records a step's successful outcome. Writing an
// identical payload again is a silent success; a divergent payload is a
// conflict. This equality-checked upsert is what makes side-effecting
// operations safe to retry.
func (d *DB) RecordOperationOutput(ctx context.Context, workflowID string, functionID int, output *string) error {
	return recordOperationResult(ctx, d.pool, workflowID, functionID, output, nil, d.nowMillis())
}

// RecordOperationError records a step's terminal error.
func (d *DB) RecordOperationError(ctx context.Context, workflowID string, functionID int, errJSON string) error {
	return recordOperationResult(ctx, d.pool, workflowID, functionID, nil, &errJSON, d.nowMillis())
}

func recordOperationResult(ctx context.Context, q Querier, workflowID string, functionID int, output, errJSON *string, now int64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO dbos.operation_outputs (workflow_uuid, function_id, output, error, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		workflowID, functionID, output, errJSON, now,
	)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return &domain.SystemDatabaseError{Op: "record operation result", Err: err}
	}

	existing, cerr := checkOperationOutput(ctx, q, workflowID, functionID)
	if cerr != nil {
		return cerr
	}
	if existing != nil && stringPtrEqual(existing.Output, output) && stringPtrEqual(existing.Error, errJSON) {
		return nil
	}
	return &domain.ConflictError{WorkflowID: workflowID, FunctionID: functionID}
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
