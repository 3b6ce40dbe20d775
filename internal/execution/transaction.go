package execution

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/sylvester-francis/everflow/core/domain"
	"github.com/sylvester-francis/everflow/core/ports"
)

// RunTransaction executes a registered transaction function with
// exactly-once semantics. The protocol, all inside the user database
// transaction:
//
//  1. A guarded SELECT returns the current snapshot token and any recorded
//     outcome for (workflow, function).
//  2. A recorded outcome replays without invoking user code.
//  3. Otherwise a guard row is inserted first; its primary key is the anchor
//     that serializes concurrent duplicates.
//  4. Buffered read-only outputs of this workflow flush before the user
//     callback, so they commit atomically with the ensuing write.
//  5. The user callback runs.
//  6. The guard row is completed with the output and transaction id.
//
// A user error rolls the transaction back (guard row included) and is then
// recorded in its own small transaction.
func (c *wfContext) RunTransaction(name string, input json.RawMessage) (json.RawMessage, error) {
	if err := c.checkCancelled(); err != nil {
		return nil, err
	}
	functionID := c.nextFunctionID()

	txn, err := c.exec.registry.Transaction(name)
	if err != nil {
		return nil, err
	}
	cfg := txn.Config

	for {
		var (
			result   json.RawMessage
			replayed *domain.OperationResult
			flushed  []bufferedTxOutput
			userErr  error
		)

		err := c.exec.userDB.Transaction(c.Context, ports.TxOptions{Isolation: cfg.Isolation, ReadOnly: cfg.ReadOnly},
			func(ctx context.Context, tx pgx.Tx) error {
				snapshot, recorded, err := checkTransactionOutput(ctx, tx, c.workflowID, functionID)
				if err != nil {
					return err
				}
				if recorded != nil {
					replayed = recorded
					return nil
				}
				if c.debug {
					return &domain.DebuggerError{WorkflowID: c.workflowID, FunctionID: functionID}
				}

				var buffered []bufferedTxOutput
				if !cfg.ReadOnly {
					if err := insertGuardRow(ctx, tx, c.workflowID, functionID, snapshot, c.exec.clock.Now().UnixMilli()); err != nil {
						return err
					}
					// Flushed from a snapshot; the rows leave the buffer only
					// once this transaction commits.
					buffered = c.exec.txBuffer.snapshot(c.workflowID)
					if err := insertBufferedOutputs(ctx, tx, c.workflowID, buffered); err != nil {
						return err
					}
				}

				out, err := txn.Fn(&txContext{Context: ctx, workflowID: c.workflowID, functionID: functionID, tx: tx}, input)
				if err != nil {
					userErr = err
					return err
				}

				outStr := stringPtr(out)
				if cfg.ReadOnly {
					c.exec.txBuffer.add(c.workflowID, bufferedTxOutput{
						FunctionID: functionID,
						Output:     outStr,
						Snapshot:   snapshot,
						CreatedAt:  c.exec.clock.Now().UnixMilli(),
					})
				} else {
					if err := completeGuardRow(ctx, tx, c.workflowID, functionID, outStr); err != nil {
						return err
					}
				}
				flushed = buffered
				result = out
				return nil
			})

		switch {
		case err == nil && replayed != nil:
			c.exec.metrics.StepReplayed(name)
			if replayed.Error != nil {
				return nil, domain.DecodeError(*replayed.Error)
			}
			return rawOrNil(replayed.Output), nil

		case err == nil:
			c.exec.txBuffer.drop(c.workflowID, flushed)
			c.exec.metrics.StepExecuted(name)
			return result, nil

		case errors.Is(err, domain.ErrDuplicateOperation):
			// Lost the guard-row race to a concurrent duplicate; loop back to
			// the replay branch and observe the winner's outcome.
			continue

		case userErr != nil && errors.Is(err, userErr):
			envelope := domain.EncodeError(userErr)
			if rerr := recordTransactionError(c.Context, c.exec.userDB, c.workflowID, functionID, envelope, c.exec.clock.Now().UnixMilli()); rerr != nil {
				return nil, rerr
			}
			return nil, userErr

		default:
			return nil, err
		}
	}
}

// checkTransactionOutput runs the guarded SELECT: one round trip yields both
// the snapshot token of this transaction and the recorded outcome, if any.
func checkTransactionOutput(ctx context.Context, tx pgx.Tx, workflowID string, functionID int) (string, *domain.OperationResult, error) {
	var (
		output, errJSON *string
		snapshot        string
		recorded        bool
	)
	err := tx.QueryRow(ctx, `
		(SELECT output, error, pg_current_snapshot()::text AS snap, TRUE AS recorded
		   FROM dbos.transaction_outputs
		  WHERE workflow_uuid = $1 AND function_id = $2)
		UNION ALL
		(SELECT NULL, NULL, pg_current_snapshot()::text, FALSE)
		ORDER BY recorded DESC
		LIMIT 1`,
		workflowID, functionID,
	).Scan(&output, &errJSON, &snapshot, &recorded)
	if err != nil {
		return "", nil, err
	}
	if !recorded {
		return snapshot, nil, nil
	}
	return snapshot, &domain.OperationResult{Output: output, Error: errJSON}, nil
}

// insertGuardRow writes the empty operation record whose unique key
// serializes concurrent duplicates. A unique violation means another
// execution holds (or held) this step.
func insertGuardRow(ctx context.Context, tx pgx.Tx, workflowID string, functionID int, snapshot string, now int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO dbos.transaction_outputs (workflow_uuid, function_id, output, error, txn_id, txn_snapshot, created_at)
		VALUES ($1, $2, NULL, NULL, NULL, $3, $4)`,
		workflowID, functionID, snapshot, now,
	)
	if err != nil {
		if isPgCode(err, "23505") {
			return domain.ErrDuplicateOperation
		}
		return err
	}
	return nil
}

// completeGuardRow fills the guard row with the real output and the assigned
// transaction id.
func completeGuardRow(ctx context.Context, tx pgx.Tx, workflowID string, functionID int, output *string) error {
	_, err := tx.Exec(ctx, `
		UPDATE dbos.transaction_outputs
		SET output = $3, txn_id = pg_current_xact_id_if_assigned()::text
		WHERE workflow_uuid = $1 AND function_id = $2`,
		workflowID, functionID, output,
	)
	return err
}

// insertBufferedOutputs persists buffered read-only outputs in one statement
// so they commit atomically with the transaction that carries them.
func insertBufferedOutputs(ctx context.Context, tx pgx.Tx, workflowID string, rows []bufferedTxOutput) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO dbos.transaction_outputs (workflow_uuid, function_id, output, txn_snapshot, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (workflow_uuid, function_id) DO NOTHING`,
			workflowID, row.FunctionID, row.Output, row.Snapshot, row.CreatedAt,
		)
	}
	return tx.SendBatch(ctx, batch).Close()
}

// recordTransactionError records a failed transactional step after its
// transaction rolled back.
func recordTransactionError(ctx context.Context, userDB ports.UserDatabase, workflowID string, functionID int, envelope string, now int64) error {
	return userDB.Transaction(ctx, ports.TxOptions{Isolation: ports.ReadCommitted},
		func(ctx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `
				INSERT INTO dbos.transaction_outputs (workflow_uuid, function_id, error, created_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (workflow_uuid, function_id) DO NOTHING`,
				workflowID, functionID, envelope, now,
			)
			return err
		})
}

func stringPtr(raw json.RawMessage) *string {
	if raw == nil {
		return nil
	}
	s := string(raw)
	return &s
}

func isPgCode(err error, code string) bool {
	var pgErr interface{ SQLState() string }
	return errors.As(err, &pgErr) && pgErr.SQLState() == code
}
