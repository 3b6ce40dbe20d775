package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sylvester-francis/everflow/core/ports"
)

// RunFlushLoop periodically drains the two per-process buffers: read-only
// transaction outputs into the user database, then advanced workflow
// statuses into the system database. Outputs go first; a failed output flush
// is logged and restored, and the status flush of the same cycle still runs.
// Blocks until ctx is done; a final flush runs on the way out.
func (e *Executor) RunFlushLoop(ctx context.Context, interval time.Duration) {
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.flushOnce(flushCtx)
			cancel()
			return
		case <-ticker.Chan():
			e.flushOnce(ctx)
		}
	}
}

func (e *Executor) flushOnce(ctx context.Context) {
	e.FlushTransactionBuffer(ctx)

	if err := e.store.FlushStatusBuffer(ctx); err != nil {
		e.log.Error("flush status buffer failed", slog.String("error", err.Error()))
	}
}

// FlushTransactionBuffer writes all buffered read-only outputs in one user
// database transaction. Failed batches are restored for the next cycle.
func (e *Executor) FlushTransactionBuffer(ctx context.Context) {
	batches := e.txBuffer.takeAll()
	if len(batches) == 0 {
		return
	}

	err := e.userDB.Transaction(ctx, ports.TxOptions{Isolation: ports.ReadCommitted},
		func(ctx context.Context, tx pgx.Tx) error {
			for workflowID, rows := range batches {
				if err := insertBufferedOutputs(ctx, tx, workflowID, rows); err != nil {
					return err
				}
			}
			return nil
		})
	if err != nil {
		for workflowID, rows := range batches {
			e.txBuffer.restore(workflowID, rows)
		}
		e.log.Error("flush transaction outputs failed", slog.String("error", err.Error()))
		return
	}
	e.metrics.FlushCompleted(len(batches))
}
