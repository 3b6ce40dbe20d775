package ports

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// IsolationLevel selects the transaction isolation a transactional step runs at.
type IsolationLevel string

const (
	ReadUncommitted IsolationLevel = "READ_UNCOMMITTED"
	ReadCommitted   IsolationLevel = "READ_COMMITTED"
	RepeatableRead  IsolationLevel = "REPEATABLE_READ"
	Serializable    IsolationLevel = "SERIALIZABLE"
)

// TxOptions carries the requested isolation and access mode for a transaction.
type TxOptions struct {
	Isolation IsolationLevel
	ReadOnly  bool
}

// UserDatabase is the capability the runtime requires of the application
// database: run a callback inside a transaction and classify its errors.
// No business logic lives behind this interface.
type UserDatabase interface {
	// Transaction runs fn inside a transaction at the requested isolation
	// level. Retriable serialization failures are retried a bounded number of
	// times before surfacing.
	Transaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx pgx.Tx) error) error

	// IsRetriableTransactionError reports whether err is a serialization
	// failure worth retrying (PostgreSQL 40001 and equivalents).
	IsRetriableTransactionError(err error) bool

	// IsKeyConflictError reports whether err is a unique violation (23505).
	IsKeyConflictError(err error) bool

	// Close releases the underlying pool.
	Close()
}
