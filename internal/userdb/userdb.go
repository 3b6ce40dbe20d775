package userdb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jonboulle/clockwork"
	"github.com/pressly/goose/v3"

	"github.com/sylvester-francis/everflow/core/ports"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// Config holds application database construction options.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// URL is the application database connection string.
	URL string

	// MaxRetries bounds automatic retries of serialization failures.
	MaxRetries int

	// RetryBaseInterval is the backoff base between retries.
	RetryBaseInterval time.Duration

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Validate applies defaults and checks required fields.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.RetryBaseInterval <= 0 {
		cfg.RetryBaseInterval = 10 * time.Millisecond
	}
	return nil
}

// DB runs transactional callbacks against the application database and
// classifies its errors. No business logic lives here.
type DB struct {
	pool       *pgxpool.Pool
	log        *slog.Logger
	clock      clockwork.Clock
	maxRetries int
	baseDelay  time.Duration
}

var _ ports.UserDatabase = (*DB)(nil)

// New connects to the application database.
func New(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("userdb.New: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("userdb.New: parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("userdb.New: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("userdb.New: ping: %w", err)
	}

	return &DB{
		pool:       pool,
		log:        cfg.Logger,
		clock:      cfg.Clock,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseInterval,
	}, nil
}

// RunMigrations creates the dbos.transaction_outputs table in the
// application database.
func (d *DB) RunMigrations(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("userdb.RunMigrations: sub filesystem: %w", err)
	}

	db := stdlib.OpenDB(*d.pool.Config().ConnConfig)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("userdb.RunMigrations: goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("userdb.RunMigrations: %w", err)
	}
	for _, r := range results {
		d.log.Info("user schema migration applied",
			slog.Int64("version", r.Source.Version),
			slog.Duration("duration", r.Duration),
		)
	}
	return nil
}

// Health checks the database connection.
func (d *DB) Health(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Close releases the pool.
func (d *DB) Close() {
	d.pool.Close()
}

// Transaction runs fn inside a transaction at the requested isolation level.
// Serialization failures are retried with exponential backoff up to the
// configured bound; every other error rolls back and surfaces.
func (d *DB) Transaction(ctx context.Context, opts ports.TxOptions, fn func(ctx context.Context, tx pgx.Tx) error) error {
	txOpts := pgx.TxOptions{IsoLevel: isoLevel(opts.Isolation)}
	if opts.ReadOnly {
		txOpts.AccessMode = pgx.ReadOnly
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			delay := d.baseDelay * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.clock.After(delay):
			}
		}

		err := d.runOnce(ctx, txOpts, fn)
		if err == nil {
			return nil
		}
		if !d.IsRetriableTransactionError(err) {
			return err
		}
		lastErr = err
		d.log.Debug("serialization failure, retrying transaction",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("userdb.Transaction: retries exhausted: %w", lastErr)
}

func (d *DB) runOnce(ctx context.Context, txOpts pgx.TxOptions, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := d.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			d.log.Error("rollback failed", slog.String("error", rbErr.Error()))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsRetriableTransactionError reports whether err is a serialization failure
// (40001) or deadlock (40P01) worth retrying.
func (d *DB) IsRetriableTransactionError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

// IsKeyConflictError reports whether err is a unique violation (23505).
func (d *DB) IsKeyConflictError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isoLevel(level ports.IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case ports.ReadUncommitted:
		return pgx.ReadUncommitted
	case ports.ReadCommitted:
		return pgx.ReadCommitted
	case ports.RepeatableRead:
		return pgx.RepeatableRead
	case ports.Serializable:
		return pgx.Serializable
	default:
		return pgx.Serializable
	}
}
