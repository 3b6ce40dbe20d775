package sysdb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jonboulle/clockwork"
	"github.com/pressly/goose/v3"

	"github.com/sylvester-francis/everflow/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NOTIFY channels shared with the schema triggers.
const (
	notificationsChannel  = "dbos_notifications_channel"
	workflowEventsChannel = "dbos_workflow_events_channel"
)

// Querier is satisfied by both pgxpool.Pool and pgx.Tx, letting query helpers
// run inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config holds system database construction options.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// URL is the system database connection string.
	URL string

	// PollInterval paces GetWorkflowResult's status polling.
	PollInterval time.Duration

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
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return nil
}

// DB owns all SQL against the dbos.* schema of the system database: workflow
// status, operation outputs, notifications, events, queues, heartbeats. It
// also fans PostgreSQL notifications out to in-process waiters.
type DB struct {
	pool  *pgxpool.Pool
	log   *slog.Logger
	clock clockwork.Clock
	poll  time.Duration

	waiterMu sync.Mutex
	waiters  map[string][]chan struct{}

	statusMu     sync.Mutex
	statusBuffer map[string]*domain.WorkflowStatusRow

	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

// New connects to the system database.
func New(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sysdb.New: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("sysdb.New: parse database URL: %w", err)
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
		return nil, fmt.Errorf("sysdb.New: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sysdb.New: ping: %w", err)
	}

	return &DB{
		pool:         pool,
		log:          cfg.Logger,
		clock:        cfg.Clock,
		poll:         cfg.PollInterval,
		waiters:      make(map[string][]chan struct{}),
		statusBuffer: make(map[string]*domain.WorkflowStatusRow),
	}, nil
}

// RunMigrations applies the dbos.* schema migrations.
func (d *DB) RunMigrations(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sysdb.RunMigrations: sub filesystem: %w", err)
	}

	db := stdlib.OpenDB(*d.pool.Config().ConnConfig)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("sysdb.RunMigrations: goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sysdb.RunMigrations: %w", err)
	}
	for _, r := range results {
		d.log.Info("system schema migration applied",
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

// Close stops the notification listener and releases the pool.
func (d *DB) Close() {
	if d.listenCancel != nil {
		d.listenCancel()
		<-d.listenDone
	}
	d.pool.Close()
}

// Pool exposes the underlying pool for admin queries.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

// StartListener opens a dedicated connection and begins relaying NOTIFY
// payloads to in-process waiters. The first SELECT a waiter issues happens
// after subscription, so no wakeup is lost.
func (d *DB) StartListener(ctx context.Context) error {
	conn, err := d.listen(ctx)
	if err != nil {
		return fmt.Errorf("sysdb.StartListener: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	d.listenCancel = cancel
	d.listenDone = make(chan struct{})

	go d.listenLoop(loopCtx, conn)
	return nil
}

func (d *DB) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, d.pool.Config().ConnConfig.Copy())
	if err != nil {
		return nil, fmt.Errorf("connect listener: %w", err)
	}
	for _, channel := range []string{notificationsChannel, workflowEventsChannel} {
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
	}
	return conn, nil
}

func (d *DB) listenLoop(ctx context.Context, conn *pgx.Conn) {
	defer close(d.listenDone)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Error("notification listener error, reconnecting", slog.String("error", err.Error()))
			_ = conn.Close(ctx)
			conn = d.reconnect(ctx)
			if conn == nil {
				return
			}
			// Wake everyone after a reconnect; waiters re-SELECT and either
			// find their row or go back to sleep.
			d.wakeAll()
			continue
		}
		d.wake(n.Channel, n.Payload)
	}
}

func (d *DB) reconnect(ctx context.Context) *pgx.Conn {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.clock.After(time.Second):
		}
		conn, err := d.listen(ctx)
		if err == nil {
			return conn
		}
		d.log.Error("listener reconnect failed", slog.String("error", err.Error()))
	}
}

// subscribe registers a waiter for a payload on a channel. The returned
// channel closes on notification; the cancel func must always be called.
func (d *DB) subscribe(channel, payload string) (<-chan struct{}, func()) {
	key := channel + "/" + payload
	ch := make(chan struct{})

	d.waiterMu.Lock()
	d.waiters[key] = append(d.waiters[key], ch)
	d.waiterMu.Unlock()

	cancel := func() {
		d.waiterMu.Lock()
		defer d.waiterMu.Unlock()
		chans := d.waiters[key]
		for i, c := range chans {
			if c == ch {
				d.waiters[key] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(d.waiters[key]) == 0 {
			delete(d.waiters, key)
		}
	}
	return ch, cancel
}

func (d *DB) wake(channel, payload string) {
	key := channel + "/" + payload
	d.waiterMu.Lock()
	defer d.waiterMu.Unlock()
	for _, ch := range d.waiters[key] {
		close(ch)
	}
	delete(d.waiters, key)
}

func (d *DB) wakeAll() {
	d.waiterMu.Lock()
	defer d.waiterMu.Unlock()
	for key, chans := range d.waiters {
		for _, ch := range chans {
			close(ch)
		}
		delete(d.waiters, key)
	}
}

func (d *DB) nowMillis() int64 {
	return d.clock.Now().UnixMilli()
}

// isUniqueViolation reports a PostgreSQL 23505 unique violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
