package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/sylvester-francis/everflow/core/ports"
	"github.com/sylvester-francis/everflow/core/registry"
	internalhttp "github.com/sylvester-francis/everflow/internal/adapters/http"
	"github.com/sylvester-francis/everflow/internal/config"
	"github.com/sylvester-francis/everflow/internal/execution"
	"github.com/sylvester-francis/everflow/internal/metrics"
	"github.com/sylvester-francis/everflow/internal/queue"
	"github.com/sylvester-francis/everflow/internal/recovery"
	"github.com/sylvester-francis/everflow/internal/scheduler"
	"github.com/sylvester-francis/everflow/internal/sysdb"
	"github.com/sylvester-francis/everflow/internal/userdb"
)

// Options configures engine construction.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	Clock  clockwork.Clock

	// AppVersion is stamped onto workflow rows for recovery diagnostics.
	AppVersion string

	// AdminOnly serves the admin surface and background maintenance without
	// executing workflows: no recovery, no queue pump, no scheduler. Used by
	// the ops daemon, which has no registered functions.
	AdminOnly bool
}

// Engine wires the runtime together and manages its lifecycle:
// New -> (register workflows, queues, schedules) -> Launch -> ... -> Shutdown.
type Engine struct {
	cfg   *config.Config
	log   *slog.Logger
	clock clockwork.Clock

	sysDB  *sysdb.DB
	userDB *userdb.DB
	reg    *registry.Registry
	exec   *execution.Executor
	pump   *queue.Pump
	sched  *scheduler.Scheduler
	recov  *recovery.Coordinator

	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics
	echo         *echo.Echo

	adminOnly  bool
	loopCancel context.CancelFunc
	loops      *errgroup.Group
}

// New connects to both databases and builds all components. Nothing runs
// until Launch.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("engine.New: config is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	sysDB, err := sysdb.New(ctx, sysdb.Config{
		Logger:          log,
		Clock:           clock,
		URL:             opts.Config.Database.SystemDatabaseURL(),
		MaxConns:        opts.Config.Database.MaxConns,
		MinConns:        opts.Config.Database.MinConns,
		MaxConnLifetime: opts.Config.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("engine.New: connect system database: %w", err)
	}
	log.Info("connected to system database")

	userDB, err := userdb.New(ctx, userdb.Config{
		Logger:          log,
		Clock:           clock,
		URL:             opts.Config.Database.AppDatabaseURL(),
		MaxConns:        opts.Config.Database.MaxConns,
		MinConns:        opts.Config.Database.MinConns,
		MaxConnLifetime: opts.Config.Database.MaxConnLifetime,
	})
	if err != nil {
		sysDB.Close()
		return nil, fmt.Errorf("engine.New: connect application database: %w", err)
	}
	log.Info("connected to application database")

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)
	reg := registry.New()

	exec, err := execution.New(execution.Config{
		Logger:     log,
		Clock:      clock,
		SystemDB:   sysDB,
		UserDB:     userDB,
		Registry:   reg,
		Metrics:    m,
		AppVersion: opts.AppVersion,
	})
	if err != nil {
		userDB.Close()
		sysDB.Close()
		return nil, fmt.Errorf("engine.New: %w", err)
	}

	pump, err := queue.New(queue.Config{
		Logger:   log,
		Clock:    clock,
		Store:    sysDB,
		Runner:   exec,
		Interval: opts.Config.Executor.QueuePumpInterval,
	})
	if err != nil {
		userDB.Close()
		sysDB.Close()
		return nil, fmt.Errorf("engine.New: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Logger:         log,
		Clock:          clock,
		Store:          sysDB,
		Starter:        exec,
		Metrics:        m,
		CatchupHorizon: opts.Config.Executor.CatchupHorizon,
	})
	if err != nil {
		userDB.Close()
		sysDB.Close()
		return nil, fmt.Errorf("engine.New: %w", err)
	}

	recov, err := recovery.New(recovery.Config{
		Logger:            log,
		Clock:             clock,
		Store:             sysDB,
		Runner:            exec,
		Metrics:           m,
		ExecutorID:        exec.ExecutorID(),
		HeartbeatInterval: opts.Config.Executor.HeartbeatInterval,
		HeartbeatTTL:      opts.Config.Executor.HeartbeatTTL,
	})
	if err != nil {
		userDB.Close()
		sysDB.Close()
		return nil, fmt.Errorf("engine.New: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	internalhttp.NewRouter(e, internalhttp.Dependencies{
		Store:    sysDB,
		Admin:    exec,
		Logger:   log,
		Gatherer: promRegistry,
	})

	return &Engine{
		cfg:          opts.Config,
		log:          log,
		clock:        clock,
		sysDB:        sysDB,
		userDB:       userDB,
		reg:          reg,
		exec:         exec,
		pump:         pump,
		sched:        sched,
		recov:        recov,
		promRegistry: promRegistry,
		metrics:      m,
		echo:         e,
		adminOnly:    opts.AdminOnly,
	}, nil
}

// Registry returns the function registry. Register workflows, transactions,
// and steps before Launch.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Executor returns the workflow executor.
func (e *Engine) Executor() *execution.Executor { return e.exec }

// RegisterQueue declares a named admission queue.
func (e *Engine) RegisterQueue(q queue.Queue) { e.pump.RegisterQueue(q) }

// ScheduleWorkflow registers a cron schedule (six fields, seconds first) for
// a registered workflow.
func (e *Engine) ScheduleWorkflow(spec, workflowName string) error {
	return e.sched.Schedule(spec, workflowName)
}

// StartWorkflow launches (or re-attaches to) a workflow instance.
func (e *Engine) StartWorkflow(ctx context.Context, name string, opts execution.StartOptions, input json.RawMessage) (ports.WorkflowHandle, error) {
	return e.exec.StartWorkflow(ctx, name, opts, input)
}

// RetrieveWorkflow returns a handle for an existing workflow id.
func (e *Engine) RetrieveWorkflow(ctx context.Context, workflowID string) (ports.WorkflowHandle, error) {
	return e.exec.RetrieveWorkflow(ctx, workflowID)
}

// Launch migrates both schemas, starts the notification listener, the
// background loops, the admin server, and runs recovery once.
func (e *Engine) Launch(ctx context.Context) error {
	if err := e.sysDB.RunMigrations(ctx); err != nil {
		return fmt.Errorf("engine.Launch: %w", err)
	}
	if err := e.userDB.RunMigrations(ctx); err != nil {
		return fmt.Errorf("engine.Launch: %w", err)
	}
	if err := e.sysDB.StartListener(ctx); err != nil {
		return fmt.Errorf("engine.Launch: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.loopCancel = cancel

	// The background loops share one task group: a loop that dies with an
	// error cancels loopCtx, so its siblings wind down instead of running
	// against a half-stopped engine.
	group, loopCtx := errgroup.WithContext(loopCtx)
	e.loops = group

	group.Go(func() error {
		e.recov.RunHeartbeat(loopCtx)
		return nil
	})

	if !e.adminOnly {
		group.Go(func() error {
			e.exec.RunFlushLoop(loopCtx, e.cfg.Executor.FlushInterval)
			return nil
		})
		group.Go(func() error {
			e.pump.Run(loopCtx)
			return nil
		})
		group.Go(func() error {
			e.sched.Run(loopCtx)
			return nil
		})

		if _, err := e.recov.RecoverPendingWorkflows(ctx); err != nil {
			e.log.Error("startup recovery failed", slog.String("error", err.Error()))
		}
	}

	addr := e.cfg.Admin.Address()
	go func() {
		e.log.Info("admin server listening", slog.String("address", addr))
		if err := e.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("admin server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Shutdown stops components in reverse launch order: admin server, background
// loops (the flush loop runs a final flush on the way out), in-flight
// workflows, then the
// database connections.
func (e *Engine) Shutdown(ctx context.Context) error {
	var firstErr error

	if err := e.echo.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("engine.Shutdown: admin server: %w", err)
	}

	if e.loopCancel != nil {
		e.loopCancel()
		if err := e.loops.Wait(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("engine.Shutdown: background loops: %w", err)
		}
	}

	if err := e.exec.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("engine.Shutdown: executor: %w", err)
	}

	e.userDB.Close()
	e.sysDB.Close()
	return firstErr
}
