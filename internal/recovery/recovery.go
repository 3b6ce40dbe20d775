package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sylvester-francis/everflow/core/domain"
	"github.com/sylvester-francis/everflow/core/ports"
	"github.com/sylvester-francis/everflow/internal/metrics"
)

// Store is the slice of the system database the coordinator consumes.
type Store interface {
	RecordHeartbeat(ctx context.Context, executorID string) error
	PendingWorkflows(ctx context.Context, executorID string, ttl time.Duration) ([]*domain.WorkflowStatusRow, error)
}

// Runner re-invokes a workflow by id; the executor implements it.
type Runner interface {
	ExecuteWorkflowByID(ctx context.Context, workflowID string) (ports.WorkflowHandle, error)
}

// Config holds coordinator construction options.
type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Store   Store
	Runner  Runner
	Metrics *metrics.Metrics

	// ExecutorID is this process's identity in ownership and heartbeats.
	ExecutorID string

	// HeartbeatInterval paces liveness upserts.
	HeartbeatInterval time.Duration

	// HeartbeatTTL is how long an executor may stay silent before its
	// PENDING workflows are considered orphaned.
	HeartbeatTTL time.Duration
}

// Validate applies defaults and checks required fields.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Store == nil {
		return fmt.Errorf("store is required")
	}
	if cfg.Runner == nil {
		return fmt.Errorf("runner is required")
	}
	if cfg.ExecutorID == "" {
		return fmt.Errorf("executor id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = 60 * time.Second
	}
	return nil
}

// Coordinator resumes PENDING workflows orphaned by crashes: rows owned by
// this executor from a previous run, or by executors whose heartbeat went
// stale. The operation log makes the re-invocation safe; completed steps
// replay instead of re-executing.
type Coordinator struct {
	log        *slog.Logger
	clock      clockwork.Clock
	store      Store
	runner     Runner
	metrics    *metrics.Metrics
	executorID string
	interval   time.Duration
	ttl        time.Duration
}

// New creates a recovery coordinator.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("recovery.New: %w", err)
	}
	return &Coordinator{
		log:        cfg.Logger,
		clock:      cfg.Clock,
		store:      cfg.Store,
		runner:     cfg.Runner,
		metrics:    cfg.Metrics,
		executorID: cfg.ExecutorID,
		interval:   cfg.HeartbeatInterval,
		ttl:        cfg.HeartbeatTTL,
	}, nil
}

// RecoverPendingWorkflows enumerates orphaned PENDING workflows and
// re-invokes each. Workflows whose function is no longer registered are
// marked ERROR by the runner and reported here, not retried.
func (c *Coordinator) RecoverPendingWorkflows(ctx context.Context) (int, error) {
	rows, err := c.store.PendingWorkflows(ctx, c.executorID, c.ttl)
	if err != nil {
		return 0, fmt.Errorf("recovery.RecoverPendingWorkflows: %w", err)
	}

	recovered := 0
	for _, row := range rows {
		if _, err := c.runner.ExecuteWorkflowByID(ctx, row.WorkflowID); err != nil {
			c.log.Error("workflow recovery failed",
				slog.String("workflow_id", row.WorkflowID),
				slog.String("name", row.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		c.metrics.WorkflowRecovered()
		recovered++
	}
	if recovered > 0 {
		c.log.Info("recovered pending workflows", slog.Int("count", recovered))
	}
	return recovered, nil
}

// RunHeartbeat upserts this executor's liveness until ctx is done. The first
// beat happens immediately so recovery on peer processes sees us promptly.
func (c *Coordinator) RunHeartbeat(ctx context.Context) {
	if err := c.store.RecordHeartbeat(ctx, c.executorID); err != nil {
		c.log.Error("heartbeat failed", slog.String("error", err.Error()))
	}

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := c.store.RecordHeartbeat(ctx, c.executorID); err != nil {
				c.log.Error("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}
