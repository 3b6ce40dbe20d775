package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sylvester-francis/everflow/core/ports"
	"github.com/sylvester-francis/everflow/internal/sysdb"
)

// Queue is a named admission-controlled lane. Concurrency bounds the number
// of started-but-unfinished entries; RateLimit additionally bounds starts per
// period.
type Queue struct {
	Name        string
	Concurrency int
	RateLimit   *sysdb.RateLimit
}

// Store is the slice of the system database the pump consumes.
type Store interface {
	StartQueuedWorkflows(ctx context.Context, queueName string, concurrency int, rate *sysdb.RateLimit) ([]string, error)
}

// Runner re-invokes a workflow by id; the executor implements it.
type Runner interface {
	ExecuteWorkflowByID(ctx context.Context, workflowID string) (ports.WorkflowHandle, error)
}

// Config holds pump construction options.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  Store
	Runner Runner

	// Interval paces admission polls.
	Interval time.Duration
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
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return nil
}

// Pump admits queued workflow starts under each queue's limits and hands
// them to the executor. One pump runs per process; the database advisory
// lock keeps concurrent pumps of the same queue honest.
type Pump struct {
	log      *slog.Logger
	clock    clockwork.Clock
	store    Store
	runner   Runner
	interval time.Duration

	mu     sync.RWMutex
	queues map[string]Queue
}

// New creates a queue pump.
func New(cfg Config) (*Pump, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("queue.New: %w", err)
	}
	return &Pump{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		store:    cfg.Store,
		runner:   cfg.Runner,
		interval: cfg.Interval,
		queues:   make(map[string]Queue),
	}, nil
}

// RegisterQueue declares a queue and its limits. Registering an existing
// name replaces its limits.
func (p *Pump) RegisterQueue(q Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[q.Name] = q
}

// Queues lists the registered queues.
func (p *Pump) Queues() []Queue {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Queue, 0, len(p.queues))
	for _, q := range p.queues {
		out = append(out, q)
	}
	return out
}

// Run pumps all registered queues until ctx is done.
func (p *Pump) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.PumpOnce(ctx)
		}
	}
}

// PumpOnce admits ready entries for every registered queue.
func (p *Pump) PumpOnce(ctx context.Context) {
	for _, q := range p.Queues() {
		ids, err := p.store.StartQueuedWorkflows(ctx, q.Name, q.Concurrency, q.RateLimit)
		if err != nil {
			p.log.Error("queue admission failed",
				slog.String("queue", q.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, id := range ids {
			if _, err := p.runner.ExecuteWorkflowByID(ctx, id); err != nil {
				p.log.Error("queued workflow start failed",
					slog.String("queue", q.Name),
					slog.String("workflow_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
