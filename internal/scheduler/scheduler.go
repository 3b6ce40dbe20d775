package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron"

	"github.com/sylvester-francis/everflow/core/domain"
	"github.com/sylvester-francis/everflow/core/ports"
	"github.com/sylvester-francis/everflow/internal/execution"
	"github.com/sylvester-francis/everflow/internal/metrics"
)

// Starter launches workflows; the executor implements it.
type Starter interface {
	StartWorkflow(ctx context.Context, name string, opts execution.StartOptions, input json.RawMessage) (ports.WorkflowHandle, error)
}

// Store persists the scheduler's per-function high-water mark and serializes
// catch-up across processes.
type Store interface {
	LastScheduledTime(ctx context.Context, workflowFn string) (int64, error)
	SetLastScheduledTime(ctx context.Context, workflowFn string, t int64) error
	WithSchedulerCatchupLock(ctx context.Context, workflowFn string, fn func(ctx context.Context) error) error
}

// Config holds scheduler construction options.
type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Store   Store
	Starter Starter
	Metrics *metrics.Metrics

	// CatchupHorizon bounds how many missed firings are backfilled on
	// startup; older ones are dropped with a warning.
	CatchupHorizon int

	// TickInterval paces schedule evaluation. Cron resolution is one second,
	// so there is no point ticking faster.
	TickInterval time.Duration
}

// Validate applies defaults and checks required fields.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Store == nil {
		return fmt.Errorf("store is required")
	}
	if cfg.Starter == nil {
		return fmt.Errorf("starter is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CatchupHorizon <= 0 {
		cfg.CatchupHorizon = 100
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return nil
}

type entry struct {
	spec         string
	workflowName string
	schedule     cron.Schedule
	last         time.Time
}

// Scheduler launches workflows on cron schedules. Firing ids derive from the
// function name and the firing time, so a crash-restarted scheduler never
// duplicates a firing: the second start of the same id is a no-op.
type Scheduler struct {
	log     *slog.Logger
	clock   clockwork.Clock
	store   Store
	starter Starter
	metrics *metrics.Metrics
	horizon int
	tick    time.Duration

	mu      sync.Mutex
	entries []*entry
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler.New: %w", err)
	}
	return &Scheduler{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		store:   cfg.Store,
		starter: cfg.Starter,
		metrics: cfg.Metrics,
		horizon: cfg.CatchupHorizon,
		tick:    cfg.TickInterval,
	}, nil
}

// Schedule registers a cron expression (six fields, seconds first) for a
// workflow function.
func (s *Scheduler) Schedule(spec, workflowName string) error {
	schedule, err := cron.Parse(spec)
	if err != nil {
		return fmt.Errorf("scheduler.Schedule: parse %q: %w", spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{spec: spec, workflowName: workflowName, schedule: schedule})
	return nil
}

// Run backfills missed firings, then evaluates schedules until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.catchUp(ctx)

	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.fireDue(ctx)
		}
	}
}

// catchUp fires occurrences missed while the process was down, bounded by
// the catch-up horizon. Each entry's read-compute-fire-write runs under a
// per-function advisory lock so concurrent executors do not backfill the
// same window.
func (s *Scheduler) catchUp(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	for _, e := range entries {
		err := s.store.WithSchedulerCatchupLock(ctx, e.workflowName, func(ctx context.Context) error {
			return s.catchUpEntry(ctx, e, now)
		})
		if err != nil {
			s.log.Error("scheduler catch-up failed",
				slog.String("workflow", e.workflowName),
				slog.String("error", err.Error()),
			)
			e.last = now
		}
	}
}

func (s *Scheduler) catchUpEntry(ctx context.Context, e *entry, now time.Time) error {
	lastMillis, err := s.store.LastScheduledTime(ctx, e.workflowName)
	if err != nil {
		return err
	}
	if lastMillis == 0 {
		// Never fired: start from now rather than inventing history.
		e.last = now
		return nil
	}

	last := time.UnixMilli(lastMillis)
	missed := firingsBetween(e.schedule, last, now)
	if len(missed) > s.horizon {
		s.log.Warn("dropping missed cron firings beyond catch-up horizon",
			slog.String("workflow", e.workflowName),
			slog.Int("missed", len(missed)),
			slog.Int("horizon", s.horizon),
		)
		missed = missed[len(missed)-s.horizon:]
	}
	for _, t := range missed {
		s.fire(ctx, e, t)
	}
	e.last = last
	if len(missed) > 0 {
		e.last = missed[len(missed)-1]
	}
	return nil
}

// fireDue fires every occurrence strictly after each entry's last firing and
// at or before now.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	for _, e := range entries {
		for _, t := range firingsBetween(e.schedule, e.last, now) {
			s.fire(ctx, e, t)
			e.last = t
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, scheduled time.Time) {
	workflowID := FiringID(e.workflowName, scheduled)
	input, _ := json.Marshal(ports.ScheduledInput{
		ScheduledTime:   scheduled.UTC(),
		ActualStartTime: s.clock.Now().UTC(),
	})

	_, err := s.starter.StartWorkflow(ctx, e.workflowName, execution.StartOptions{WorkflowID: workflowID}, input)
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &conflict):
		// This firing already started under its id; the stored input differs
		// only in its actual start time.
	case err != nil:
		s.log.Error("scheduled workflow start failed",
			slog.String("workflow", e.workflowName),
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()),
		)
		return
	default:
		s.metrics.ScheduledFiring()
	}

	if err := s.store.SetLastScheduledTime(ctx, e.workflowName, scheduled.UnixMilli()); err != nil {
		s.log.Error("persist scheduler state failed",
			slog.String("workflow", e.workflowName),
			slog.String("error", err.Error()),
		)
	}
}

// FiringID is the deterministic workflow id of one cron firing.
func FiringID(workflowName string, scheduled time.Time) string {
	return fmt.Sprintf("sched-%s-%s", workflowName, scheduled.UTC().Format(time.RFC3339))
}

// firingsBetween lists schedule occurrences in (after, until].
func firingsBetween(schedule cron.Schedule, after, until time.Time) []time.Time {
	var out []time.Time
	for t := schedule.Next(after); !t.IsZero() && !t.After(until); t = schedule.Next(t) {
		out = append(out, t)
	}
	return out
}
