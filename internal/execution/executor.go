package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/sylvester-francis/everflow/core/domain"
	"github.com/sylvester-francis/everflow/core/ports"
	"github.com/sylvester-francis/everflow/core/registry"
	"github.com/sylvester-francis/everflow/internal/metrics"
)

// Config holds executor construction options.
type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	SystemDB SystemStore
	UserDB   ports.UserDatabase
	Registry *registry.Registry
	Metrics  *metrics.Metrics

	// ExecutorID identifies this process in workflow ownership and
	// heartbeat records. Defaults to "<hostname>-<pid>".
	ExecutorID string

	// AppVersion is stamped onto every workflow row this executor creates.
	AppVersion string
}

// Validate applies defaults and checks required fields.
func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.SystemDB == nil {
		return fmt.Errorf("system database is required")
	}
	if cfg.UserDB == nil {
		return fmt.Errorf("user database is required")
	}
	if cfg.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ExecutorID == "" {
		hostname, _ := os.Hostname()
		cfg.ExecutorID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return nil
}

// StartOptions customizes a workflow start.
type StartOptions struct {
	// WorkflowID pins the instance's durable identifier. Empty generates one.
	WorkflowID string

	// QueueName routes the start through a named admission queue instead of
	// executing immediately.
	QueueName string

	AuthenticatedUser  string
	AssumedRole        string
	AuthenticatedRoles string
	Request            string
}

// Executor drives workflow functions: it registers instances, supplies step
// contexts, consults the operation log on replay, and records terminal
// outcomes.
type Executor struct {
	log      *slog.Logger
	clock    clockwork.Clock
	store    SystemStore
	userDB   ports.UserDatabase
	registry *registry.Registry
	metrics  *metrics.Metrics

	executorID string
	appVersion string

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup

	txBuffer *txOutputBuffer
}

// New creates an executor. Launch background loops separately via
// RunFlushLoop and the recovery/queue/scheduler packages.
func New(cfg Config) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("execution.New: %w", err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Executor{
		log:        cfg.Logger,
		clock:      cfg.Clock,
		store:      cfg.SystemDB,
		userDB:     cfg.UserDB,
		registry:   cfg.Registry,
		metrics:    cfg.Metrics,
		executorID: cfg.ExecutorID,
		appVersion: cfg.AppVersion,
		baseCtx:    baseCtx,
		baseCancel: cancel,
		running:    make(map[string]context.CancelFunc),
		txBuffer:   newTxOutputBuffer(),
	}, nil
}

// ExecutorID returns this process's executor identifier.
func (e *Executor) ExecutorID() string { return e.executorID }

// Registry returns the function registry the executor consults.
func (e *Executor) Registry() *registry.Registry { return e.registry }

// StartWorkflow registers a workflow instance and either executes it
// immediately or enqueues it. Starting an id that already exists returns a
// handle to the existing instance; starting it with different input is a
// conflict.
func (e *Executor) StartWorkflow(ctx context.Context, name string, opts StartOptions, input json.RawMessage) (ports.WorkflowHandle, error) {
	if _, err := e.registry.Workflow(name); err != nil {
		return nil, err
	}

	workflowID := opts.WorkflowID
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	row := &domain.WorkflowStatusRow{
		WorkflowID:         workflowID,
		Status:             domain.WorkflowStatusPending,
		Name:               name,
		AuthenticatedUser:  opts.AuthenticatedUser,
		AssumedRole:        opts.AssumedRole,
		AuthenticatedRoles: opts.AuthenticatedRoles,
		Request:            opts.Request,
		Input:              string(input),
		ExecutorID:         e.executorID,
		ApplicationVersion: e.appVersion,
		QueueName:          opts.QueueName,
	}
	if opts.QueueName != "" {
		now := e.clock.Now().UnixMilli()
		row.QueuedAt = &now
	}

	stored, isNew, err := e.store.InsertWorkflowStatus(ctx, row)
	if err != nil {
		return nil, err
	}

	handle := &workflowHandle{exec: e, workflowID: workflowID}
	if isNew {
		e.metrics.WorkflowStarted(name)
	}

	if stored.Status.Terminal() {
		return handle, nil
	}
	if opts.QueueName != "" {
		if isNew {
			if err := e.store.EnqueueWorkflow(ctx, workflowID, opts.QueueName); err != nil {
				return nil, err
			}
		}
		return handle, nil
	}

	e.launch(workflowID, name, input, stored.QueueName)
	return handle, nil
}

// ExecuteWorkflowByID re-invokes a registered workflow from its durable row.
// Recovery and the queue pump enter here. Unregistered functions are marked
// ERROR so they stop being re-enumerated.
func (e *Executor) ExecuteWorkflowByID(ctx context.Context, workflowID string) (ports.WorkflowHandle, error) {
	row, err := e.store.GetWorkflowStatus(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, domain.ErrWorkflowNotFound
	}

	handle := &workflowHandle{exec: e, workflowID: workflowID}
	if row.Status.Terminal() {
		return handle, nil
	}

	if !e.registry.HasWorkflow(row.Name) {
		envelope := domain.EncodeError(&domain.NotRegisteredError{Kind: "workflow", Name: row.Name})
		if err := e.store.UpdateWorkflowStatus(ctx, workflowID, domain.WorkflowStatusError, nil, &envelope); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("execution.ExecuteWorkflowByID: function-unregistered: %q", row.Name)
	}

	if row.ApplicationVersion != "" && row.ApplicationVersion != e.appVersion {
		e.log.Warn("resuming workflow recorded by a different application version",
			slog.String("workflow_id", workflowID),
			slog.String("recorded_version", row.ApplicationVersion),
			slog.String("running_version", e.appVersion),
		)
	}

	e.launch(workflowID, row.Name, json.RawMessage(row.Input), row.QueueName)
	return handle, nil
}

// launch runs the workflow on its own task unless this process is already
// running that id.
func (e *Executor) launch(workflowID, name string, input json.RawMessage, queueName string) {
	e.mu.Lock()
	if _, active := e.running[workflowID]; active {
		e.mu.Unlock()
		return
	}
	wfCtx, cancel := context.WithCancel(e.baseCtx)
	e.running[workflowID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, workflowID)
			e.mu.Unlock()
			cancel()
		}()
		e.runWorkflow(wfCtx, workflowID, name, input, queueName)
	}()
}

func (e *Executor) runWorkflow(ctx context.Context, workflowID, name string, input json.RawMessage, queueName string) {
	reg, err := e.registry.Workflow(name)
	if err != nil {
		e.log.Error("workflow vanished from registry", slog.String("workflow_id", workflowID), slog.String("name", name))
		return
	}

	c := newWorkflowContext(ctx, e, workflowID, false)
	output, err := reg.Fn(c, input)

	switch {
	case err == nil:
		out := string(output)
		row := &domain.WorkflowStatusRow{
			WorkflowID: workflowID,
			Status:     domain.WorkflowStatusSuccess,
			Output:     &out,
		}
		// Success statuses ride the background flush so the common path pays
		// no synchronous status write.
		e.store.BufferWorkflowStatus(row)
		e.metrics.WorkflowFinished(name, string(domain.WorkflowStatusSuccess))
		e.log.Info("workflow completed", slog.String("workflow_id", workflowID), slog.String("name", name))

	case isCancellation(ctx, err):
		envelope := domain.EncodeError(&domain.CancelledError{WorkflowID: workflowID})
		if uerr := e.store.UpdateWorkflowStatus(context.Background(), workflowID, domain.WorkflowStatusCancelled, nil, &envelope); uerr != nil {
			e.log.Error("record cancellation failed", slog.String("workflow_id", workflowID), slog.String("error", uerr.Error()))
		}
		e.metrics.WorkflowFinished(name, string(domain.WorkflowStatusCancelled))
		e.log.Info("workflow cancelled", slog.String("workflow_id", workflowID))

	default:
		status := domain.WorkflowStatusError
		var retries *domain.RetriesExceededError
		if errors.As(err, &retries) {
			status = domain.WorkflowStatusRetriesExceeded
		}
		envelope := domain.EncodeError(err)
		if uerr := e.store.UpdateWorkflowStatus(context.Background(), workflowID, status, nil, &envelope); uerr != nil {
			e.log.Error("record workflow error failed", slog.String("workflow_id", workflowID), slog.String("error", uerr.Error()))
		}
		e.metrics.WorkflowFinished(name, string(status))
		e.log.Error("workflow failed",
			slog.String("workflow_id", workflowID),
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}

	if queueName != "" {
		if qerr := e.store.CompleteQueueEntry(context.Background(), workflowID); qerr != nil {
			e.log.Error("complete queue entry failed", slog.String("workflow_id", workflowID), slog.String("error", qerr.Error()))
		}
	}
}

func isCancellation(ctx context.Context, err error) bool {
	var cancelled *domain.CancelledError
	if errors.As(err, &cancelled) {
		return true
	}
	return ctx.Err() != nil && errors.Is(err, context.Canceled)
}

// CancelWorkflow flips a PENDING workflow to CANCELLED and signals its
// in-process task, if any.
func (e *Executor) CancelWorkflow(ctx context.Context, workflowID string) error {
	envelope := domain.EncodeError(&domain.CancelledError{WorkflowID: workflowID})
	if err := e.store.UpdateWorkflowStatus(ctx, workflowID, domain.WorkflowStatusCancelled, nil, &envelope); err != nil {
		return err
	}
	e.mu.Lock()
	cancel, active := e.running[workflowID]
	e.mu.Unlock()
	if active {
		cancel()
	}
	return nil
}

// RetrieveWorkflow returns a handle for an existing workflow id without
// executing anything.
func (e *Executor) RetrieveWorkflow(ctx context.Context, workflowID string) (ports.WorkflowHandle, error) {
	row, err := e.store.GetWorkflowStatus(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, domain.ErrWorkflowNotFound
	}
	return &workflowHandle{exec: e, workflowID: workflowID}, nil
}

// ResumeWorkflow re-invokes a PENDING workflow on demand.
func (e *Executor) ResumeWorkflow(ctx context.Context, workflowID string) (ports.WorkflowHandle, error) {
	return e.ExecuteWorkflowByID(ctx, workflowID)
}

// DebugWorkflow replays a workflow entirely from its recorded history: every
// step must find a recorded outcome and no user step body runs for steps that
// have one. Used to reproduce a production run locally.
func (e *Executor) DebugWorkflow(ctx context.Context, name, workflowID string, input json.RawMessage) (json.RawMessage, error) {
	reg, err := e.registry.Workflow(name)
	if err != nil {
		return nil, err
	}
	c := newWorkflowContext(ctx, e, workflowID, true)
	return reg.Fn(c, input)
}

// Shutdown waits for in-flight workflows; it does not refuse new starts
// while it waits. When ctx
// expires first, remaining workflows are cancelled; their PENDING rows are
// picked up by recovery on the next launch.
func (e *Executor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.baseCancel()
		<-done
	}
	e.baseCancel()
	return nil
}
