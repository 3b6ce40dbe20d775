package registry

import (
	"sync"
	"time"

	"github.com/sylvester-francis/everflow/core/domain"
	"github.com/sylvester-francis/everflow/core/ports"
)

// WorkflowConfig holds per-workflow registration options.
type WorkflowConfig struct {
	// MaxRecoveryAttempts is stored with the registration. Recovery does not
	// read it: a workflow that keeps dying is re-invoked on every recovery.
	MaxRecoveryAttempts int
}

// TransactionConfig holds per-transaction registration options.
type TransactionConfig struct {
	Isolation ports.IsolationLevel
	ReadOnly  bool
}

// StepConfig holds per-step registration options for the bounded retry loop.
type StepConfig struct {
	RetriesAllowed bool
	MaxAttempts    int
	Interval       time.Duration
	BackoffRate    float64
}

const (
	defaultMaxAttempts = 3
	defaultInterval    = 1 * time.Second
	defaultBackoff     = 2.0
)

// Workflow is a registered workflow function with its configuration.
type Workflow struct {
	Name   string
	Fn     ports.WorkflowFunc
	Config WorkflowConfig
}

// Transaction is a registered transaction function with its configuration.
type Transaction struct {
	Name   string
	Fn     ports.TransactionFunc
	Config TransactionConfig
}

// Step is a registered step function with its configuration.
type Step struct {
	Name   string
	Fn     ports.StepFunc
	Config StepConfig
}

// Registry maps names to workflow, transaction, and step functions. The
// executor consults it at start and at every step call. Registering an
// existing name replaces the previous entry.
type Registry struct {
	mu           sync.RWMutex
	workflows    map[string]*Workflow
	transactions map[string]*Transaction
	steps        map[string]*Step
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		workflows:    make(map[string]*Workflow),
		transactions: make(map[string]*Transaction),
		steps:        make(map[string]*Step),
	}
}

// RegisterWorkflow registers fn under name.
func (r *Registry) RegisterWorkflow(name string, fn ports.WorkflowFunc, cfg WorkflowConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[name] = &Workflow{Name: name, Fn: fn, Config: cfg}
}

// RegisterTransaction registers fn under name. An empty isolation level
// defaults to SERIALIZABLE.
func (r *Registry) RegisterTransaction(name string, fn ports.TransactionFunc, cfg TransactionConfig) {
	if cfg.Isolation == "" {
		cfg.Isolation = ports.Serializable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transactions[name] = &Transaction{Name: name, Fn: fn, Config: cfg}
}

// RegisterStep registers fn under name. Zero retry options take defaults of
// 3 attempts, 1s base interval, and a 2x backoff rate.
func (r *Registry) RegisterStep(name string, fn ports.StepFunc, cfg StepConfig) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BackoffRate <= 0 {
		cfg.BackoffRate = defaultBackoff
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = &Step{Name: name, Fn: fn, Config: cfg}
}

// Workflow resolves a workflow by name.
func (r *Registry) Workflow(name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[name]
	if !ok {
		return nil, &domain.NotRegisteredError{Kind: "workflow", Name: name}
	}
	return w, nil
}

// Transaction resolves a transaction by name.
func (r *Registry) Transaction(name string) (*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transactions[name]
	if !ok {
		return nil, &domain.NotRegisteredError{Kind: "transaction", Name: name}
	}
	return t, nil
}

// Step resolves a step by name.
func (r *Registry) Step(name string) (*Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[name]
	if !ok {
		return nil, &domain.NotRegisteredError{Kind: "step", Name: name}
	}
	return s, nil
}

// HasWorkflow reports whether name is registered as a workflow.
func (r *Registry) HasWorkflow(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workflows[name]
	return ok
}

// WorkflowNames lists registered workflow names.
func (r *Registry) WorkflowNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}
