package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's prometheus collectors. A nil *Metrics is valid
// and drops every observation, so wiring is optional.
type Metrics struct {
	workflowsStarted  *prometheus.CounterVec
	workflowsFinished *prometheus.CounterVec
	stepsExecuted     *prometheus.CounterVec
	stepsReplayed     *prometheus.CounterVec
	stepsRetried      *prometheus.CounterVec
	flushBatches      prometheus.Counter
	recoveredRuns     prometheus.Counter
	scheduledFirings  prometheus.Counter
}

// New registers the runtime collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		workflowsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "everflow_workflows_started_total",
			Help: "Workflow instances registered for execution.",
		}, []string{"name"}),
		workflowsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "everflow_workflows_finished_total",
			Help: "Workflow instances reaching a terminal status.",
		}, []string{"name", "status"}),
		stepsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "everflow_steps_executed_total",
			Help: "Step bodies actually invoked.",
		}, []string{"name"}),
		stepsReplayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "everflow_steps_replayed_total",
			Help: "Step calls satisfied from the operation log.",
		}, []string{"name"}),
		stepsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "everflow_step_retries_total",
			Help: "Step retry attempts after a failure.",
		}, []string{"name"}),
		flushBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "everflow_flush_batches_total",
			Help: "Per-workflow batches of buffered read-only outputs flushed.",
		}),
		recoveredRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "everflow_recovered_workflows_total",
			Help: "Pending workflows re-invoked by recovery.",
		}),
		scheduledFirings: factory.NewCounter(prometheus.CounterOpts{
			Name: "everflow_scheduled_firings_total",
			Help: "Cron firings started by the scheduler.",
		}),
	}
}

func (m *Metrics) WorkflowStarted(name string) {
	if m == nil {
		return
	}
	m.workflowsStarted.WithLabelValues(name).Inc()
}

func (m *Metrics) WorkflowFinished(name, status string) {
	if m == nil {
		return
	}
	m.workflowsFinished.WithLabelValues(name, status).Inc()
}

func (m *Metrics) StepExecuted(name string) {
	if m == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(name).Inc()
}

func (m *Metrics) StepReplayed(name string) {
	if m == nil {
		return
	}
	m.stepsReplayed.WithLabelValues(name).Inc()
}

func (m *Metrics) StepRetried(name string) {
	if m == nil {
		return
	}
	m.stepsRetried.WithLabelValues(name).Inc()
}

func (m *Metrics) FlushCompleted(batches int) {
	if m == nil {
		return
	}
	m.flushBatches.Add(float64(batches))
}

func (m *Metrics) WorkflowRecovered() {
	if m == nil {
		return
	}
	m.recoveredRuns.Inc()
}

func (m *Metrics) ScheduledFiring() {
	if m == nil {
		return
	}
	m.scheduledFirings.Inc()
}
