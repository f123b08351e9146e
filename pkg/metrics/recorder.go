// Package metrics records orchestrator activity as Prometheus metrics and
// queries it back for usage reports.
package metrics

import (
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"autocoder/pkg/durable"
)

// Recorder implements durable.Observer, followup.Metrics and
// coordinator.AgentMetrics.
type Recorder struct {
	stepsTotal      *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	executionsTotal *prometheus.CounterVec
	scansTotal      *prometheus.CounterVec
	prsScanned      *prometheus.CounterVec
	triggersTotal   *prometheus.CounterVec
	signalsTotal    *prometheus.CounterVec
	agentRunsTotal  *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	agentDuration   *prometheus.HistogramVec
}

// NewRecorder registers the collectors with reg. A nil reg uses the default
// registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_steps_total",
				Help: "Durable steps finished, by workflow, step and outcome",
			},
			[]string{"workflow", "step", "status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autocoder_step_duration_seconds",
				Help:    "Wall time of durable steps including retries",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"workflow", "step"},
		),
		executionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_executions_total",
				Help: "Workflow executions finished, by workflow and status",
			},
			[]string{"workflow", "status"},
		),
		scansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_followup_scans_total",
				Help: "Follow-up scans run per project",
			},
			[]string{"project"},
		),
		prsScanned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_followup_prs_scanned_total",
				Help: "Generated pull requests evaluated by follow-up scans",
			},
			[]string{"project"},
		),
		triggersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_followup_triggers_total",
				Help: "Follow-up triggers emitted",
			},
			[]string{"project"},
		),
		signalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_followup_signals_total",
				Help: "Follow-up signals that fired, by type",
			},
			[]string{"project", "signal"},
		),
		agentRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_agent_runs_total",
				Help: "Agent invocations by project, agent type and outcome",
			},
			[]string{"project", "agent_type", "status"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_agent_tokens_total",
				Help: "Tokens used by agent runs",
			},
			[]string{"project", "agent_type", "type"},
		),
		costsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autocoder_agent_costs_total",
				Help: "Cost in USD reported by agent runs",
			},
			[]string{"project", "agent_type"},
		),
		agentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autocoder_agent_duration_seconds",
				Help:    "Duration of agent invocations",
				Buckets: prometheus.ExponentialBuckets(10, 2, 10),
			},
			[]string{"project", "agent_type"},
		),
	}
}

// StepFinished implements durable.Observer.
func (r *Recorder) StepFinished(workflow, step string, _ int, elapsed time.Duration, err error) {
	r.stepsTotal.WithLabelValues(workflow, stepFamily(step), outcome(err)).Inc()
	r.stepDuration.WithLabelValues(workflow, stepFamily(step)).Observe(elapsed.Seconds())
}

// ExecutionFinished implements durable.Observer.
func (r *Recorder) ExecutionFinished(workflow, status string) {
	r.executionsTotal.WithLabelValues(workflow, status).Inc()
}

// ObserveScan implements followup.Metrics.
func (r *Recorder) ObserveScan(project string, scanned, triggered int) {
	r.scansTotal.WithLabelValues(project).Inc()
	r.prsScanned.WithLabelValues(project).Add(float64(scanned))
	r.triggersTotal.WithLabelValues(project).Add(float64(triggered))
}

// ObserveSignal implements followup.Metrics.
func (r *Recorder) ObserveSignal(project, signal string) {
	r.signalsTotal.WithLabelValues(project, signal).Inc()
}

// ObserveAgentRun records one agent invocation.
func (r *Recorder) ObserveAgentRun(project, agentType string, success bool,
	promptTokens, completionTokens int64, cost float64, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	r.agentRunsTotal.WithLabelValues(project, agentType, status).Inc()
	r.tokensTotal.WithLabelValues(project, agentType, "prompt").Add(float64(promptTokens))
	r.tokensTotal.WithLabelValues(project, agentType, "completion").Add(float64(completionTokens))
	r.costsTotal.WithLabelValues(project, agentType).Add(cost)
	r.agentDuration.WithLabelValues(project, agentType).Observe(duration.Seconds())
}

// stepFamily strips the per-item suffix of step names like detect:12 so
// label cardinality stays bounded.
func stepFamily(step string) string {
	if i := strings.IndexByte(step, ':'); i >= 0 {
		return step[:i]
	}
	return step
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, durable.ErrCanceled), durable.IsStopping(err):
		return "canceled"
	default:
		return "error"
	}
}
