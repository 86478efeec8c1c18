// Package metrics exposes Prometheus instrumentation for workflow runs and
// deployment rollouts. The Collector keeps a private registry so a host
// process can mount the handler wherever it wants without touching the
// global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsrun/opsrun/runbook"
)

// Collector wraps the engine's Prometheus metric vectors. It satisfies
// runbook.Events, so it can be installed directly on the executor;
// deployment outcomes are recorded by the engine via RecordDeployment.
type Collector struct {
	registry *prometheus.Registry

	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	StepsTotal       *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	StepRetries      *prometheus.CounterVec
	StepsInFlight    *prometheus.GaugeVec
	DeploymentsTotal *prometheus.CounterVec
}

var _ runbook.Events = (*Collector)(nil)

// NewCollector creates a Collector with its own registry. An empty namespace
// defaults to "opsrun".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "opsrun"
	}
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Total number of workflow runs",
		}, []string{"workflow", "status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Duration of workflow runs in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow"}),

		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of executed steps",
		}, []string{"workflow", "type", "status"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of executed steps in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"workflow", "type"}),

		StepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retry attempts beyond the first",
		}, []string{"workflow"}),

		StepsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "steps_in_flight",
			Help:      "Number of steps currently executing",
		}, []string{"workflow"}),

		DeploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Total number of deployment rollouts by final status",
		}, []string{"strategy", "status"}),
	}

	reg.MustRegister(
		c.RunsTotal,
		c.RunDuration,
		c.StepsTotal,
		c.StepDuration,
		c.StepRetries,
		c.StepsInFlight,
		c.DeploymentsTotal,
	)
	return c
}

// Handler returns an HTTP handler that serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StepStarted marks one step in flight.
func (c *Collector) StepStarted(workflow, _ string) {
	c.StepsInFlight.WithLabelValues(workflow).Inc()
}

// StepFinished records the step outcome. Steps skipped before starting
// (upstream failure, cancellation) never incremented the in-flight gauge,
// so they do not decrement it either.
func (c *Collector) StepFinished(workflow string, result *runbook.StepResult) {
	c.StepsTotal.WithLabelValues(workflow, string(result.Type), string(result.Status)).Inc()

	skippedBeforeStart := result.SkippedReason == runbook.SkipReasonUpstream ||
		result.SkippedReason == runbook.SkipReasonCancelled
	if !skippedBeforeStart {
		c.StepsInFlight.WithLabelValues(workflow).Dec()
	}

	if result.Status != runbook.StatusSkipped {
		c.StepDuration.WithLabelValues(workflow, string(result.Type)).Observe(result.Duration().Seconds())
	}
	if result.Attempts > 1 {
		c.StepRetries.WithLabelValues(workflow).Add(float64(result.Attempts - 1))
	}
}

// RunFinished records the overall run outcome.
func (c *Collector) RunFinished(workflow string, result *runbook.WorkflowResult) {
	c.RunsTotal.WithLabelValues(workflow, string(result.Status)).Inc()
	c.RunDuration.WithLabelValues(workflow).Observe(result.Duration().Seconds())
}

// RecordDeployment counts a rollout that reached the given status.
func (c *Collector) RecordDeployment(strategy, status string) {
	c.DeploymentsTotal.WithLabelValues(strategy, status).Inc()
}
