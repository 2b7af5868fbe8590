// Package metrics exposes pipeline counters and durations to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/OFFIS-RIT/kgraph/pkg/common"
	"github.com/OFFIS-RIT/kgraph/pkg/workflow"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kgraph"

// Collector holds the pipeline metrics on its own registry. It implements
// workflow.Observer.
type Collector struct {
	registry *prometheus.Registry

	workflowRuns     *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
	stepRuns         *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	llmCalls         *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		workflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Finished workflow runs by workflow and outcome",
		}, []string{"workflow", "outcome"}),
		workflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"workflow"}),
		stepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_runs_total",
			Help:      "Finished workflow steps by step and outcome",
		}, []string{"step", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Workflow step duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16),
		}, []string{"step"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_transitions_total",
			Help:      "Persisted document status transitions",
		}, []string{"from", "to"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Model calls by call and error kind",
		}, []string{"call", "kind"}),
	}
	c.registry.MustRegister(
		c.workflowRuns, c.workflowDuration,
		c.stepRuns, c.stepDuration,
		c.transitions, c.llmCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) StepFinished(step workflow.StepName, d time.Duration, err error) {
	c.stepRuns.WithLabelValues(string(step), outcome(err)).Inc()
	c.stepDuration.WithLabelValues(string(step)).Observe(d.Seconds())
}

func (c *Collector) WorkflowFinished(name workflow.Name, d time.Duration, err error) {
	c.workflowRuns.WithLabelValues(string(name), outcome(err)).Inc()
	c.workflowDuration.WithLabelValues(string(name)).Observe(d.Seconds())
}

// Transition matches graph.StatusTracker.OnTransition.
func (c *Collector) Transition(from, to common.RestructureStatus) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// LLMCall matches ai.GuardOptions.Observe.
func (c *Collector) LLMCall(call string, err error) {
	kind := "ok"
	if err != nil {
		kind = string(common.KindOf(err))
	}
	c.llmCalls.WithLabelValues(call, kind).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return string(common.KindOf(err))
	}
}

var _ workflow.Observer = (*Collector)(nil)
