// Package metric exposes Prometheus instrumentation for the control plane.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the process collectors. One instance per process,
// registered on its own registry so tests can create instances freely.
type Metrics struct {
	registry *prometheus.Registry

	TasksCreated     prometheus.Counter
	TaskTransitions  *prometheus.CounterVec
	TasksActive      prometheus.Gauge
	TaskDuration     prometheus.Histogram
	RetriesScheduled prometheus.Counter

	RouterCalls    *prometheus.CounterVec
	RouteDecisions *prometheus.CounterVec

	OptimizerRuns        prometheus.Counter
	OptimizerTokensSaved prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_tasks_created_total",
			Help: "Tasks accepted by the API.",
		}),
		TaskTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autopilot_task_transitions_total",
			Help: "Task lifecycle transitions by resulting state.",
		}, []string{"state"}),
		TasksActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "autopilot_tasks_active",
			Help: "Tasks currently dispatched to executors.",
		}),
		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "autopilot_task_execution_seconds",
			Help:    "Task execution wall time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		RetriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_task_retries_total",
			Help: "Retry attempts scheduled.",
		}),
		RouterCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autopilot_router_calls_total",
			Help: "Tool calls by provider, model, and outcome.",
		}, []string{"provider", "model", "outcome"}),
		RouteDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "autopilot_route_decisions_total",
			Help: "Routing decisions by reason.",
		}, []string{"reason"}),
		OptimizerRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_optimizer_runs_total",
			Help: "Memory optimizer cycles completed.",
		}),
		OptimizerTokensSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_optimizer_tokens_saved_total",
			Help: "Tokens freed by memory optimization.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
