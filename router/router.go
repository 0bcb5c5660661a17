package router

import (
	"log/slog"

	"github.com/browseros/autopilot/task"
)

// Router is the full routing pipeline: table resolution, downgrade-test
// steering, and provider availability checks against the credential pool.
type Router struct {
	table   *Table
	pool    *Pool
	learner *Learner
	logger  *slog.Logger

	// onDecision is an optional hook fired per routing decision (metrics).
	onDecision func(Decision)
}

// NewRouter assembles the pipeline. learner may be nil; routing then skips
// downgrade-test steering.
func NewRouter(table *Table, pool *Pool, learner *Learner, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{table: table, pool: pool, learner: learner, logger: logger}
}

// Table exposes the underlying routing table.
func (r *Router) Table() *Table {
	return r.table
}

// Pool exposes the credential pool.
func (r *Router) Pool() *Pool {
	return r.pool
}

// OnDecision installs a hook fired for every routing decision.
func (r *Router) OnDecision(f func(Decision)) {
	r.onDecision = f
}

// Route decides (provider, model, reason) for one tool invocation. A pending
// downgrade experiment steers the tool to its candidate model so samples
// accumulate; otherwise the table resolves. The chosen provider is then
// checked against the pool: an unregistered provider falls back to the first
// available one (model kept), and when none is available the decision passes
// through with reason no_available_provider.
func (r *Router) Route(toolName string) Decision {
	d := r.route(toolName)
	if r.onDecision != nil {
		r.onDecision(d)
	}
	return d
}

func (r *Router) route(toolName string) Decision {
	var d Decision
	if r.learner != nil {
		if provider, model, ok := r.learner.ActiveTest(toolName); ok {
			d = Decision{Provider: provider, Model: model, Reason: ReasonDowngradeTest}
		}
	}
	if d.Provider == "" {
		d = r.table.Resolve(toolName)
	}

	if r.pool.Available(d.Provider) {
		return d
	}
	if providers := r.pool.Providers(); len(providers) > 0 {
		r.logger.Debug("Provider unavailable, falling back",
			"tool", toolName,
			"wanted", d.Provider,
			"using", providers[0])
		return Decision{Provider: providers[0], Model: d.Model, Reason: ReasonFallback}
	}
	d.Reason = ReasonNoAvailableProvider
	return d
}

// BuildConfig materializes the full call-config for a tool, or nil when the
// routed provider has no credentials.
func (r *Router) BuildConfig(toolName string) *task.LLMConfig {
	d := r.Route(toolName)
	if d.Reason == ReasonNoAvailableProvider {
		return nil
	}
	return r.pool.BuildLLMConfig(d.Provider, d.Model)
}

// CallRecorder bridges executor step records into router metrics and
// downgrade-test accounting.
type CallRecorder struct {
	metrics *Metrics
	learner *Learner
}

// NewCallRecorder creates the bridge. learner may be nil.
func NewCallRecorder(metrics *Metrics, learner *Learner) *CallRecorder {
	return &CallRecorder{metrics: metrics, learner: learner}
}

// RecordCall records one tool step outcome.
func (c *CallRecorder) RecordCall(tool, provider, model string, success bool, latencyMs int64) {
	if tool == "" {
		return
	}
	c.metrics.Record(tool, provider, model, success, latencyMs)
	if c.learner != nil {
		c.learner.RecordDowngradeTestResult(tool, model, success)
	}
}
