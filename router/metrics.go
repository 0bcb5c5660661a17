package router

import (
	"log/slog"
	"strings"
	"time"

	"github.com/browseros/autopilot/store"
)

// Rough per-call cost estimates by model tier, used for aggregate cost
// reporting only.
const (
	costPerCallOpus   = 0.075
	costPerCallSonnet = 0.015
	costPerCallHaiku  = 0.004
)

// estimateCost maps a model id to its per-call cost estimate.
func estimateCost(model string) float64 {
	switch {
	case strings.Contains(model, "opus"):
		return costPerCallOpus
	case strings.Contains(model, "haiku"):
		return costPerCallHaiku
	default:
		return costPerCallSonnet
	}
}

// Metrics is the append-only per-call log.
type Metrics struct {
	store  *store.Store
	logger *slog.Logger

	// onRecord is an optional hook fired per recorded call (metrics).
	onRecord func(provider, model string, success bool)
}

// OnRecord installs a hook fired for every recorded call.
func (m *Metrics) OnRecord(f func(provider, model string, success bool)) {
	m.onRecord = f
}

// NewMetrics creates the metrics recorder.
func NewMetrics(st *store.Store, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Metrics{store: st, logger: logger}
}

// Record appends one call record. Recording failures are logged only; a
// dropped metric must never fail the call that produced it.
func (m *Metrics) Record(tool, provider, model string, success bool, latencyMs int64) {
	err := m.store.RecordMetric(store.MetricRow{
		ToolName:      tool,
		Provider:      provider,
		Model:         model,
		Success:       success,
		LatencyMs:     latencyMs,
		EstimatedCost: estimateCost(model),
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		m.logger.Warn("Failed to record router metric", "tool", tool, "error", err)
	}
	if m.onRecord != nil {
		m.onRecord(provider, model, success)
	}
}

// Aggregate rolls up records by (tool, provider, model). An empty tool
// aggregates everything.
func (m *Metrics) Aggregate(tool string) ([]store.AggregatedMetric, error) {
	return m.store.AggregateMetrics(tool)
}
