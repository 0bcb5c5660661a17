package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/browseros/autopilot/store"
)

// Learner tuning constants.
const (
	DefaultLearnerInterval = 60 * time.Second

	minCallsForOptimization    = 10
	successRateUpgradeThresh   = 0.7
	downgradeTestInterval      = 500
	maxPendingDowngradeTests   = 4
	downgradeCandidateRate     = 0.95
	downgradeCandidateMinCalls = 20
	maxDowngradeCandidates     = 2
	downgradeTestSampleSize    = 10
	successRateKeepThresh      = 0.9
)

// Learner is the periodic routing controller. Each cycle runs three passes:
// upgrade unreliable routes, schedule downgrade experiments on very reliable
// expensive routes, and evaluate experiments that collected enough samples.
type Learner struct {
	store   *store.Store
	table   *Table
	metrics *Metrics
	logger  *slog.Logger

	interval time.Duration

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// activeTests mirrors pending downgrade rows as tool → candidate model,
	// refreshed each cycle, so the router's hot path avoids the store.
	activeTests map[string]store.DowngradeTestRow
}

// LearnerOption configures a Learner.
type LearnerOption func(*Learner)

// WithLearnerInterval overrides the cycle interval.
func WithLearnerInterval(d time.Duration) LearnerOption {
	return func(l *Learner) {
		if d > 0 {
			l.interval = d
		}
	}
}

// NewLearner creates a self-learner over the given table and metrics.
func NewLearner(st *store.Store, table *Table, metrics *Metrics, logger *slog.Logger, opts ...LearnerOption) *Learner {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Learner{
		store:       st,
		table:       table,
		metrics:     metrics,
		logger:      logger,
		interval:    DefaultLearnerInterval,
		activeTests: make(map[string]store.DowngradeTestRow),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins the periodic cycle.
func (l *Learner) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("learner already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true

	l.refreshActiveTests()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.RunCycle()
			}
		}
	}()

	l.logger.Info("Self-learner started", "interval", l.interval.String())
	return nil
}

// Stop halts the cycle loop.
func (l *Learner) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	l.logger.Info("Self-learner stopped")
}

// ActiveTest returns the downgrade candidate for a tool while its experiment
// is collecting samples.
func (l *Learner) ActiveTest(tool string) (provider, model string, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.activeTests[tool]
	if !ok {
		return "", "", false
	}
	return t.Provider, t.ToModel, true
}

// RecordDowngradeTestResult feeds one call outcome into the matching pending
// experiment. Called by the execution layer for every completed chat step.
func (l *Learner) RecordDowngradeTestResult(tool, model string, success bool) {
	l.mu.RLock()
	t, ok := l.activeTests[tool]
	l.mu.RUnlock()
	if !ok || t.ToModel != model {
		return
	}
	matched, err := l.store.RecordDowngradeSample(tool, model, success)
	if err != nil {
		l.logger.Warn("Failed to record downgrade sample", "tool", tool, "error", err)
		return
	}
	if matched {
		l.logger.Debug("Downgrade sample recorded", "tool", tool, "model", model, "success", success)
	}
}

// RunCycle executes one learner cycle. Exported so tests and operators can
// trigger a cycle without waiting for the interval.
func (l *Learner) RunCycle() {
	aggs, err := l.metrics.Aggregate("")
	if err != nil {
		l.logger.Error("Failed to aggregate router metrics", "error", err)
		return
	}

	l.upgradeUnreliableRoutes(aggs)
	l.scheduleDowngradeTests(aggs)
	l.evaluateDowngradeTests()
	l.refreshActiveTests()
}

// currentRouteAggregate finds the aggregate row matching a tool's currently
// resolved route.
func (l *Learner) currentRouteAggregate(aggs []store.AggregatedMetric, tool string) (store.AggregatedMetric, Decision, bool) {
	d := l.table.Resolve(tool)
	for _, a := range aggs {
		if a.ToolName == tool && a.Provider == d.Provider && a.Model == d.Model {
			return a, d, true
		}
	}
	return store.AggregatedMetric{}, d, false
}

// upgradeUnreliableRoutes installs a stronger model for any tool whose
// current route keeps failing. Upgrades are monotonic haiku → sonnet → opus
// and apply to Anthropic routes only.
func (l *Learner) upgradeUnreliableRoutes(aggs []store.AggregatedMetric) {
	seen := make(map[string]bool)
	for _, a := range aggs {
		if seen[a.ToolName] {
			continue
		}
		seen[a.ToolName] = true

		cur, decision, ok := l.currentRouteAggregate(aggs, a.ToolName)
		if !ok || decision.Provider != "anthropic" {
			continue
		}
		if cur.TotalCalls < minCallsForOptimization || cur.SuccessRate >= successRateUpgradeThresh {
			continue
		}
		next, ok := upgradeModel(cur.Model)
		if !ok {
			continue
		}

		reason := fmt.Sprintf("auto-upgrade: success rate %.1f%% below %.0f%% threshold",
			cur.SuccessRate*100, successRateUpgradeThresh*100)
		if err := l.table.SetOverride(a.ToolName, decision.Provider, next, reason); err != nil {
			l.logger.Error("Failed to install upgrade override", "tool", a.ToolName, "error", err)
			continue
		}
		err := l.store.LogOptimization(store.OptimizationRow{
			ToolName:  a.ToolName,
			FromModel: cur.Model,
			ToModel:   next,
			Reason:    reason,
		})
		if err != nil {
			l.logger.Warn("Failed to log optimization", "tool", a.ToolName, "error", err)
		}
		l.logger.Info("Route upgraded",
			"tool", a.ToolName,
			"from_model", cur.Model,
			"to_model", next,
			"success_rate", cur.SuccessRate)
	}
}

// scheduleDowngradeTests opens experiments for very reliable routes on
// expensive models when the global call count crosses the test interval.
func (l *Learner) scheduleDowngradeTests(aggs []store.AggregatedMetric) {
	total, err := l.store.TotalCalls()
	if err != nil {
		l.logger.Error("Failed to count router calls", "error", err)
		return
	}
	if total == 0 || total%downgradeTestInterval != 0 {
		return
	}
	pending, err := l.store.CountPendingDowngradeTests()
	if err != nil {
		l.logger.Error("Failed to count pending downgrade tests", "error", err)
		return
	}
	if pending >= maxPendingDowngradeTests {
		return
	}

	scheduled := 0
	seen := make(map[string]bool)
	for _, a := range aggs {
		if scheduled >= maxDowngradeCandidates {
			return
		}
		if seen[a.ToolName] {
			continue
		}
		seen[a.ToolName] = true

		cur, decision, ok := l.currentRouteAggregate(aggs, a.ToolName)
		if !ok {
			continue
		}
		if cur.SuccessRate < downgradeCandidateRate || cur.TotalCalls < downgradeCandidateMinCalls {
			continue
		}
		next, ok := downgradeModel(cur.Model)
		if !ok {
			continue
		}
		if has, err := l.store.HasDowngradeTestForTool(a.ToolName); err != nil || has {
			continue
		}

		err = l.store.CreateDowngradeTest(store.DowngradeTestRow{
			ToolName:  a.ToolName,
			FromModel: cur.Model,
			ToModel:   next,
			Provider:  decision.Provider,
			Status:    store.DowngradeStatusPending,
		})
		if err != nil {
			l.logger.Error("Failed to create downgrade test", "tool", a.ToolName, "error", err)
			continue
		}
		scheduled++
		l.logger.Info("Downgrade test scheduled",
			"tool", a.ToolName,
			"from_model", cur.Model,
			"to_model", next,
			"success_rate", cur.SuccessRate)
	}
}

// evaluateDowngradeTests settles experiments that collected enough samples:
// the cheaper model is kept when it sustained the keep threshold.
func (l *Learner) evaluateDowngradeTests() {
	tests, err := l.store.PendingDowngradeTests()
	if err != nil {
		l.logger.Error("Failed to list pending downgrade tests", "error", err)
		return
	}
	for _, t := range tests {
		if t.SampleSize < downgradeTestSampleSize {
			continue
		}
		rate := float64(t.SuccessCount) / float64(t.SampleSize)
		if rate >= successRateKeepThresh {
			reason := fmt.Sprintf("downgrade test passed: %.1f%% success over %d samples",
				rate*100, t.SampleSize)
			if err := l.table.SetOverride(t.ToolName, t.Provider, t.ToModel, reason); err != nil {
				l.logger.Error("Failed to install downgrade override", "tool", t.ToolName, "error", err)
				continue
			}
			err := l.store.LogOptimization(store.OptimizationRow{
				ToolName:  t.ToolName,
				FromModel: t.FromModel,
				ToModel:   t.ToModel,
				Reason:    reason,
			})
			if err != nil {
				l.logger.Warn("Failed to log optimization", "tool", t.ToolName, "error", err)
			}
			if err := l.store.CompleteDowngradeTest(t.ID, store.DowngradeStatusPassed); err != nil {
				l.logger.Error("Failed to complete downgrade test", "test_id", t.ID, "error", err)
			}
			l.logger.Info("Downgrade test passed",
				"tool", t.ToolName,
				"model", t.ToModel,
				"success_rate", rate)
		} else {
			if err := l.store.CompleteDowngradeTest(t.ID, store.DowngradeStatusFailed); err != nil {
				l.logger.Error("Failed to complete downgrade test", "test_id", t.ID, "error", err)
			}
			l.logger.Info("Downgrade test failed",
				"tool", t.ToolName,
				"model", t.ToModel,
				"success_rate", rate)
		}
	}
}

// refreshActiveTests reloads the pending-test mirror.
func (l *Learner) refreshActiveTests() {
	tests, err := l.store.PendingDowngradeTests()
	if err != nil {
		l.logger.Warn("Failed to refresh active downgrade tests", "error", err)
		return
	}
	next := make(map[string]store.DowngradeTestRow, len(tests))
	for _, t := range tests {
		if _, ok := next[t.ToolName]; !ok {
			next[t.ToolName] = t
		}
	}
	l.mu.Lock()
	l.activeTests = next
	l.mu.Unlock()
}

// upgradeModel returns the next stronger Anthropic tier, stopping at opus.
func upgradeModel(model string) (string, bool) {
	switch {
	case strings.Contains(model, "haiku"):
		return ModelSonnet, true
	case strings.Contains(model, "sonnet"):
		return ModelOpus, true
	default:
		return "", false
	}
}

// downgradeModel returns the next cheaper Anthropic tier.
func downgradeModel(model string) (string, bool) {
	switch {
	case strings.Contains(model, "opus"):
		return ModelSonnet, true
	case strings.Contains(model, "sonnet"):
		return ModelHaiku, true
	default:
		return "", false
	}
}
