package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/browseros/autopilot/store"
)

// Optimizer tuning constants.
const (
	DefaultOptimizerInterval = 120 * time.Second

	minEntriesForOptimization = 10
	recentSessionWindow       = 20
	learningRate              = 0.05
	targetUsageRatio          = 0.65
	maxHistoryEntries         = 500

	// minSavingsRatio: below this, a run that should have freed tokens gets
	// the strong parameter correction.
	minSavingsRatio = 0.05
)

// Persisted parameter keys.
const (
	paramCompressionTrigger = "compressionTrigger"
	paramFullMessageWindow  = "fullMessageWindow"
	paramMinRelevance       = "minRelevance"
)

// RunReport summarizes one optimizer cycle.
type RunReport struct {
	Entries           int     `json:"entries"`
	TokensBefore      int     `json:"tokensBefore"`
	TokensAfter       int     `json:"tokensAfter"`
	EntriesCompressed int     `json:"entriesCompressed"`
	EntriesDropped    int     `json:"entriesDropped"`
	EntriesPromoted   int     `json:"entriesPromoted"`
	UsageRatio        float64 `json:"usageRatio"`
	Params            Params  `json:"params"`
}

// Optimizer is the periodic memory controller: it applies the analyzer's
// actions and adapts the parameter triplet toward the target usage ratio.
type Optimizer struct {
	store      *store.Store
	analyzer   *Analyzer
	budget     *BudgetManager
	compressor *Compressor
	logger     *slog.Logger

	interval time.Duration

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// onCycle is an optional hook fired after each completed cycle (metrics).
	onCycle func(RunReport)
}

// OnCycle installs a hook fired after every completed cycle, including no-op
// cycles below the minimum entry count.
func (o *Optimizer) OnCycle(f func(RunReport)) {
	o.onCycle = f
}

// OptimizerOption configures an Optimizer.
type OptimizerOption func(*Optimizer)

// WithOptimizerInterval overrides the cycle interval.
func WithOptimizerInterval(d time.Duration) OptimizerOption {
	return func(o *Optimizer) {
		if d > 0 {
			o.interval = d
		}
	}
}

// NewOptimizer creates an optimizer and restores persisted parameters;
// missing parameters keep the budget manager's defaults.
func NewOptimizer(st *store.Store, budget *BudgetManager, logger *slog.Logger, opts ...OptimizerOption) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Optimizer{
		store:      st,
		analyzer:   NewAnalyzer(),
		budget:     budget,
		compressor: NewCompressor(),
		logger:     logger,
		interval:   DefaultOptimizerInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.restoreParams()
	return o
}

// restoreParams loads the persisted triplet over the defaults.
func (o *Optimizer) restoreParams() {
	persisted, err := o.store.ListAdaptiveParameters()
	if err != nil {
		o.logger.Warn("Failed to restore adaptive parameters", "error", err)
		return
	}
	p := o.budget.Params()
	restored := 0
	if v, ok := persisted[paramCompressionTrigger]; ok {
		p.CompressionTrigger = v
		restored++
	}
	if v, ok := persisted[paramFullMessageWindow]; ok {
		p.FullMessageWindow = int(v)
		restored++
	}
	if v, ok := persisted[paramMinRelevance]; ok {
		p.MinRelevance = v
		restored++
	}
	o.budget.SetParams(p)
	if restored > 0 {
		o.logger.Info("Restored adaptive parameters", "count", restored)
	}
}

// Params returns the current adaptive parameters.
func (o *Optimizer) Params() Params {
	return o.budget.Params()
}

// Start begins the periodic cycle.
func (o *Optimizer) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("optimizer already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := o.RunCycle(""); err != nil {
					o.logger.Error("Optimizer cycle failed", "error", err)
				}
			}
		}
	}()

	o.logger.Info("Memory optimizer started", "interval", o.interval.String())
	return nil
}

// Stop halts the cycle loop.
func (o *Optimizer) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.logger.Info("Memory optimizer stopped")
}

// RunCycle optimizes one session, or the most recently active sessions when
// sessionID is empty. Fewer than the minimum entry count is a no-op.
func (o *Optimizer) RunCycle(sessionID string) (*RunReport, error) {
	entries, err := o.targetEntries(sessionID)
	if err != nil {
		return nil, err
	}
	report := &RunReport{Entries: len(entries), Params: o.budget.Params()}
	if len(entries) < minEntriesForOptimization {
		if o.onCycle != nil {
			o.onCycle(*report)
		}
		return report, nil
	}

	tokens := make(map[string]int, len(entries))
	tokensBefore := 0
	for _, e := range entries {
		n := e.TokenCount
		if n <= 0 {
			n = o.budget.EstimateTokens(e.Content)
		}
		tokens[e.ID] = n
		tokensBefore += n
	}
	usageRatio := float64(tokensBefore) / float64(o.budget.AvailableBudget())

	params := o.budget.Params()
	now := time.Now().UTC()
	actions := o.analyzer.Analyze(entries, params.MinRelevance, now)

	byID := make(map[string]store.MemoryEntryRow, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	for _, action := range actions {
		e, ok := byID[action.EntryID]
		if !ok {
			continue
		}
		switch action.Kind {
		case ActionCompress:
			if e.IsCompressed {
				continue
			}
			compressed := o.compressor.Compress(e.Role, e.Content)
			n := o.budget.EstimateTokens(compressed)
			if n >= tokens[e.ID] {
				continue
			}
			if err := o.store.MarkCompressed(e.ID, compressed, n); err != nil {
				o.logger.Warn("Failed to compress entry", "entry_id", e.ID, "error", err)
				continue
			}
			tokens[e.ID] = n
			report.EntriesCompressed++
		case ActionDrop:
			if err := o.store.DeleteMemoryEntry(e.ID); err != nil {
				o.logger.Warn("Failed to drop entry", "entry_id", e.ID, "error", err)
				continue
			}
			delete(tokens, e.ID)
			report.EntriesDropped++
		case ActionPromote:
			if err := o.store.SetRelevance(e.ID, 1.0); err != nil {
				o.logger.Warn("Failed to promote entry", "entry_id", e.ID, "error", err)
				continue
			}
			report.EntriesPromoted++
		}
	}

	tokensAfter := 0
	for _, n := range tokens {
		tokensAfter += n
	}

	params = o.adaptParams(params, usageRatio, tokensBefore, tokensAfter)
	o.budget.SetParams(params)
	o.persist(sessionID, params, tokensBefore, tokensAfter, report)

	report.TokensBefore = tokensBefore
	report.TokensAfter = tokensAfter
	report.UsageRatio = usageRatio
	report.Params = params

	o.logger.Info("Optimizer cycle complete",
		"entries", len(entries),
		"tokens_before", tokensBefore,
		"tokens_after", tokensAfter,
		"compressed", report.EntriesCompressed,
		"dropped", report.EntriesDropped,
		"promoted", report.EntriesPromoted,
		"usage_ratio", usageRatio)
	if o.onCycle != nil {
		o.onCycle(*report)
	}
	return report, nil
}

// targetEntries loads one session's entries, or those of the most recently
// active sessions.
func (o *Optimizer) targetEntries(sessionID string) ([]store.MemoryEntryRow, error) {
	if sessionID != "" {
		return o.store.SessionEntries(sessionID)
	}
	sessions, err := o.store.RecentSessions(recentSessionWindow)
	if err != nil {
		return nil, err
	}
	var entries []store.MemoryEntryRow
	for _, sid := range sessions {
		es, err := o.store.SessionEntries(sid)
		if err != nil {
			return nil, err
		}
		entries = append(entries, es...)
	}
	return entries, nil
}

// adaptParams moves the triplet toward the target usage ratio with the
// learning rate, all clamped.
func (o *Optimizer) adaptParams(p Params, usageRatio float64, tokensBefore, tokensAfter int) Params {
	diff := usageRatio - targetUsageRatio
	switch {
	case diff > 0.10:
		p.CompressionTrigger = clampFloat(p.CompressionTrigger-learningRate, 0.40, 1)
		p.FullMessageWindow = clampInt(p.FullMessageWindow-2, 10, 50)
		p.MinRelevance = clampFloat(p.MinRelevance+learningRate, 0, 0.60)
	case diff < -0.15:
		p.CompressionTrigger = clampFloat(p.CompressionTrigger+0.5*learningRate, 0, 0.85)
		p.FullMessageWindow = clampInt(p.FullMessageWindow+1, 10, 50)
		p.MinRelevance = clampFloat(p.MinRelevance-0.5*learningRate, 0.15, 1)
	}

	if tokensBefore > 0 && usageRatio > targetUsageRatio {
		savingsRatio := float64(tokensBefore-tokensAfter) / float64(tokensBefore)
		if savingsRatio < minSavingsRatio {
			p.CompressionTrigger = clampFloat(p.CompressionTrigger-2*learningRate, 0.35, 1)
			p.MinRelevance = clampFloat(p.MinRelevance+2*learningRate, 0, 0.70)
		}
	}
	return p
}

// persist writes the parameter triplet and the run snapshot.
func (o *Optimizer) persist(sessionID string, p Params, tokensBefore, tokensAfter int, report *RunReport) {
	pairs := map[string]float64{
		paramCompressionTrigger: p.CompressionTrigger,
		paramFullMessageWindow:  float64(p.FullMessageWindow),
		paramMinRelevance:       p.MinRelevance,
	}
	for key, value := range pairs {
		if err := o.store.UpsertAdaptiveParameter(key, value); err != nil {
			o.logger.Warn("Failed to persist adaptive parameter", "key", key, "error", err)
		}
	}

	paramsJSON, err := json.Marshal(p)
	if err != nil {
		o.logger.Warn("Failed to encode parameter snapshot", "error", err)
		return
	}
	snap := store.SnapshotRow{
		SessionID:         sessionID,
		TokensBefore:      tokensBefore,
		TokensAfter:       tokensAfter,
		EntriesCompressed: report.EntriesCompressed,
		EntriesDropped:    report.EntriesDropped,
		EntriesPromoted:   report.EntriesPromoted,
		Parameters:        sql.NullString{String: string(paramsJSON), Valid: true},
		CreatedAt:         time.Now().UTC(),
	}
	if err := o.store.AppendSnapshot(snap, maxHistoryEntries); err != nil {
		o.logger.Warn("Failed to append optimizer snapshot", "error", err)
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// OptimizeSession runs one cycle scoped to a session.
func (o *Optimizer) OptimizeSession(sessionID string) (*RunReport, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	return o.RunCycle(sessionID)
}
