// Package router maps browser tool invocations to LLM providers and models:
// a defaults table overlaid by persisted overrides, a provider credential
// pool, per-call metrics, and a periodic self-learner that rewrites routes
// from observed reliability.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/browseros/autopilot/store"
)

// Route decision reasons.
const (
	ReasonDefault             = "default"
	ReasonOptimized           = "optimized"
	ReasonFallback            = "fallback"
	ReasonDowngradeTest       = "downgrade_test"
	ReasonNoAvailableProvider = "no_available_provider"
)

// Anthropic model tiers used by the learner's upgrade/downgrade ladder.
const (
	ModelHaiku  = "claude-haiku-4-5-20251001"
	ModelSonnet = "claude-sonnet-4-5-20250929"
	ModelOpus   = "claude-opus-4-1-20250805"
)

// Fallback route when nothing matches.
const (
	FallbackProvider = "anthropic"
	FallbackModel    = ModelSonnet
)

// Decision is one routing outcome.
type Decision struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Reason   string `json:"reason"`
}

// defaultRoute is one built-in mapping.
type defaultRoute struct {
	Category  string
	Provider  string
	Model     string
	Fallbacks []string
}

// defaultRoutes maps tool patterns to their built-in routes. Patterns are
// exact names or prefixes ending in "*"; longest pattern wins.
var defaultRoutes = map[string]defaultRoute{
	"browser_navigate":   {Category: "navigation", Provider: "anthropic", Model: ModelHaiku, Fallbacks: []string{ModelSonnet}},
	"browser_back":       {Category: "navigation", Provider: "anthropic", Model: ModelHaiku, Fallbacks: []string{ModelSonnet}},
	"browser_forward":    {Category: "navigation", Provider: "anthropic", Model: ModelHaiku, Fallbacks: []string{ModelSonnet}},
	"browser_reload":     {Category: "navigation", Provider: "anthropic", Model: ModelHaiku, Fallbacks: []string{ModelSonnet}},
	"browser_click":      {Category: "interaction", Provider: "anthropic", Model: ModelHaiku, Fallbacks: []string{ModelSonnet}},
	"browser_type":       {Category: "interaction", Provider: "anthropic", Model: ModelHaiku, Fallbacks: []string{ModelSonnet}},
	"browser_scroll":     {Category: "interaction", Provider: "anthropic", Model: ModelHaiku, Fallbacks: []string{ModelSonnet}},
	"browser_hover":      {Category: "interaction", Provider: "anthropic", Model: ModelHaiku, Fallbacks: []string{ModelSonnet}},
	"browser_tab_*":      {Category: "tabs", Provider: "anthropic", Model: ModelHaiku, Fallbacks: []string{ModelSonnet}},
	"browser_extract_*":  {Category: "extraction", Provider: "anthropic", Model: ModelSonnet, Fallbacks: []string{ModelOpus}},
	"browser_snapshot":   {Category: "extraction", Provider: "anthropic", Model: ModelSonnet, Fallbacks: []string{ModelOpus}},
	"browser_multi_act":  {Category: "complex", Provider: "anthropic", Model: ModelOpus, Fallbacks: []string{ModelSonnet}},
	"browser_plan":       {Category: "complex", Provider: "anthropic", Model: ModelOpus, Fallbacks: []string{ModelSonnet}},
	"browser_form_fill*": {Category: "complex", Provider: "anthropic", Model: ModelSonnet, Fallbacks: []string{ModelOpus}},
}

// Entry is one row of the full routing table view.
type Entry struct {
	ToolPattern string    `json:"toolPattern"`
	Category    string    `json:"category,omitempty"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	IsOverride  bool      `json:"isOverride"`
	Reason      string    `json:"reason,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// Table resolves tool names against overrides and defaults. Overrides live
// in memory mirrored to the store; mutations update both under one lock so
// readers never observe a torn route.
type Table struct {
	store  *store.Store
	logger *slog.Logger

	mu        sync.RWMutex
	overrides map[string]store.OverrideRow
}

// NewTable creates a table and restores persisted overrides.
func NewTable(st *store.Store, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{
		store:     st,
		logger:    logger,
		overrides: make(map[string]store.OverrideRow),
	}
	rows, err := st.ListOverrides()
	if err != nil {
		return nil, fmt.Errorf("load routing overrides: %w", err)
	}
	for _, r := range rows {
		t.overrides[r.ToolPattern] = r
	}
	if len(rows) > 0 {
		logger.Info("Restored routing overrides", "count", len(rows))
	}
	return t, nil
}

// Resolve maps a tool name to a provider and model. Overrides win over
// defaults; within each layer exact matches win over wildcard patterns, and
// longer wildcard patterns win over shorter ones.
func (t *Table) Resolve(toolName string) Decision {
	t.mu.RLock()
	if o, ok := t.overrides[toolName]; ok {
		t.mu.RUnlock()
		return Decision{Provider: o.Provider, Model: o.Model, Reason: ReasonOptimized}
	}
	patterns := make([]string, 0, len(t.overrides))
	for p := range t.overrides {
		patterns = append(patterns, p)
	}
	t.mu.RUnlock()

	if p, ok := bestWildcardMatch(patterns, toolName); ok {
		t.mu.RLock()
		o := t.overrides[p]
		t.mu.RUnlock()
		return Decision{Provider: o.Provider, Model: o.Model, Reason: ReasonOptimized}
	}

	if d, ok := defaultRoutes[toolName]; ok {
		return Decision{Provider: d.Provider, Model: d.Model, Reason: ReasonDefault}
	}
	defPatterns := make([]string, 0, len(defaultRoutes))
	for p := range defaultRoutes {
		defPatterns = append(defPatterns, p)
	}
	if p, ok := bestWildcardMatch(defPatterns, toolName); ok {
		d := defaultRoutes[p]
		return Decision{Provider: d.Provider, Model: d.Model, Reason: ReasonDefault}
	}

	return Decision{Provider: FallbackProvider, Model: FallbackModel, Reason: ReasonFallback}
}

// bestWildcardMatch returns the longest pattern ending in "*" that matches
// toolName. Sorting by length makes the longest-match deterministic even
// though patterns come from map iteration.
func bestWildcardMatch(patterns []string, toolName string) (string, bool) {
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) > len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})
	for _, p := range patterns {
		if !strings.HasSuffix(p, "*") {
			continue
		}
		if ok, err := doublestar.Match(p, toolName); err == nil && ok {
			return p, true
		}
	}
	return "", false
}

// SetOverride installs an override in memory and the store.
func (t *Table) SetOverride(toolPattern, provider, model, reason string) error {
	row := store.OverrideRow{
		ToolPattern: toolPattern,
		Provider:    provider,
		Model:       model,
		Reason:      reason,
		UpdatedAt:   time.Now().UTC(),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store.SetOverride(row); err != nil {
		return err
	}
	t.overrides[toolPattern] = row
	t.logger.Info("Routing override installed",
		"tool_pattern", toolPattern,
		"provider", provider,
		"model", model,
		"reason", reason)
	return nil
}

// RemoveOverride deletes an override from memory and the store.
func (t *Table) RemoveOverride(toolPattern string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.store.DeleteOverride(toolPattern); err != nil {
		return err
	}
	delete(t.overrides, toolPattern)
	return nil
}

// Override returns the override for an exact pattern, if installed.
func (t *Table) Override(toolPattern string) (store.OverrideRow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.overrides[toolPattern]
	return o, ok
}

// GetAll enumerates the full table: every default with its override flag,
// plus overrides that shadow no default. Sorted by pattern for stable output.
func (t *Table) GetAll() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]Entry, 0, len(defaultRoutes)+len(t.overrides))
	for pattern, d := range defaultRoutes {
		e := Entry{
			ToolPattern: pattern,
			Category:    d.Category,
			Provider:    d.Provider,
			Model:       d.Model,
		}
		if o, ok := t.overrides[pattern]; ok {
			e.IsOverride = true
			e.Provider = o.Provider
			e.Model = o.Model
			e.Reason = o.Reason
			e.UpdatedAt = o.UpdatedAt
		}
		entries = append(entries, e)
	}
	for pattern, o := range t.overrides {
		if _, shadowed := defaultRoutes[pattern]; shadowed {
			continue
		}
		entries = append(entries, Entry{
			ToolPattern: pattern,
			Provider:    o.Provider,
			Model:       o.Model,
			IsOverride:  true,
			Reason:      o.Reason,
			UpdatedAt:   o.UpdatedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ToolPattern < entries[j].ToolPattern })
	return entries
}
