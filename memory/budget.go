// Package memory implements the adaptive conversation-memory optimizer: a
// token budget model, a relevance analyzer that proposes compress / drop /
// promote actions, a fact-preserving compressor, and a periodic controller
// that applies the actions and tunes its own thresholds toward a target
// token-usage ratio.
package memory

import (
	"sync"
)

// Budget model defaults. The available budget is the context window minus
// the system prompt and the reserve held back for the model's response.
const (
	DefaultMaxContextTokens      = 200000
	DefaultSystemPromptTokens    = 10000
	DefaultResponseReserveTokens = 20000
)

// Adaptive parameter defaults, used until persisted values exist.
const (
	DefaultCompressionTrigger = 0.70
	DefaultFullMessageWindow  = 20
	DefaultMinRelevance       = 0.30
)

// Params is the adaptive triplet the optimizer mutates each tick.
type Params struct {
	CompressionTrigger float64 `json:"compressionTrigger"`
	FullMessageWindow  int     `json:"fullMessageWindow"`
	MinRelevance       float64 `json:"minRelevance"`
}

// DefaultParams returns the built-in parameter values.
func DefaultParams() Params {
	return Params{
		CompressionTrigger: DefaultCompressionTrigger,
		FullMessageWindow:  DefaultFullMessageWindow,
		MinRelevance:       DefaultMinRelevance,
	}
}

// BudgetManager owns the token budget model and the current adaptive
// parameters.
type BudgetManager struct {
	maxContextTokens      int
	systemPromptTokens    int
	responseReserveTokens int

	mu     sync.RWMutex
	params Params
}

// NewBudgetManager creates a budget manager with the default budget model
// and parameters.
func NewBudgetManager() *BudgetManager {
	return &BudgetManager{
		maxContextTokens:      DefaultMaxContextTokens,
		systemPromptTokens:    DefaultSystemPromptTokens,
		responseReserveTokens: DefaultResponseReserveTokens,
		params:                DefaultParams(),
	}
}

// AvailableBudget returns the token budget usable for conversation memory.
func (b *BudgetManager) AvailableBudget() int {
	return b.maxContextTokens - b.systemPromptTokens - b.responseReserveTokens
}

// EstimateTokens approximates the token count of content. The usual
// four-characters-per-token heuristic, rounded up.
func (b *BudgetManager) EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + 3) / 4
}

// Params returns the current adaptive parameters.
func (b *BudgetManager) Params() Params {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.params
}

// SetParams replaces the adaptive parameters.
func (b *BudgetManager) SetParams(p Params) {
	b.mu.Lock()
	b.params = p
	b.mu.Unlock()
}
