package memory

import (
	"regexp"
	"strings"
	"time"

	"github.com/browseros/autopilot/store"
)

// ActionKind classifies an analyzer proposal.
type ActionKind string

// Analyzer action kinds. The optimizer executes compress, drop, and promote;
// demote is advisory.
const (
	ActionCompress ActionKind = "compress"
	ActionDrop     ActionKind = "drop"
	ActionPromote  ActionKind = "promote"
	ActionDemote   ActionKind = "demote"
)

// Action is one proposed mutation of a memory entry.
type Action struct {
	EntryID string
	Kind    ActionKind
	Reason  string
}

// Scoring weights. Relevance starts from the stored score; bonuses and
// penalties below are added, then clamped to [0, 1].
const (
	recencyBonusHour = 0.2
	recencyBonusDay  = 0.1
	recencyPenalty   = -0.1

	errorBonus      = 0.15
	urlBonus        = 0.10
	selectorBonus   = 0.10
	credentialBonus = 0.15
	importanceBonus = 0.15
	roleBonus       = 0.10

	shortPenalty = -0.15
	ackPenalty   = -0.20

	// promoteScoreThreshold gates short_term → long_term promotion.
	promoteScoreThreshold = 0.8

	// redundancySimilarityThreshold is the Jaccard word overlap above which
	// two entries count as duplicates.
	redundancySimilarityThreshold = 0.9

	// redundancyMinLength excludes short entries from pairwise comparison.
	redundancyMinLength = 50
)

var (
	errorTokenRe      = regexp.MustCompile(`(?i)\b(?:error|exception|failed|failure|stack trace)\b`)
	urlTokenRe        = regexp.MustCompile(`https?://`)
	selectorTokenRe   = regexp.MustCompile(`[#.][a-zA-Z][\w-]*|(?:class|id)=["']`)
	credentialTokenRe = regexp.MustCompile(`(?i)\b(?:password|token|api[_ ]?key|secret|credential)\b`)
	importanceTokenRe = regexp.MustCompile(`(?i)\b(?:important|critical|remember|must|note)\b`)
	ackOnlyRe         = regexp.MustCompile(`(?i)^\s*(?:ok(?:ay)?|yes|no|sure|thanks?|got it|done)[.!]?\s*$`)

	// keyFactPatterns identify content worth promoting to long-term memory.
	keyFactPatterns = []*regexp.Regexp{
		regexp.MustCompile(`https?://`),
		regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		regexp.MustCompile(`(?i)\b(?:password|token|api[_ ]?key|secret|credential)\b`),
		regexp.MustCompile(`(?i)\b(?:always|never|must|prefer)\b`),
		regexp.MustCompile(`\b\d{3,}\b`),
	}
)

// Analyzer scores entries and proposes optimizer actions.
type Analyzer struct{}

// NewAnalyzer creates an analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Score computes the relevance of one entry at the given instant.
func (a *Analyzer) Score(e store.MemoryEntryRow, now time.Time) float64 {
	score := e.RelevanceScore

	age := now.Sub(e.CreatedAt)
	switch {
	case age < time.Hour:
		score += recencyBonusHour
	case age < 24*time.Hour:
		score += recencyBonusDay
	default:
		score += recencyPenalty
	}

	content := e.Content
	if errorTokenRe.MatchString(content) {
		score += errorBonus
	}
	if urlTokenRe.MatchString(content) {
		score += urlBonus
	}
	if selectorTokenRe.MatchString(content) {
		score += selectorBonus
	}
	if credentialTokenRe.MatchString(content) {
		score += credentialBonus
	}
	if importanceTokenRe.MatchString(content) {
		score += importanceBonus
	}
	if e.Role == "system" || e.Role == "tool" {
		score += roleBonus
	}
	if len(strings.TrimSpace(content)) < 20 {
		score += shortPenalty
	}
	if ackOnlyRe.MatchString(content) {
		score += ackPenalty
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Analyze proposes actions for a set of entries under the given relevance
// floor: low-relevance entries are compressed (or dropped when already
// compressed), near-duplicate pairs compress the older entry, and high-value
// short-term entries are promoted.
func (a *Analyzer) Analyze(entries []store.MemoryEntryRow, minRelevance float64, now time.Time) []Action {
	var actions []Action
	flagged := make(map[string]bool)

	for _, e := range entries {
		score := a.Score(e, now)
		if score < minRelevance {
			kind := ActionCompress
			if e.IsCompressed {
				kind = ActionDrop
			}
			actions = append(actions, Action{EntryID: e.ID, Kind: kind, Reason: "below relevance floor"})
			flagged[e.ID] = true
			continue
		}
		if e.Type == "short_term" && score >= promoteScoreThreshold && matchesKeyFact(e.Content) {
			actions = append(actions, Action{EntryID: e.ID, Kind: ActionPromote, Reason: "key fact"})
		}
	}

	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			ei, ej := entries[i], entries[j]
			if len(ei.Content) < redundancyMinLength || len(ej.Content) < redundancyMinLength {
				continue
			}
			if jaccardSimilarity(ei.Content, ej.Content) < redundancySimilarityThreshold {
				continue
			}
			older := ei
			if ej.CreatedAt.Before(ei.CreatedAt) {
				older = ej
			}
			if flagged[older.ID] || older.IsCompressed {
				continue
			}
			flagged[older.ID] = true
			actions = append(actions, Action{EntryID: older.ID, Kind: ActionCompress, Reason: "redundant"})
		}
	}

	return actions
}

func matchesKeyFact(content string) bool {
	for _, p := range keyFactPatterns {
		if p.MatchString(content) {
			return true
		}
	}
	return false
}

// jaccardSimilarity computes word-set overlap between two strings.
func jaccardSimilarity(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	intersection := 0
	for w := range wa {
		if wb[w] {
			intersection++
		}
	}
	union := len(wa) + len(wb) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}
