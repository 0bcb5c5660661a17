package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/browseros/autopilot/store"
)

var analyzeNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func entry(id, content string, opts ...func(*store.MemoryEntryRow)) store.MemoryEntryRow {
	e := store.MemoryEntryRow{
		ID:             id,
		Type:           "short_term",
		SessionID:      "s1",
		Content:        content,
		Role:           "user",
		RelevanceScore: 0.5,
		CreatedAt:      analyzeNow.Add(-30 * time.Minute),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func scoreNear(got, want float64) bool {
	diff := got - want
	return diff < 0.001 && diff > -0.001
}

func TestScore_RecencyAndContent(t *testing.T) {
	a := NewAnalyzer()

	recent := entry("e1", "please navigate to the dashboard and wait")
	if got := a.Score(recent, analyzeNow); !scoreNear(got, 0.7) {
		t.Errorf("recent entry score = %v, want 0.7", got)
	}

	old := entry("e2", "please navigate to the dashboard and wait", func(e *store.MemoryEntryRow) {
		e.CreatedAt = analyzeNow.Add(-48 * time.Hour)
	})
	if got := a.Score(old, analyzeNow); !scoreNear(got, 0.4) {
		t.Errorf("old entry score = %v, want 0.4", got)
	}

	withError := entry("e3", "the click failed with a timeout error on the page")
	if got := a.Score(withError, analyzeNow); !scoreNear(got, 0.85) {
		t.Errorf("error entry score = %v, want 0.85", got)
	}
}

func TestScore_Clamped(t *testing.T) {
	a := NewAnalyzer()

	loaded := entry("e1",
		"IMPORTANT error: the api_key for https://example.com failed at #login-form",
		func(e *store.MemoryEntryRow) {
			e.RelevanceScore = 0.9
			e.Role = "system"
		})
	if got := a.Score(loaded, analyzeNow); got != 1.0 {
		t.Errorf("score = %v, want clamp at 1.0", got)
	}

	ack := entry("e2", "ok", func(e *store.MemoryEntryRow) {
		e.RelevanceScore = 0.0
		e.CreatedAt = analyzeNow.Add(-48 * time.Hour)
	})
	if got := a.Score(ack, analyzeNow); got != 0.0 {
		t.Errorf("score = %v, want clamp at 0.0", got)
	}
}

func TestAnalyze_BelowFloor(t *testing.T) {
	a := NewAnalyzer()

	entries := []store.MemoryEntryRow{
		entry("keep", "navigate to the user settings page and open billing"),
		entry("squash", "ok", func(e *store.MemoryEntryRow) {
			e.RelevanceScore = 0.1
			e.CreatedAt = analyzeNow.Add(-48 * time.Hour)
		}),
		entry("drop", "ok", func(e *store.MemoryEntryRow) {
			e.RelevanceScore = 0.1
			e.CreatedAt = analyzeNow.Add(-48 * time.Hour)
			e.IsCompressed = true
		}),
	}

	actions := a.Analyze(entries, 0.30, analyzeNow)
	kinds := map[string]ActionKind{}
	for _, act := range actions {
		kinds[act.EntryID] = act.Kind
	}

	if kinds["squash"] != ActionCompress {
		t.Errorf("uncompressed low-value entry: got %s, want compress", kinds["squash"])
	}
	if kinds["drop"] != ActionDrop {
		t.Errorf("compressed low-value entry: got %s, want drop", kinds["drop"])
	}
	if _, ok := kinds["keep"]; ok {
		t.Error("healthy entry should have no action")
	}
}

func TestAnalyze_PromotesKeyFacts(t *testing.T) {
	a := NewAnalyzer()

	entries := []store.MemoryEntryRow{
		entry("fact", "remember: the staging token is 83321, always use it", func(e *store.MemoryEntryRow) {
			e.RelevanceScore = 0.6
		}),
		entry("chatter", "scrolling down a bit more to see the rest"),
	}

	actions := a.Analyze(entries, 0.30, analyzeNow)
	var promoted []string
	for _, act := range actions {
		if act.Kind == ActionPromote {
			promoted = append(promoted, act.EntryID)
		}
	}
	if len(promoted) != 1 || promoted[0] != "fact" {
		t.Errorf("promoted = %v, want [fact]", promoted)
	}
}

func TestAnalyze_RedundantPairCompressesOlder(t *testing.T) {
	a := NewAnalyzer()

	text := strings.Repeat("the table on the orders page lists every shipment ", 3)
	older := entry("older", text, func(e *store.MemoryEntryRow) {
		e.CreatedAt = analyzeNow.Add(-40 * time.Minute)
	})
	newer := entry("newer", text, func(e *store.MemoryEntryRow) {
		e.CreatedAt = analyzeNow.Add(-10 * time.Minute)
	})

	actions := a.Analyze([]store.MemoryEntryRow{newer, older}, 0.30, analyzeNow)
	if len(actions) != 1 {
		t.Fatalf("actions = %+v, want exactly one", actions)
	}
	if actions[0].EntryID != "older" || actions[0].Kind != ActionCompress {
		t.Errorf("action = %+v, want compress older", actions[0])
	}
}

func TestJaccardSimilarity(t *testing.T) {
	if got := jaccardSimilarity("a b c", "a b c"); got != 1.0 {
		t.Errorf("identical = %v, want 1.0", got)
	}
	if got := jaccardSimilarity("a b", "c d"); got != 0.0 {
		t.Errorf("disjoint = %v, want 0.0", got)
	}
	if got := jaccardSimilarity("", "a"); got != 0.0 {
		t.Errorf("empty = %v, want 0.0", got)
	}
}
