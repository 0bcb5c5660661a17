package memory

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/browseros/autopilot/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedEntries(t *testing.T, st *store.Store, session string, n, tokensEach int) {
	t.Helper()
	base := time.Now().UTC().Add(-30 * time.Minute)
	for i := 0; i < n; i++ {
		err := st.InsertMemoryEntry(store.MemoryEntryRow{
			ID:             fmt.Sprintf("%s-e%d", session, i),
			Type:           "short_term",
			SessionID:      session,
			Content:        fmt.Sprintf("distinct note %d on the dashboard widgets", i),
			Role:           "user",
			RelevanceScore: 0.5,
			TokenCount:     tokensEach,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert entry: %v", err)
		}
	}
}

func TestRunCycle_BelowMinimumIsNoop(t *testing.T) {
	st := newTestStore(t)
	seedEntries(t, st, "s1", 9, 100)

	o := NewOptimizer(st, NewBudgetManager(), nil)
	report, err := o.RunCycle("s1")
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if report.Entries != 9 || report.TokensBefore != 0 {
		t.Errorf("report = %+v, want untouched no-op", report)
	}

	snaps, err := st.ListSnapshots(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 0 {
		t.Errorf("no-op cycle wrote %d snapshots", len(snaps))
	}
}

func TestRunCycle_OverBudgetWithNoSavingsTightensParams(t *testing.T) {
	st := newTestStore(t)
	// Ten healthy entries totalling 90% of the available budget; nothing is
	// compressible, so the cycle frees no tokens.
	budget := NewBudgetManager()
	perEntry := int(0.9 * float64(budget.AvailableBudget()) / 10)
	seedEntries(t, st, "s1", 10, perEntry)

	o := NewOptimizer(st, budget, nil)
	report, err := o.RunCycle("s1")
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	if report.UsageRatio < 0.89 || report.UsageRatio > 0.91 {
		t.Fatalf("usage ratio = %v, want ~0.9", report.UsageRatio)
	}
	if report.TokensAfter != report.TokensBefore {
		t.Errorf("tokens after = %d, want unchanged %d", report.TokensAfter, report.TokensBefore)
	}

	p := report.Params
	// Pressure step plus the no-savings correction: 0.70 - 0.05 - 0.10.
	if !scoreNear(p.CompressionTrigger, 0.55) {
		t.Errorf("compression trigger = %v, want 0.55", p.CompressionTrigger)
	}
	if p.FullMessageWindow != 18 {
		t.Errorf("full message window = %d, want 18", p.FullMessageWindow)
	}
	if !scoreNear(p.MinRelevance, 0.45) {
		t.Errorf("min relevance = %v, want 0.45", p.MinRelevance)
	}

	snaps, err := st.ListSnapshots(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	if !snaps[0].Parameters.Valid || !strings.Contains(snaps[0].Parameters.String, "compressionTrigger") {
		t.Errorf("snapshot parameters = %+v", snaps[0].Parameters)
	}
}

func TestRunCycle_CompressesLowValueEntries(t *testing.T) {
	st := newTestStore(t)
	seedEntries(t, st, "s1", 10, 50)

	// Two stale low-value entries with fat content.
	old := time.Now().UTC().Add(-72 * time.Hour)
	fat := strings.Repeat("the page shows a very long uninteresting banner notice ", 20)
	for i := 0; i < 2; i++ {
		err := st.InsertMemoryEntry(store.MemoryEntryRow{
			ID:             fmt.Sprintf("stale-%d", i),
			Type:           "short_term",
			SessionID:      "s1",
			Content:        fat + fmt.Sprintf(" copy %d", i),
			Role:           "user",
			RelevanceScore: 0.05,
			CreatedAt:      old,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	o := NewOptimizer(st, NewBudgetManager(), nil)
	report, err := o.RunCycle("s1")
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}

	if report.EntriesCompressed < 2 {
		t.Errorf("compressed = %d, want at least 2", report.EntriesCompressed)
	}
	if report.TokensAfter >= report.TokensBefore {
		t.Errorf("tokens after %d >= before %d", report.TokensAfter, report.TokensBefore)
	}

	entries, err := st.SessionEntries("s1")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.ID, "stale-") && !e.IsCompressed {
			t.Errorf("entry %s not compressed", e.ID)
		}
	}
}

func TestRunCycle_FiresCycleHook(t *testing.T) {
	st := newTestStore(t)
	seedEntries(t, st, "s1", 10, 50)

	o := NewOptimizer(st, NewBudgetManager(), nil)
	var reports []RunReport
	o.OnCycle(func(r RunReport) { reports = append(reports, r) })

	got, err := o.RunCycle("s1")
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(reports))
	}
	if reports[0].Entries != got.Entries || reports[0].TokensBefore != got.TokensBefore {
		t.Errorf("hook report = %+v, want %+v", reports[0], *got)
	}

	// No-op cycles below the minimum entry count still fire.
	seedEntries(t, st, "s2", 3, 50)
	if _, err := o.RunCycle("s2"); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if len(reports) != 2 || reports[1].Entries != 3 {
		t.Errorf("hook after no-op = %+v", reports)
	}
}

func TestOptimizer_RestoresPersistedParams(t *testing.T) {
	st := newTestStore(t)

	if err := st.UpsertAdaptiveParameter("compressionTrigger", 0.55); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertAdaptiveParameter("fullMessageWindow", 14); err != nil {
		t.Fatal(err)
	}

	o := NewOptimizer(st, NewBudgetManager(), nil)
	p := o.Params()
	if !scoreNear(p.CompressionTrigger, 0.55) {
		t.Errorf("compression trigger = %v, want restored 0.55", p.CompressionTrigger)
	}
	if p.FullMessageWindow != 14 {
		t.Errorf("full message window = %d, want restored 14", p.FullMessageWindow)
	}
	// Unpersisted parameter keeps its default.
	if !scoreNear(p.MinRelevance, DefaultMinRelevance) {
		t.Errorf("min relevance = %v, want default", p.MinRelevance)
	}
}

func TestOptimizeSession_RequiresID(t *testing.T) {
	st := newTestStore(t)
	o := NewOptimizer(st, NewBudgetManager(), nil)
	if _, err := o.OptimizeSession(""); err == nil {
		t.Error("expected error for empty session id")
	}
}

func TestBudgetManager(t *testing.T) {
	b := NewBudgetManager()

	if got := b.AvailableBudget(); got != 170000 {
		t.Errorf("AvailableBudget() = %d, want 170000", got)
	}
	if got := b.EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(empty) = %d, want 0", got)
	}
	if got := b.EstimateTokens("abcd"); got != 1 {
		t.Errorf("EstimateTokens(4 chars) = %d, want 1", got)
	}
	if got := b.EstimateTokens("abcde"); got != 2 {
		t.Errorf("EstimateTokens(5 chars) = %d, want 2", got)
	}
}
