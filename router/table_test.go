package router

import (
	"path/filepath"
	"testing"

	"github.com/browseros/autopilot/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestTable(t *testing.T, st *store.Store) *Table {
	t.Helper()
	table, err := NewTable(st, nil)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	return table
}

func TestResolve_Defaults(t *testing.T) {
	table := newTestTable(t, newTestStore(t))

	tests := []struct {
		tool     string
		model    string
		reason   string
		provider string
	}{
		{"browser_navigate", ModelHaiku, ReasonDefault, "anthropic"},
		{"browser_click", ModelHaiku, ReasonDefault, "anthropic"},
		{"browser_tab_open", ModelHaiku, ReasonDefault, "anthropic"},
		{"browser_extract_text", ModelSonnet, ReasonDefault, "anthropic"},
		{"browser_snapshot", ModelSonnet, ReasonDefault, "anthropic"},
		{"browser_multi_act", ModelOpus, ReasonDefault, "anthropic"},
		{"browser_form_fill_login", ModelSonnet, ReasonDefault, "anthropic"},
		{"something_unknown", FallbackModel, ReasonFallback, FallbackProvider},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			d := table.Resolve(tt.tool)
			if d.Provider != tt.provider || d.Model != tt.model || d.Reason != tt.reason {
				t.Errorf("Resolve(%s) = %+v, want {%s %s %s}",
					tt.tool, d, tt.provider, tt.model, tt.reason)
			}
		})
	}
}

func TestResolve_OverrideWinsOverDefault(t *testing.T) {
	table := newTestTable(t, newTestStore(t))

	if err := table.SetOverride("browser_click", "anthropic", ModelSonnet, "auto-upgrade"); err != nil {
		t.Fatalf("set override: %v", err)
	}

	d := table.Resolve("browser_click")
	if d.Model != ModelSonnet || d.Reason != ReasonOptimized {
		t.Errorf("Resolve() = %+v, want optimized sonnet", d)
	}

	// Other tools are untouched.
	if d := table.Resolve("browser_type"); d.Reason != ReasonDefault {
		t.Errorf("unrelated tool got reason %s", d.Reason)
	}

	if err := table.RemoveOverride("browser_click"); err != nil {
		t.Fatalf("remove override: %v", err)
	}
	if d := table.Resolve("browser_click"); d.Reason != ReasonDefault {
		t.Errorf("after removal got reason %s", d.Reason)
	}
}

func TestResolve_WildcardOverride(t *testing.T) {
	table := newTestTable(t, newTestStore(t))

	if err := table.SetOverride("browser_extract_*", "anthropic", ModelOpus, "manual"); err != nil {
		t.Fatalf("set override: %v", err)
	}
	// Longer wildcard wins over the shorter one.
	if err := table.SetOverride("browser_extract_table_*", "anthropic", ModelSonnet, "manual"); err != nil {
		t.Fatalf("set override: %v", err)
	}

	if d := table.Resolve("browser_extract_text"); d.Model != ModelOpus {
		t.Errorf("short wildcard: got %s, want %s", d.Model, ModelOpus)
	}
	if d := table.Resolve("browser_extract_table_rows"); d.Model != ModelSonnet {
		t.Errorf("long wildcard: got %s, want %s", d.Model, ModelSonnet)
	}
}

func TestTable_RestoresOverridesFromStore(t *testing.T) {
	st := newTestStore(t)
	first := newTestTable(t, st)
	if err := first.SetOverride("browser_plan", "anthropic", ModelSonnet, "downgrade test passed"); err != nil {
		t.Fatalf("set override: %v", err)
	}

	// A fresh table over the same database resolves identically.
	second := newTestTable(t, st)
	d := second.Resolve("browser_plan")
	if d.Model != ModelSonnet || d.Reason != ReasonOptimized {
		t.Errorf("rebuilt table Resolve() = %+v, want optimized sonnet", d)
	}
}

func TestGetAll(t *testing.T) {
	table := newTestTable(t, newTestStore(t))

	if err := table.SetOverride("browser_click", "anthropic", ModelOpus, "auto-upgrade"); err != nil {
		t.Fatalf("set override: %v", err)
	}
	if err := table.SetOverride("custom_tool", "openai", "gpt-4o", "manual"); err != nil {
		t.Fatalf("set override: %v", err)
	}

	entries := table.GetAll()
	byPattern := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byPattern[e.ToolPattern] = e
	}

	click, ok := byPattern["browser_click"]
	if !ok || !click.IsOverride || click.Model != ModelOpus {
		t.Errorf("browser_click entry = %+v", click)
	}
	custom, ok := byPattern["custom_tool"]
	if !ok || !custom.IsOverride || custom.Provider != "openai" {
		t.Errorf("custom_tool entry = %+v", custom)
	}
	nav, ok := byPattern["browser_navigate"]
	if !ok || nav.IsOverride {
		t.Errorf("browser_navigate entry = %+v", nav)
	}

	// Sorted output.
	for i := 1; i < len(entries); i++ {
		if entries[i-1].ToolPattern >= entries[i].ToolPattern {
			t.Fatalf("entries not sorted at %d: %s >= %s",
				i, entries[i-1].ToolPattern, entries[i].ToolPattern)
		}
	}
}
