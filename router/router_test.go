package router

import (
	"testing"
)

func TestRoute_DecisionHook(t *testing.T) {
	table := newTestTable(t, newTestStore(t))
	pool := NewPool()
	pool.Register("anthropic", Credentials{APIKey: "sk-test"})
	rt := NewRouter(table, pool, nil, nil)

	var seen []Decision
	rt.OnDecision(func(d Decision) { seen = append(seen, d) })

	rt.Route("browser_navigate")
	rt.Route("something_unknown")

	if len(seen) != 2 {
		t.Fatalf("hook fired %d times, want 2", len(seen))
	}
	if seen[0].Reason != ReasonDefault || seen[0].Model != ModelHaiku {
		t.Errorf("first decision = %+v, want default haiku", seen[0])
	}
	if seen[1].Reason != ReasonFallback {
		t.Errorf("second decision reason = %s, want %s", seen[1].Reason, ReasonFallback)
	}
}

func TestRoute_DecisionHookSeesUnroutable(t *testing.T) {
	table := newTestTable(t, newTestStore(t))
	rt := NewRouter(table, NewPool(), nil, nil)

	var seen []Decision
	rt.OnDecision(func(d Decision) { seen = append(seen, d) })

	d := rt.Route("browser_navigate")
	if d.Reason != ReasonNoAvailableProvider {
		t.Fatalf("reason = %s, want %s", d.Reason, ReasonNoAvailableProvider)
	}
	if len(seen) != 1 || seen[0].Reason != ReasonNoAvailableProvider {
		t.Errorf("hook saw %+v, want the unroutable decision", seen)
	}
}

func TestMetrics_RecordHook(t *testing.T) {
	m := NewMetrics(newTestStore(t), nil)

	type call struct {
		provider, model string
		success         bool
	}
	var calls []call
	m.OnRecord(func(provider, model string, success bool) {
		calls = append(calls, call{provider, model, success})
	})

	m.Record("browser_navigate", "anthropic", ModelHaiku, true, 120)
	m.Record("browser_navigate", "anthropic", ModelHaiku, false, 450)

	if len(calls) != 2 {
		t.Fatalf("hook fired %d times, want 2", len(calls))
	}
	if calls[0] != (call{"anthropic", ModelHaiku, true}) {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].success {
		t.Error("second call should be a failure")
	}
}
