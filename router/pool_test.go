package router

import (
	"testing"
)

func TestPool_RegisterAndAvailable(t *testing.T) {
	p := NewPool()

	if p.Available("anthropic") {
		t.Error("empty pool should have no providers")
	}

	p.Register("anthropic", Credentials{APIKey: "sk-test"})
	if !p.Available("anthropic") {
		t.Error("registered provider should be available")
	}

	names := p.Providers()
	if len(names) != 1 || names[0] != "anthropic" {
		t.Errorf("Providers() = %v", names)
	}
}

func TestPool_Replace(t *testing.T) {
	p := NewPool()
	p.Register("anthropic", Credentials{APIKey: "a"})

	p.Replace(map[string]Credentials{
		"openai": {APIKey: "b"},
		"google": {APIKey: "c"},
	})

	if p.Available("anthropic") {
		t.Error("replaced-out provider still available")
	}
	names := p.Providers()
	if len(names) != 2 || names[0] != "google" || names[1] != "openai" {
		t.Errorf("Providers() = %v, want sorted [google openai]", names)
	}
}

func TestPool_BuildLLMConfig(t *testing.T) {
	p := NewPool()
	p.Register("bedrock", Credentials{
		Region:          "us-east-1",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "secret",
	})

	cfg := p.BuildLLMConfig("bedrock", ModelSonnet)
	if cfg == nil {
		t.Fatal("expected config for registered provider")
	}
	if cfg.Provider != "bedrock" || cfg.Model != ModelSonnet || cfg.Region != "us-east-1" {
		t.Errorf("config = %+v", cfg)
	}

	if cfg := p.BuildLLMConfig("anthropic", ModelSonnet); cfg != nil {
		t.Errorf("expected nil for unregistered provider, got %+v", cfg)
	}
}

func TestRouter_AvailabilityFallback(t *testing.T) {
	st := newTestStore(t)
	table := newTestTable(t, st)
	pool := NewPool()
	r := NewRouter(table, pool, nil, nil)

	// No providers at all.
	d := r.Route("browser_click")
	if d.Reason != ReasonNoAvailableProvider {
		t.Errorf("empty pool reason = %s, want %s", d.Reason, ReasonNoAvailableProvider)
	}
	if cfg := r.BuildConfig("browser_click"); cfg != nil {
		t.Errorf("expected nil config, got %+v", cfg)
	}

	// Routed provider missing, another registered: keep the model, swap the
	// provider.
	pool.Register("openai", Credentials{APIKey: "x"})
	d = r.Route("browser_click")
	if d.Provider != "openai" || d.Model != ModelHaiku || d.Reason != ReasonFallback {
		t.Errorf("fallback decision = %+v", d)
	}

	// Routed provider present: pass through.
	pool.Register("anthropic", Credentials{APIKey: "y"})
	d = r.Route("browser_click")
	if d.Provider != "anthropic" || d.Reason != ReasonDefault {
		t.Errorf("direct decision = %+v", d)
	}
	cfg := r.BuildConfig("browser_click")
	if cfg == nil || cfg.APIKey != "y" {
		t.Errorf("config = %+v", cfg)
	}
}
