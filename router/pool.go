package router

import (
	"sort"
	"sync"

	"github.com/browseros/autopilot/task"
)

// Credentials holds one provider's call material. Fields are optional per
// provider; Azure-style providers use resourceName, Bedrock-style ones the
// AWS triple.
type Credentials struct {
	APIKey          string `yaml:"apiKey" json:"apiKey,omitempty"`
	BaseURL         string `yaml:"baseUrl" json:"baseUrl,omitempty"`
	ResourceName    string `yaml:"resourceName" json:"resourceName,omitempty"`
	Region          string `yaml:"region" json:"region,omitempty"`
	AccessKeyID     string `yaml:"accessKeyId" json:"accessKeyId,omitempty"`
	SecretAccessKey string `yaml:"secretAccessKey" json:"secretAccessKey,omitempty"`
	SessionToken    string `yaml:"sessionToken" json:"sessionToken,omitempty"`
}

// Pool is the in-memory provider credential registry. Read-mostly: writes
// happen at startup and on credential file reload.
type Pool struct {
	mu    sync.RWMutex
	creds map[string]Credentials
}

// NewPool creates an empty credential pool.
func NewPool() *Pool {
	return &Pool{creds: make(map[string]Credentials)}
}

// Register installs or replaces one provider's credentials.
func (p *Pool) Register(provider string, c Credentials) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds[provider] = c
}

// Replace swaps the whole registry. Used by credential hot reload.
func (p *Pool) Replace(creds map[string]Credentials) {
	next := make(map[string]Credentials, len(creds))
	for k, v := range creds {
		next[k] = v
	}
	p.mu.Lock()
	p.creds = next
	p.mu.Unlock()
}

// Available reports whether the provider has registered credentials.
func (p *Pool) Available(provider string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.creds[provider]
	return ok
}

// Providers returns the registered provider names, sorted.
func (p *Pool) Providers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.creds))
	for name := range p.creds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildLLMConfig materializes a full call-config for (provider, model), or
// nil when the provider is unregistered.
func (p *Pool) BuildLLMConfig(provider, model string) *task.LLMConfig {
	p.mu.RLock()
	c, ok := p.creds[provider]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	return &task.LLMConfig{
		Provider:        provider,
		Model:           model,
		APIKey:          c.APIKey,
		BaseURL:         c.BaseURL,
		ResourceName:    c.ResourceName,
		Region:          c.Region,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
	}
}
