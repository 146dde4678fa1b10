package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openintentos/openintent/internal/agent/providers"
	"github.com/openintentos/openintent/internal/observability"
)

// DefaultCooldown is how long a failed provider is skipped.
const DefaultCooldown = 120 * time.Second

// DisableFailoverEnv turns failover off when set to a truthy value.
const DisableFailoverEnv = "OPENINTENT_DISABLE_FAILOVER"

// Tier orders fallback entries. Lower tiers are tried first.
type Tier int

const (
	TierFree Tier = iota
	TierPaid
	TierLocal
)

// FallbackEntry is one provider the manager may switch to.
type FallbackEntry struct {
	Name    string         `yaml:"name" json:"name"`
	Kind    providers.Kind `yaml:"kind" json:"kind"`
	BaseURL string         `yaml:"base_url" json:"base_url"`
	Model   string         `yaml:"model" json:"model"`
	// APIKeyEnv names the environment variable holding the key. Empty means
	// the provider needs no key.
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
	Tier      Tier   `yaml:"tier" json:"tier"`
}

// DefaultChain returns the built-in fallback chain: hosted providers with
// free tiers first, paid ones next, a local Ollama server last.
func DefaultChain() []FallbackEntry {
	return []FallbackEntry{
		{Name: "nvidia", Kind: providers.KindOpenAI, BaseURL: "https://integrate.api.nvidia.com/v1", Model: "meta/llama-3.3-70b-instruct", APIKeyEnv: "NVIDIA_API_KEY", Tier: TierFree},
		{Name: "groq", Kind: providers.KindOpenAI, BaseURL: "https://api.groq.com/openai/v1", Model: "llama-3.3-70b-versatile", APIKeyEnv: "GROQ_API_KEY", Tier: TierFree},
		{Name: "gemini", Kind: providers.KindOpenAI, BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai", Model: "gemini-2.0-flash", APIKeyEnv: "GOOGLE_API_KEY", Tier: TierFree},
		{Name: "deepseek", Kind: providers.KindOpenAI, BaseURL: "https://api.deepseek.com/v1", Model: "deepseek-chat", APIKeyEnv: "DEEPSEEK_API_KEY", Tier: TierPaid},
		{Name: "openai", Kind: providers.KindOpenAI, BaseURL: providers.DefaultOpenAIBaseURL, Model: "gpt-4o-mini", APIKeyEnv: "OPENAI_API_KEY", Tier: TierPaid},
		{Name: "anthropic", Kind: providers.KindAnthropic, BaseURL: providers.DefaultAnthropicBaseURL, Model: "claude-sonnet-4-20250514", APIKeyEnv: "ANTHROPIC_API_KEY", Tier: TierPaid},
		{Name: "ollama", Kind: providers.KindOpenAI, BaseURL: "http://localhost:11434/v1", Model: "llama3.2", Tier: TierLocal},
	}
}

// failoverPatterns is the closed set of error texts that warrant a switch.
var failoverPatterns = []string{
	"429", "rate_limit", "rate limit", "quota", "overloaded", "capacity",
	"401", "403", "404", "model not found", "model_not_found", "502", "503",
}

// IsFailoverError reports whether err should move the loop to another
// provider. Cancellation never does.
func IsFailoverError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if perr, ok := providers.GetProviderError(err); ok {
		if perr.Reason.ProviderSemantic() {
			return true
		}
		switch perr.Status {
		case 401, 403, 404, 429, 502, 503:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range failoverPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ProviderSwitcher is the part of the transport the manager mutates.
type ProviderSwitcher interface {
	Active() providers.ProviderSnapshot
	Apply(cfg providers.ProviderConfig) error
}

// FailoverResult describes a completed switch.
type FailoverResult struct {
	From     string
	Provider string
	Model    string
}

// Cooldown is a provider currently being skipped.
type Cooldown struct {
	Provider string
	Until    time.Time
}

// FailoverManager rotates the transport through a fallback chain.
type FailoverManager struct {
	transport ProviderSwitcher
	chain     []FallbackEntry
	cooldown  time.Duration
	now       func() time.Time
	getenv    func(string) string
	enabled   bool
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// FailoverOption configures a FailoverManager.
type FailoverOption func(*FailoverManager)

// WithChain replaces the default chain.
func WithChain(chain []FallbackEntry) FailoverOption {
	return func(m *FailoverManager) {
		m.chain = append([]FallbackEntry(nil), chain...)
	}
}

// WithCooldown sets how long a failed provider is skipped.
func WithCooldown(d time.Duration) FailoverOption {
	return func(m *FailoverManager) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithFailoverClock sets the time source.
func WithFailoverClock(now func() time.Time) FailoverOption {
	return func(m *FailoverManager) { m.now = now }
}

// WithEnv sets the environment lookup used for API keys.
func WithEnv(getenv func(string) string) FailoverOption {
	return func(m *FailoverManager) { m.getenv = getenv }
}

// WithEnabled toggles failover.
func WithEnabled(enabled bool) FailoverOption {
	return func(m *FailoverManager) { m.enabled = enabled }
}

// WithFailoverLogger sets the logger.
func WithFailoverLogger(logger *slog.Logger) FailoverOption {
	return func(m *FailoverManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithFailoverMetrics records provider switches.
func WithFailoverMetrics(metrics *observability.Metrics) FailoverOption {
	return func(m *FailoverManager) { m.metrics = metrics }
}

// NewFailoverManager creates a manager for transport.
func NewFailoverManager(transport ProviderSwitcher, opts ...FailoverOption) *FailoverManager {
	m := &FailoverManager{
		transport: transport,
		chain:     DefaultChain(),
		cooldown:  DefaultCooldown,
		now:       time.Now,
		getenv:    os.Getenv,
		enabled:   true,
		logger:    slog.Default(),
		cooldowns: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	if disabled(m.getenv(DisableFailoverEnv)) {
		m.enabled = false
	}
	sort.SliceStable(m.chain, func(i, j int) bool { return m.chain[i].Tier < m.chain[j].Tier })
	return m
}

func disabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Enabled reports whether the manager will switch providers.
func (m *FailoverManager) Enabled() bool { return m != nil && m.enabled }

// Chain returns a copy of the fallback chain.
func (m *FailoverManager) Chain() []FallbackEntry {
	return append([]FallbackEntry(nil), m.chain...)
}

// HandleFailure puts the active provider on cooldown and switches the
// transport to the first usable chain entry. It returns false when err is
// not eligible or no entry is available.
func (m *FailoverManager) HandleFailure(err error) (*FailoverResult, bool) {
	if !m.Enabled() || !IsFailoverError(err) {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	active := m.transport.Active()
	m.cooldowns[active.Name] = now.Add(m.cooldown)

	for _, entry := range m.chain {
		if m.coolingLocked(entry.Name, now) {
			continue
		}
		if entry.Model == active.Model {
			continue
		}
		key := ""
		if entry.APIKeyEnv != "" {
			key = m.getenv(entry.APIKeyEnv)
			if key == "" {
				continue
			}
		}
		cfg := providers.ProviderConfig{
			Name:    entry.Name,
			Kind:    entry.Kind,
			BaseURL: entry.BaseURL,
			APIKey:  key,
			Model:   entry.Model,
		}
		if applyErr := m.transport.Apply(cfg); applyErr != nil {
			m.logger.Warn("fallback provider rejected", "provider", entry.Name, "error", applyErr)
			continue
		}
		m.metrics.RecordFailover(active.Name, entry.Name)
		m.logger.Info("switched provider", "from", active.Name, "to", entry.Name, "model", entry.Model)
		return &FailoverResult{From: active.Name, Provider: entry.Name, Model: entry.Model}, true
	}
	m.logger.Warn("no fallback provider available", "failed", active.Name)
	return nil, false
}

// Cooldowns lists providers still cooling down, soonest expiry first.
func (m *FailoverManager) Cooldowns() []Cooldown {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Cooldown
	for name, until := range m.cooldowns {
		if until.After(now) {
			out = append(out, Cooldown{Provider: name, Until: until})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Until.Equal(out[j].Until) {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Until.Before(out[j].Until)
	})
	return out
}

// coolingLocked reports whether name is cooling down, forgetting expired
// entries.
func (m *FailoverManager) coolingLocked(name string, now time.Time) bool {
	until, ok := m.cooldowns[name]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(m.cooldowns, name)
		return false
	}
	return true
}
