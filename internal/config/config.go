// Package config loads the openintent configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openintentos/openintent/internal/agent"
	"github.com/openintentos/openintent/internal/agent/providers"
	"github.com/openintentos/openintent/internal/compaction"
	"github.com/openintentos/openintent/internal/observability"
	"github.com/openintentos/openintent/internal/plugins"
	"github.com/openintentos/openintent/internal/sessions"
)

// EnvConfigPath names the variable that points at the config file.
const EnvConfigPath = "OPENINTENT_CONFIG"

// DefaultPath is used when neither a flag nor EnvConfigPath names a file.
const DefaultPath = "openintent.yaml"

// Config is the main configuration structure.
type Config struct {
	Version    int                       `yaml:"version"`
	LLM        LLMConfig                 `yaml:"llm"`
	Agent      agent.LoopConfig          `yaml:"agent"`
	Compaction compaction.Config         `yaml:"compaction"`
	Failover   FailoverConfig            `yaml:"failover"`
	Database   sessions.SQLConfig        `yaml:"database"`
	Sandbox    plugins.SandboxConfig     `yaml:"sandbox"`
	Plugins    PluginsConfig             `yaml:"plugins"`
	Router     RouterConfig              `yaml:"router"`
	Identity   IdentityConfig            `yaml:"identity"`
	Logging    observability.LogConfig   `yaml:"logging"`
	Metrics    MetricsConfig             `yaml:"metrics"`
	Tracing    observability.TraceConfig `yaml:"tracing"`
}

// LLMConfig selects the primary provider.
type LLMConfig struct {
	// Provider names the provider ("anthropic", "openai", "groq", ...).
	Provider string `yaml:"provider"`
	// Kind overrides the wire protocol derived from Provider.
	Kind    string `yaml:"kind"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// APIKey is used verbatim. Prefer APIKeyEnv or ${VAR} expansion.
	APIKey      string   `yaml:"api_key"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
	MaxRetries  int      `yaml:"max_retries"`
}

// FailoverConfig controls provider failover.
type FailoverConfig struct {
	// Enabled defaults to true.
	Enabled  *bool         `yaml:"enabled"`
	Cooldown time.Duration `yaml:"cooldown"`
	// Chain replaces the built-in fallback chain when non-empty.
	Chain []agent.FallbackEntry `yaml:"chain"`
}

// IsEnabled reports the effective toggle.
func (f FailoverConfig) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// PluginsConfig lists directories scanned for plugin manifests.
type PluginsConfig struct {
	Dirs []string `yaml:"dirs"`
}

// RouteRule maps a phrase or expression to a handler id.
type RouteRule struct {
	Match   string `yaml:"match"`
	Handler string `yaml:"handler"`
}

// RouterConfig seeds the intent router.
type RouterConfig struct {
	Exact    []RouteRule `yaml:"exact"`
	Patterns []RouteRule `yaml:"patterns"`
}

// IdentityConfig points at the identity file that becomes the system prompt.
type IdentityConfig struct {
	Path     string        `yaml:"path"`
	Debounce time.Duration `yaml:"debounce"`
}

// MetricsConfig toggles Prometheus collection.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, merges and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath picks the config file: an explicit flag value, then
// EnvConfigPath, then DefaultPath when it exists. An empty result means
// defaults only.
func ResolvePath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// LoadOrDefault loads path, or returns defaults when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = providers.DefaultMaxTokens
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 2
	}

	loop := agent.DefaultLoopConfig()
	if cfg.Agent.MaxTurns == 0 {
		cfg.Agent.MaxTurns = loop.MaxTurns
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = cfg.LLM.MaxTokens
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = loop.ToolTimeout
	}
	if cfg.Agent.Temperature == nil {
		cfg.Agent.Temperature = cfg.LLM.Temperature
	}

	if cfg.Compaction.MaxMessages == 0 {
		cfg.Compaction.MaxMessages = compaction.DefaultMaxMessages
	}
	if cfg.Compaction.KeepRecent == 0 {
		cfg.Compaction.KeepRecent = compaction.DefaultKeepRecent
	}

	if cfg.Failover.Cooldown == 0 {
		cfg.Failover.Cooldown = agent.DefaultCooldown
	}

	db := sessions.DefaultSQLConfig()
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = db.Driver
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = db.DSN
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = db.MaxOpenConns
	}

	sandbox := plugins.DefaultSandboxConfig()
	if cfg.Sandbox.MaxMemoryBytes == 0 {
		cfg.Sandbox.MaxMemoryBytes = sandbox.MaxMemoryBytes
	}
	if cfg.Sandbox.Timeout == 0 {
		cfg.Sandbox.Timeout = sandbox.Timeout
	}
	if cfg.Sandbox.Fuel == 0 {
		cfg.Sandbox.Fuel = sandbox.Fuel
	}

	if cfg.Identity.Debounce == 0 {
		cfg.Identity.Debounce = 250 * time.Millisecond
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "openintent"
	}
}

// ConfigValidationError lists every problem found in a configuration.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Validate checks the configuration for values no component can accept.
func (c *Config) Validate() error {
	var issues []string
	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}
	kind := c.LLM.Kind
	if kind == "" {
		kind = c.LLM.Provider
	}
	if _, err := providers.ParseKind(kind); err != nil {
		issues = append(issues, fmt.Sprintf("llm.kind: %v", err))
	}
	if c.LLM.Temperature != nil && (*c.LLM.Temperature < 0 || *c.LLM.Temperature > 2) {
		issues = append(issues, "llm.temperature must be between 0 and 2")
	}
	if c.LLM.MaxRetries < 0 {
		issues = append(issues, "llm.max_retries must be >= 0")
	}
	if c.Agent.MaxTurns < 0 {
		issues = append(issues, "agent.max_turns must be >= 0")
	}
	if c.Agent.MaxConcurrency < 0 {
		issues = append(issues, "agent.max_concurrency must be >= 0")
	}
	if c.Compaction.KeepRecent >= c.Compaction.MaxMessages {
		issues = append(issues, "compaction.keep_recent must be less than compaction.max_messages")
	}
	for i, entry := range c.Failover.Chain {
		if strings.TrimSpace(entry.Name) == "" || strings.TrimSpace(entry.Model) == "" {
			issues = append(issues, fmt.Sprintf("failover.chain[%d]: name and model are required", i))
		}
		if _, err := providers.ParseKind(string(entry.Kind)); err != nil {
			issues = append(issues, fmt.Sprintf("failover.chain[%d].kind: %v", i, err))
		}
	}
	if _, err := sessions.DialectFor(c.Database.Driver); err != nil {
		issues = append(issues, fmt.Sprintf("database.driver: %v", err))
	}
	if c.Sandbox.AllowFilesystem && strings.TrimSpace(c.Sandbox.FilesystemRoot) == "" {
		issues = append(issues, "sandbox.filesystem_root is required when allow_filesystem is set")
	}
	for i, rule := range c.Router.Exact {
		if strings.TrimSpace(rule.Match) == "" || rule.Handler == "" {
			issues = append(issues, fmt.Sprintf("router.exact[%d]: match and handler are required", i))
		}
	}
	for i, rule := range c.Router.Patterns {
		if rule.Handler == "" {
			issues = append(issues, fmt.Sprintf("router.patterns[%d]: handler is required", i))
		}
	}
	issues = append(issues, pluginIssues(c)...)
	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

func pluginIssues(c *Config) []string {
	if len(c.Plugins.Dirs) == 0 {
		return nil
	}
	if _, err := plugins.DiscoverManifests(c.Plugins.Dirs); err != nil {
		return []string{fmt.Sprintf("plugins.dirs: %v", err)}
	}
	return nil
}

// defaultKeyEnv maps provider names onto their conventional key variables.
var defaultKeyEnv = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"claude":    "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"groq":      "GROQ_API_KEY",
	"nvidia":    "NVIDIA_API_KEY",
	"gemini":    "GOOGLE_API_KEY",
	"google":    "GOOGLE_API_KEY",
}

// ErrNoAPIKey is returned when the primary provider has no key. Ollama and
// other keyless providers never return it.
var ErrNoAPIKey = errors.New("no API key configured")

// KeyEnv returns the variable the primary provider's key is read from.
func (l LLMConfig) KeyEnv() string {
	if l.APIKeyEnv != "" {
		return l.APIKeyEnv
	}
	return defaultKeyEnv[strings.ToLower(l.Provider)]
}

// ProviderConfig resolves the transport configuration, reading the API key
// from the environment when it is not set inline.
func (l LLMConfig) ProviderConfig(getenv func(string) string) (providers.ProviderConfig, error) {
	kindName := l.Kind
	if kindName == "" {
		kindName = l.Provider
	}
	kind, err := providers.ParseKind(kindName)
	if err != nil {
		return providers.ProviderConfig{}, err
	}
	key := l.APIKey
	if key == "" {
		if env := l.KeyEnv(); env != "" && getenv != nil {
			key = getenv(env)
		}
	}
	cfg := providers.ProviderConfig{
		Name:    strings.ToLower(l.Provider),
		Kind:    kind,
		BaseURL: l.BaseURL,
		APIKey:  key,
		Model:   l.Model,
	}
	if key == "" && l.KeyEnv() != "" {
		return cfg, fmt.Errorf("%w: set %s or llm.api_key", ErrNoAPIKey, l.KeyEnv())
	}
	return cfg, nil
}
