// Package providers implements the LLM transport: one provider-agnostic
// chat contract over the Anthropic Messages API and OpenAI-compatible chat
// completion endpoints, with the active provider swappable at runtime.
package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openintentos/openintent/internal/backoff"
	"github.com/openintentos/openintent/internal/observability"
	"github.com/openintentos/openintent/internal/stream"
	"github.com/openintentos/openintent/pkg/models"
)

// Kind selects the wire protocol spoken to a provider.
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindOpenAI    Kind = "openai"
)

// Default endpoints per kind.
const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	DefaultOpenAIBaseURL    = "https://api.openai.com/v1"
)

// DefaultMaxTokens is used when a request leaves MaxTokens unset.
const DefaultMaxTokens = 4096

// ParseKind maps a config string onto a Kind. Names of OpenAI-compatible
// vendors are accepted as aliases for KindOpenAI.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "anthropic", "claude":
		return KindAnthropic, nil
	case "openai", "openai_compat", "deepseek", "groq", "nvidia", "gemini", "google", "ollama":
		return KindOpenAI, nil
	default:
		return "", fmt.Errorf("unknown provider kind %q", s)
	}
}

// ProviderConfig describes the provider a Transport talks to.
type ProviderConfig struct {
	// Name labels the provider in logs, metrics and errors (e.g. "groq").
	// Defaults to the kind.
	Name    string
	Kind    Kind
	BaseURL string
	APIKey  string
	Model   string
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	if c.Name == "" {
		c.Name = string(c.Kind)
	}
	if c.BaseURL == "" {
		switch c.Kind {
		case KindAnthropic:
			c.BaseURL = DefaultAnthropicBaseURL
		case KindOpenAI:
			c.BaseURL = DefaultOpenAIBaseURL
		}
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// ProviderSnapshot is a read-only view of the active provider. The API key
// itself is never exposed.
type ProviderSnapshot struct {
	Name    string
	Kind    Kind
	BaseURL string
	Model   string
	HasKey  bool
}

// backend performs a single round trip for one provider configuration.
type backend interface {
	chat(ctx context.Context, model string, req *models.ChatRequest) (*models.Response, error)
	stream(ctx context.Context, model string, req *models.ChatRequest, onDelta func(string)) (*models.Response, error)
}

type providerState struct {
	config  ProviderConfig
	backend backend
}

// Transport is safe for concurrent use. Each call captures the provider
// state at entry, so a concurrent switch only affects later calls.
type Transport struct {
	state atomic.Pointer[providerState]
	mu    sync.Mutex // serialises mutations

	httpClient   *http.Client
	maxRetries   int
	retryPolicy  backoff.Policy
	maxLineBytes int
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient sets the HTTP client used for every provider.
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		if client != nil {
			t.httpClient = client
		}
	}
}

// WithMaxRetries bounds retries of transient network failures.
func WithMaxRetries(n int) Option {
	return func(t *Transport) {
		if n >= 0 {
			t.maxRetries = n
		}
	}
}

// WithRetryPolicy overrides the delay schedule between retries.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(t *Transport) { t.retryPolicy = p }
}

// WithMaxLineBytes caps a single SSE line.
func WithMaxLineBytes(n int) Option {
	return func(t *Transport) { t.maxLineBytes = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics records request metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// WithTracer wraps each request in a span.
func WithTracer(tracer *observability.Tracer) Option {
	return func(t *Transport) { t.tracer = tracer }
}

// NewTransport creates a transport bound to cfg.
func NewTransport(cfg ProviderConfig, opts ...Option) (*Transport, error) {
	t := &Transport{
		httpClient:   &http.Client{Timeout: 5 * time.Minute},
		maxRetries:   2,
		retryPolicy:  backoff.DefaultPolicy(),
		maxLineBytes: stream.DefaultMaxLineBytes,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	state, err := t.buildState(cfg)
	if err != nil {
		return nil, err
	}
	t.state.Store(state)
	return t, nil
}

func (t *Transport) buildState(cfg ProviderConfig) (*providerState, error) {
	cfg = cfg.withDefaults()
	var b backend
	switch cfg.Kind {
	case KindAnthropic:
		b = newAnthropicBackend(cfg, t.httpClient, t.maxLineBytes)
	case KindOpenAI:
		b = newOpenAIBackend(cfg, t.httpClient, t.maxLineBytes)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
	return &providerState{config: cfg, backend: b}, nil
}

// Active returns a snapshot of the current provider.
func (t *Transport) Active() ProviderSnapshot {
	cfg := t.state.Load().config
	return ProviderSnapshot{
		Name:    cfg.Name,
		Kind:    cfg.Kind,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		HasKey:  cfg.APIKey != "",
	}
}

// UpdateAPIKey replaces the key of the active provider.
func (t *Transport) UpdateAPIKey(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg := t.state.Load().config
	cfg.APIKey = key
	// The kind is unchanged, so buildState cannot fail.
	state, _ := t.buildState(cfg)
	t.state.Store(state)
}

// SwitchProvider points the transport at a different provider while keeping
// the current API key.
func (t *Transport) SwitchProvider(name string, kind Kind, baseURL, model string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg := t.state.Load().config
	cfg.Name = name
	cfg.Kind = kind
	cfg.BaseURL = baseURL
	cfg.Model = model
	return t.storeLocked(cfg)
}

// Apply replaces the whole provider configuration, key included, in one step.
func (t *Transport) Apply(cfg ProviderConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.storeLocked(cfg)
}

func (t *Transport) storeLocked(cfg ProviderConfig) error {
	state, err := t.buildState(cfg)
	if err != nil {
		return err
	}
	prev := t.state.Load().config
	t.state.Store(state)
	t.logger.Info("provider switched",
		"from", prev.Name, "to", state.config.Name, "model", state.config.Model)
	return nil
}

// Chat performs a non-streaming round trip.
func (t *Transport) Chat(ctx context.Context, req *models.ChatRequest) (*models.Response, error) {
	return t.do(ctx, req, false, func(ctx context.Context, b backend, model string) (*models.Response, error) {
		return b.chat(ctx, model, req)
	})
}

// StreamChat performs a streaming round trip. onDelta, when non-nil, receives
// text deltas in order; the returned response equals what Chat returns for
// the same exchange.
func (t *Transport) StreamChat(ctx context.Context, req *models.ChatRequest, onDelta func(string)) (*models.Response, error) {
	return t.do(ctx, req, true, func(ctx context.Context, b backend, model string) (*models.Response, error) {
		return b.stream(ctx, model, req, onDelta)
	})
}

func (t *Transport) do(ctx context.Context, req *models.ChatRequest, streaming bool,
	call func(context.Context, backend, string) (*models.Response, error)) (*models.Response, error) {
	if req == nil {
		return nil, errors.New("nil chat request")
	}
	state := t.state.Load()
	model := req.Model
	if model == "" {
		model = state.config.Model
	}

	ctx, span := t.tracer.TraceLLMRequest(ctx, state.config.Name, model, streaming)
	defer span.End()

	start := time.Now()
	resp, err := backoff.Retry(ctx, t.retryPolicy, t.maxRetries, isTransient, func(attempt int) (*models.Response, error) {
		if attempt > 1 {
			t.logger.WarnContext(ctx, "retrying provider request",
				"provider", state.config.Name, "model", model, "attempt", attempt)
		}
		return call(ctx, state.backend, model)
	})
	elapsed := time.Since(start)

	if err != nil {
		observability.RecordError(span, err)
		t.metrics.RecordLLMRequest(state.config.Name, model, elapsed, 0, 0, err)
		return nil, err
	}
	t.metrics.RecordLLMRequest(state.config.Name, model, elapsed, resp.Usage.InputTokens, resp.Usage.OutputTokens, nil)
	t.logger.DebugContext(ctx, "provider request complete",
		"provider", state.config.Name,
		"model", model,
		"kind", resp.Kind,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration", elapsed)
	return resp, nil
}

func maxTokens(req *models.ChatRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return DefaultMaxTokens
}

// streamFailure classifies an error raised while reading a response body
// that arrived with the given status.
func streamFailure(provider, model string, status int, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *stream.APIError
	if errors.As(err, &apiErr) {
		perr := newProviderError(provider, model, status, apiErr.Type, apiErr.Message, err)
		if perr.Reason == ReasonUnknown {
			perr.Reason = ClassifyMessage(apiErr.Type + " " + apiErr.Message)
		}
		return perr
	}
	perr := newProviderError(provider, model, status, "", "", err)
	if perr.Reason == ReasonUnknown {
		perr.Reason = ReasonTransport
	}
	return perr
}

// transportFailure classifies an error that occurred before any HTTP status
// was received.
func transportFailure(provider, model string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	perr := newProviderError(provider, model, 0, "", "", err)
	perr.Reason = ReasonTransport
	return perr
}

// requestError reports a request that could not be built or encoded.
func requestError(provider, model string, err error) error {
	perr := newProviderError(provider, model, 0, "", err.Error(), err)
	perr.Reason = ReasonInvalidRequest
	return perr
}
