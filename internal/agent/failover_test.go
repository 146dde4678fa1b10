package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openintentos/openintent/internal/agent/providers"
	"github.com/openintentos/openintent/pkg/models"
)

// fakeProvider is a switchable transport whose providers fail on demand.
type fakeProvider struct {
	mu      sync.Mutex
	active  providers.ProviderConfig
	failing map[string]error
	applied []string
	seen    []string
}

func (f *fakeProvider) Active() providers.ProviderSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return providers.ProviderSnapshot{Name: f.active.Name, Kind: f.active.Kind, BaseURL: f.active.BaseURL, Model: f.active.Model, HasKey: f.active.APIKey != ""}
}

func (f *fakeProvider) Apply(cfg providers.ProviderConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = cfg
	f.applied = append(f.applied, cfg.Name)
	return nil
}

func (f *fakeProvider) StreamChat(ctx context.Context, req *models.ChatRequest, onDelta func(string)) (*models.Response, error) {
	f.mu.Lock()
	name, model := f.active.Name, f.active.Model
	if req.Model != "" {
		model = req.Model
	}
	f.seen = append(f.seen, name+"/"+model)
	err := f.failing[name]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return models.NewResponse("answer from "+name, nil, models.Usage{}), nil
}

func testChain() []FallbackEntry {
	return []FallbackEntry{
		{Name: "p2", Kind: providers.KindOpenAI, BaseURL: "http://p2", Model: "m2", APIKeyEnv: "P2_KEY", Tier: TierFree},
		{Name: "p3", Kind: providers.KindOpenAI, BaseURL: "http://p3", Model: "m3", APIKeyEnv: "P3_KEY", Tier: TierPaid},
		{Name: "local", Kind: providers.KindOpenAI, BaseURL: "http://local", Model: "m4", Tier: TierLocal},
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func rateLimited(provider string) error {
	return &providers.ProviderError{Reason: providers.ReasonRateLimited, Provider: provider, Status: 429, Message: "too many requests"}
}

func TestIsFailoverError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", rateLimited("p1"), true},
		{"auth", &providers.ProviderError{Reason: providers.ReasonAuthFailed, Status: 401}, true},
		{"bad gateway status", &providers.ProviderError{Reason: providers.ReasonServerError, Status: 502}, true},
		{"server error 500", &providers.ProviderError{Reason: providers.ReasonServerError, Status: 500, Message: "boom"}, false},
		{"invalid request", &providers.ProviderError{Reason: providers.ReasonInvalidRequest, Status: 400, Message: "bad"}, false},
		{"text quota", errors.New("You exceeded your current quota"), true},
		{"text capacity", errors.New("model at capacity"), true},
		{"text model not found", errors.New("model_not_found: gpt-9"), true},
		{"text 503", errors.New("HTTP 503 Service Unavailable"), true},
		{"plain", errors.New("connection reset by peer"), false},
		{"cancelled", context.Canceled, false},
		{"wrapped cancel", fmt.Errorf("stream: %w", context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFailoverError(tt.err); got != tt.want {
				t.Errorf("IsFailoverError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestFailoverSwitchesAndCoolsDown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := &fakeProvider{active: providers.ProviderConfig{Name: "p1", Model: "m1", APIKey: "k1"}}
	m := NewFailoverManager(tr,
		WithChain(testChain()),
		WithFailoverClock(clock.Now),
		WithEnv(env(map[string]string{"P2_KEY": "k2", "P3_KEY": "k3"})),
	)

	res, ok := m.HandleFailure(rateLimited("p1"))
	if !ok || res.From != "p1" || res.Provider != "p2" || res.Model != "m2" {
		t.Fatalf("first failover = %+v, %v", res, ok)
	}
	if tr.active.APIKey != "k2" || tr.active.BaseURL != "http://p2" {
		t.Fatalf("transport not switched: %+v", tr.active)
	}

	res, ok = m.HandleFailure(rateLimited("p2"))
	if !ok || res.Provider != "p3" {
		t.Fatalf("second failover = %+v, %v", res, ok)
	}
	cooldowns := m.Cooldowns()
	if len(cooldowns) != 2 || cooldowns[0].Provider != "p1" || cooldowns[1].Provider != "p2" {
		t.Fatalf("cooldowns = %+v", cooldowns)
	}
	if !cooldowns[0].Until.Equal(clock.Now().Add(DefaultCooldown)) {
		t.Errorf("cooldown expiry = %v", cooldowns[0].Until)
	}

	// p2 is still cooling down, so the next step is the keyless local entry.
	res, ok = m.HandleFailure(rateLimited("p3"))
	if !ok || res.Provider != "local" {
		t.Fatalf("third failover = %+v, %v", res, ok)
	}

	clock.Advance(DefaultCooldown + time.Second)
	res, ok = m.HandleFailure(rateLimited("local"))
	if !ok || res.Provider != "p2" {
		t.Fatalf("after cooldown = %+v, %v", res, ok)
	}
	if got := m.Cooldowns(); len(got) != 1 || got[0].Provider != "local" {
		t.Fatalf("expired cooldowns not dropped: %+v", got)
	}
}

func TestFailoverSkipsMissingKeysAndFailedModel(t *testing.T) {
	tr := &fakeProvider{active: providers.ProviderConfig{Name: "p1", Model: "m3"}}
	m := NewFailoverManager(tr, WithChain(testChain()), WithEnv(env(map[string]string{"P3_KEY": "k3"})))

	res, ok := m.HandleFailure(rateLimited("p1"))
	if !ok || res.Provider != "local" {
		t.Fatalf("failover = %+v, %v (p2 lacks a key, p3 shares the failed model)", res, ok)
	}
}

func TestFailoverExhausted(t *testing.T) {
	tr := &fakeProvider{active: providers.ProviderConfig{Name: "p1", Model: "m1"}}
	m := NewFailoverManager(tr, WithChain(testChain()[:2]), WithEnv(env(nil)))
	if _, ok := m.HandleFailure(rateLimited("p1")); ok {
		t.Fatal("no entry has a key; failover must fail")
	}
	if len(tr.applied) != 0 {
		t.Fatalf("transport mutated: %v", tr.applied)
	}
}

func TestFailoverDisabled(t *testing.T) {
	tr := &fakeProvider{active: providers.ProviderConfig{Name: "p1", Model: "m1"}}

	m := NewFailoverManager(tr, WithChain(testChain()), WithEnv(env(map[string]string{DisableFailoverEnv: "true"})))
	if m.Enabled() {
		t.Fatal("env toggle ignored")
	}
	if _, ok := m.HandleFailure(rateLimited("p1")); ok {
		t.Fatal("disabled manager switched providers")
	}

	m = NewFailoverManager(tr, WithChain(testChain()), WithEnv(env(nil)), WithEnabled(false))
	if m.Enabled() {
		t.Fatal("option ignored")
	}

	var nilManager *FailoverManager
	if nilManager.Enabled() {
		t.Fatal("nil manager enabled")
	}
}

func TestFailoverIgnoresIneligibleErrors(t *testing.T) {
	tr := &fakeProvider{active: providers.ProviderConfig{Name: "p1", Model: "m1"}}
	m := NewFailoverManager(tr, WithChain(testChain()), WithEnv(env(map[string]string{"P2_KEY": "k"})))
	if _, ok := m.HandleFailure(errors.New("invalid json in request")); ok {
		t.Fatal("ineligible error switched providers")
	}
	if len(m.Cooldowns()) != 0 {
		t.Fatal("ineligible error started a cooldown")
	}
}

func TestDefaultChainOrder(t *testing.T) {
	chain := DefaultChain()
	names := make([]string, len(chain))
	for i, e := range chain {
		names[i] = e.Name
	}
	want := []string{"nvidia", "groq", "gemini", "deepseek", "openai", "anthropic", "ollama"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Fatalf("chain = %v", names)
	}
	if last := chain[len(chain)-1]; last.APIKeyEnv != "" || last.Tier != TierLocal {
		t.Errorf("local entry = %+v", last)
	}
}

// A 429 on the first provider fails the loop over to the next one, which
// answers the same turn.
func TestLoopRetriesTurnAfterFailover(t *testing.T) {
	tr := &fakeProvider{
		active:  providers.ProviderConfig{Name: "p1", Model: "m1", APIKey: "k1"},
		failing: map[string]error{"p1": rateLimited("p1")},
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewFailoverManager(tr,
		WithChain(testChain()),
		WithFailoverClock(clock.Now),
		WithEnv(env(map[string]string{"P2_KEY": "k2"})),
	)
	loop := NewLoop(tr, weatherTools(t), WithFailover(m), WithConfig(LoopConfig{Model: "m1"}))

	res, err := loop.Run(context.Background(), RunInput{Messages: []models.Message{models.UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "answer from p2" || res.Turns != 1 {
		t.Fatalf("result = %+v", res)
	}
	if fmt.Sprint(tr.seen) != "[p1/m1 p2/m2]" {
		t.Fatalf("calls = %v", tr.seen)
	}
	cooldowns := m.Cooldowns()
	if len(cooldowns) != 1 || cooldowns[0].Provider != "p1" || !cooldowns[0].Until.Equal(clock.Now().Add(120*time.Second)) {
		t.Fatalf("cooldowns = %+v", cooldowns)
	}
}

func TestLoopSurfacesSecondFailure(t *testing.T) {
	tr := &fakeProvider{
		active:  providers.ProviderConfig{Name: "p1", Model: "m1"},
		failing: map[string]error{"p1": rateLimited("p1"), "p2": rateLimited("p2")},
	}
	m := NewFailoverManager(tr, WithChain(testChain()), WithEnv(env(map[string]string{"P2_KEY": "k2"})))
	_, err := NewLoop(tr, weatherTools(t), WithFailover(m)).Run(context.Background(), RunInput{
		Messages: []models.Message{models.UserMessage("hi")},
	})
	perr, ok := providers.GetProviderError(err)
	if !ok || perr.Provider != "p2" {
		t.Fatalf("err = %v", err)
	}
	if len(tr.seen) != 2 {
		t.Fatalf("failover must happen once per turn, calls = %v", tr.seen)
	}
}
