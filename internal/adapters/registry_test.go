package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openintentos/openintent/pkg/models"
)

type fakeAdapter struct {
	id    string
	tools []models.ToolDefinition
	auth  *models.AuthRequirement

	mu          sync.Mutex
	connected   bool
	connects    int
	connectErr  error
	health      models.HealthStatus
	execute     func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
	disconnects int
}

func newFake(id string, tools ...string) *fakeAdapter {
	f := &fakeAdapter{id: id, health: models.HealthHealthy}
	for _, name := range tools {
		f.tools = append(f.tools, models.ToolDefinition{Name: name, Description: id + " " + name})
	}
	return f
}

func (f *fakeAdapter) ID() string                               { return f.id }
func (f *fakeAdapter) ToolDefinitions() []models.ToolDefinition { return f.tools }
func (f *fakeAdapter) RequiredAuth() *models.AuthRequirement    { return f.auth }

func (f *fakeAdapter) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	if !f.connected {
		f.connected = true
		f.connects++
	}
	return nil
}

func (f *fakeAdapter) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		f.connected = false
		f.disconnects++
	}
	return nil
}

func (f *fakeAdapter) HealthCheck(context.Context) models.HealthStatus { return f.health }

func (f *fakeAdapter) Execute(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	if f.execute != nil {
		return f.execute(ctx, tool, args)
	}
	return TextResult(f.id + ":" + tool), nil
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newFake("fs", "read")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(newFake("fs", "write"))
	if !errors.Is(err, ErrAdapterExists) {
		t.Fatalf("err = %v, want ErrAdapterExists", err)
	}
	info, ok := r.Get("fs")
	if !ok || info.Status != models.AdapterRegistered {
		t.Fatalf("Get = %+v, %v", info, ok)
	}
	if !r.Unregister("fs") || r.Unregister("fs") {
		t.Fatal("Unregister should report presence exactly once")
	}
}

func TestSetStatusLastErrorInvariant(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(newFake("gh", "issues"))

	if err := r.SetStatus("gh", models.AdapterError, "token expired"); err != nil {
		t.Fatal(err)
	}
	info, _ := r.Get("gh")
	if info.LastError != "token expired" {
		t.Fatalf("LastError = %q", info.LastError)
	}
	if r.IsAvailable("gh") {
		t.Fatal("adapter in error state should not be available")
	}

	_ = r.SetStatus("gh", models.AdapterConnected, "ignored")
	info, _ = r.Get("gh")
	if info.LastError != "" || info.Status != models.AdapterConnected {
		t.Fatalf("after reconnect: %+v", info)
	}
	if !r.IsAvailable("gh") {
		t.Fatal("connected adapter should be available")
	}

	if err := r.SetStatus("missing", models.AdapterConnected, ""); !errors.Is(err, ErrAdapterNotFound) {
		t.Fatalf("err = %v, want ErrAdapterNotFound", err)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(newFake("a"))
	before, _ := r.Get("a")
	_ = r.SetStatus("a", models.AdapterConnected, "")
	if before.Status != models.AdapterRegistered {
		t.Fatalf("snapshot changed after SetStatus: %s", before.Status)
	}
}

func TestFindToolRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(newFake("first", "search", "open"))
	_ = r.Register(newFake("second", "search", "close"))

	a, def, ok := r.FindTool("search")
	if !ok || a.ID() != "first" {
		t.Fatalf("FindTool(search) = %v, %v", a, ok)
	}
	if def.Description != "first search" {
		t.Errorf("definition = %+v", def)
	}
	if _, _, ok := r.FindTool("missing"); ok {
		t.Error("FindTool should miss unknown names")
	}

	var names []string
	for _, d := range r.ToolDefinitions() {
		names = append(names, d.Name)
	}
	want := []string{"search", "open", "close"}
	if len(names) != len(want) {
		t.Fatalf("catalogue = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("catalogue = %v, want %v", names, want)
		}
	}
}

func TestConnectAllIdempotentAndErrors(t *testing.T) {
	r := NewRegistry()
	good := newFake("good", "x")
	bad := newFake("bad", "y")
	bad.connectErr = errors.New("no credentials")
	_ = r.Register(good)
	_ = r.Register(bad)

	ctx := context.Background()
	err := r.ConnectAll(ctx)
	if err == nil || !errors.Is(err, bad.connectErr) {
		t.Fatalf("ConnectAll err = %v", err)
	}
	_ = r.ConnectAll(ctx)
	if good.connects != 1 {
		t.Errorf("connects = %d, want 1", good.connects)
	}
	if got := r.ListByStatus(models.AdapterConnected); len(got) != 1 || got[0].ID != "good" {
		t.Errorf("connected = %+v", got)
	}
	if got := r.ListByStatus(models.AdapterError); len(got) != 1 || got[0].LastError != "no credentials" {
		t.Errorf("errored = %+v", got)
	}

	if err := r.DisconnectAll(ctx); err != nil {
		t.Fatalf("DisconnectAll: %v", err)
	}
	if err := r.DisconnectAll(ctx); err != nil {
		t.Fatalf("second DisconnectAll: %v", err)
	}
	if good.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", good.disconnects)
	}
	for _, info := range r.List() {
		if info.Status != models.AdapterDisconnected || info.LastError != "" {
			t.Errorf("%s: %+v", info.ID, info)
		}
	}
}

func TestHealthCheckAllRecordsTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(WithClock(func() time.Time { return now }))
	f := newFake("svc")
	f.health = models.HealthDegraded
	_ = r.Register(f)

	got := r.HealthCheckAll(context.Background())
	if got["svc"] != models.HealthDegraded {
		t.Fatalf("health = %v", got)
	}
	info, _ := r.Get("svc")
	if info.Health != models.HealthDegraded || !info.LastHealthCheck.Equal(now) {
		t.Fatalf("info = %+v", info)
	}
}

func TestExecute(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
	f := newFake("fs")
	f.tools = []models.ToolDefinition{{Name: "read", InputSchema: schema}, {Name: "boom"}, {Name: "fail"}}
	f.execute = func(_ context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
		switch tool {
		case "boom":
			panic("nil map")
		case "fail":
			return nil, errors.New("disk full")
		}
		return args, nil
	}
	r := NewRegistry(WithValidator(NewSchemaValidator()))
	_ = r.Register(f)
	ctx := context.Background()

	out, err := r.Execute(ctx, "read", json.RawMessage(`{"path":"/tmp/a"}`))
	if err != nil || string(out) != `{"path":"/tmp/a"}` {
		t.Fatalf("Execute = %s, %v", out, err)
	}

	tests := []struct {
		name string
		tool string
		args string
		want error
	}{
		{"unknown tool", "nope", `{}`, ErrToolNotFound},
		{"schema violation", "read", `{"path":3}`, ErrInvalidParameters},
		{"missing required", "read", `{}`, ErrInvalidParameters},
		{"panic recovered", "boom", `{}`, ErrExecutionFailed},
		{"plain error wrapped", "fail", `{}`, ErrExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Execute(ctx, tt.tool, json.RawMessage(tt.args))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var te *ToolError
			if !errors.As(err, &te) || te.Tool != tt.tool {
				t.Fatalf("want *ToolError for %s, got %#v", tt.tool, err)
			}
		})
	}
}

func TestExecuteAuthRequired(t *testing.T) {
	f := newFake("mail", "send")
	f.auth = &models.AuthRequirement{Provider: "google", EnvVar: "GOOGLE_API_KEY"}
	f.connectErr = errors.New("missing token")
	r := NewRegistry()
	_ = r.Register(f)
	_ = r.ConnectAll(context.Background())

	_, err := r.Execute(context.Background(), "send", nil)
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("err = %v, want ErrAuthRequired", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(newFake("a", "t"))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.SetStatus("a", models.AdapterConnected, "")
			_ = r.SetStatus("a", models.AdapterError, "flap")
		}()
		go func() {
			defer wg.Done()
			info, _ := r.Get("a")
			if (info.LastError != "") != (info.Status == models.AdapterError) {
				t.Errorf("torn snapshot: %+v", info)
			}
		}()
	}
	wg.Wait()
}
