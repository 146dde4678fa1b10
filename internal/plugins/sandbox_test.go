package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openintentos/openintent/internal/observability"
	"github.com/openintentos/openintent/pkg/models"
)

func newTestSandbox(t *testing.T, cfg SandboxConfig, opts ...SandboxOption) *Sandbox {
	t.Helper()
	ctx := context.Background()
	sb, err := NewSandbox(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Close(ctx) })
	return sb
}

func mustLoad(t *testing.T, sb *Sandbox, name string, wasm []byte, tools ...string) {
	t.Helper()
	m := Manifest{Name: name, Version: "0.1.0", Module: name + ".wasm"}
	for _, tool := range tools {
		m.Tools = append(m.Tools, models.ToolDefinition{Name: tool})
	}
	if err := sb.Load(context.Background(), name, wasm, m); err != nil {
		t.Fatalf("Load(%s): %v", name, err)
	}
}

func TestSandboxDefaults(t *testing.T) {
	cfg := SandboxConfig{}.withDefaults()
	if cfg.MaxMemoryBytes != 16<<20 || cfg.Timeout != 5*time.Second || cfg.Fuel != 1_000_000 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.AllowFilesystem || cfg.AllowNetwork {
		t.Fatal("filesystem and network must be off by default")
	}
	if cfg.memoryPages() != 256 {
		t.Fatalf("pages = %d", cfg.memoryPages())
	}
}

func TestSandboxEcho(t *testing.T) {
	sb := newTestSandbox(t, SandboxConfig{})
	mustLoad(t, sb, "echo", echoModule(), "echo")

	out, err := sb.Call(context.Background(), "echo", "echo", json.RawMessage(`{"text":"hi","n":[1,2]}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(out) != `{"text":"hi","n":[1,2]}` {
		t.Fatalf("out = %s", out)
	}

	// Fresh instance per call: a second call sees only its own params.
	out, err = sb.Call(context.Background(), "echo", "a-much-longer-tool-name", json.RawMessage(`{}`))
	if err != nil || string(out) != `{}` {
		t.Fatalf("second call = %s, %v", out, err)
	}
}

func TestSandboxNoResultIsNull(t *testing.T) {
	sb := newTestSandbox(t, SandboxConfig{})
	mustLoad(t, sb, "quiet", returnModule(0))
	out, err := sb.Call(context.Background(), "quiet", "anything", nil)
	if err != nil || string(out) != "null" {
		t.Fatalf("out = %s, %v", out, err)
	}
}

func TestSandboxHostGetParam(t *testing.T) {
	sb := newTestSandbox(t, SandboxConfig{})
	mustLoad(t, sb, "getter", getParamModule("filter"))
	mustLoad(t, sb, "length", paramLenModule("filter"))
	ctx := context.Background()

	out, err := sb.Call(ctx, "getter", "get", json.RawMessage(`{"filter":{"a":1},"other":true}`))
	if err != nil || string(out) != `{"a":1}` {
		t.Fatalf("getter = %s, %v", out, err)
	}

	_, err = sb.Call(ctx, "length", "len", json.RawMessage(`{"filter":{"a":1}}`))
	se, ok := GetSandboxError(err)
	if !ok || se.Kind != KindExecutionFailed || se.Code != 7 {
		t.Fatalf("truncated lookup should report full length 7, got %v", err)
	}

	_, err = sb.Call(ctx, "length", "len", json.RawMessage(`{"filter":"abc"}`))
	if se, ok := GetSandboxError(err); !ok || se.Code != 3 {
		t.Fatalf("string param should be unquoted (len 3), got %v", err)
	}

	_, err = sb.Call(ctx, "length", "len", json.RawMessage(`{}`))
	if se, ok := GetSandboxError(err); !ok || se.Code != -1 {
		t.Fatalf("missing param should return -1, got %v", err)
	}
}

func TestSandboxHostLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sb := newTestSandbox(t, SandboxConfig{}, WithSandboxLogger(logger))
	mustLoad(t, sb, "logger", logModule())

	if _, err := sb.Call(context.Background(), "logger", "log", json.RawMessage(`{"msg":"from guest"}`)); err != nil {
		t.Fatalf("Call: %v", err)
	}
	logs := buf.String()
	if !strings.Contains(logs, "from guest") || !strings.Contains(logs, "plugin=logger") {
		t.Fatalf("logs = %s", logs)
	}
}

// unmetered is enough fuel that only the wall clock can stop a guest.
const unmetered = 1 << 62

func TestSandboxFailures(t *testing.T) {
	sb := newTestSandbox(t, SandboxConfig{Timeout: 200 * time.Millisecond, Fuel: 1000})
	slow := newTestSandbox(t, SandboxConfig{Timeout: 200 * time.Millisecond, Fuel: unmetered})
	mustLoad(t, sb, "fail", returnModule(3))
	mustLoad(t, sb, "trap", trapModule())
	mustLoad(t, slow, "spin", spinModule())
	mustLoad(t, sb, "burn", callLoopModule())
	mustLoad(t, sb, "count", countdownModule(500_000))
	ctx := context.Background()

	tests := []struct {
		plugin string
		sb     *Sandbox
		kind   ErrorKind
		check  func(t *testing.T, se *SandboxError)
	}{
		{"fail", sb, KindExecutionFailed, func(t *testing.T, se *SandboxError) {
			if se.Code != 3 {
				t.Errorf("code = %d", se.Code)
			}
		}},
		{"trap", sb, KindTrap, nil},
		{"spin", slow, KindTimeout, func(t *testing.T, se *SandboxError) {
			if se.Timeout != 200*time.Millisecond || !errors.Is(se, ErrTimeout) {
				t.Errorf("timeout error = %+v", se)
			}
		}},
		{"burn", sb, KindFuelExhausted, func(t *testing.T, se *SandboxError) {
			if se.Limit != 1000 || !errors.Is(se, ErrTimeout) {
				t.Errorf("fuel error = %+v", se)
			}
		}},
		{"count", sb, KindFuelExhausted, func(t *testing.T, se *SandboxError) {
			if se.Limit != 1000 {
				t.Errorf("fuel error = %+v", se)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.plugin, func(t *testing.T) {
			start := time.Now()
			_, err := tt.sb.Call(ctx, tt.plugin, "run", json.RawMessage(`{}`))
			se, ok := GetSandboxError(err)
			if !ok || se.Kind != tt.kind {
				t.Fatalf("err = %v, want kind %s", err, tt.kind)
			}
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Errorf("guest was not terminated promptly: %s", elapsed)
			}
			if tt.check != nil {
				tt.check(t, se)
			}
		})
	}
}

func TestSandboxCallerCancellation(t *testing.T) {
	sb := newTestSandbox(t, SandboxConfig{Timeout: 10 * time.Second, Fuel: unmetered})
	mustLoad(t, sb, "spin", spinModule())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sb.Call(ctx, "spin", "run", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want the caller's deadline", err)
	}
}

func TestSandboxLoadValidation(t *testing.T) {
	sb := newTestSandbox(t, SandboxConfig{MaxMemoryBytes: 1 << 20})
	ctx := context.Background()

	noExport := wasmModule{funcs: []wasmFunc{{params: 4, results: 1, body: i32(0), export: "run"}}, memPages: 1, exportMemory: true}.encode()
	noMemory := wasmModule{funcs: []wasmFunc{{params: 4, results: 1, body: i32(0), export: ExportExecuteTool}}}.encode()
	wrongSig := wasmModule{funcs: []wasmFunc{{params: 2, results: 1, body: i32(0), export: ExportExecuteTool}}, memPages: 1, exportMemory: true}.encode()
	tooBig := wasmModule{funcs: []wasmFunc{{params: 4, results: 1, body: i32(0), export: ExportExecuteTool}}, memPages: 32, exportMemory: true}.encode()

	tests := []struct {
		name string
		wasm []byte
		kind ErrorKind
	}{
		{"garbage", []byte("not wasm"), KindCompilation},
		{"missing execute_tool", noExport, KindInstantiation},
		{"missing memory", noMemory, KindInstantiation},
		{"wrong signature", wrongSig, KindInstantiation},
		{"memory over limit", tooBig, KindMemoryLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sb.Load(ctx, "p", tt.wasm, Manifest{})
			se, ok := GetSandboxError(err)
			if !ok || se.Kind != tt.kind {
				t.Fatalf("err = %v, want kind %s", err, tt.kind)
			}
			if sb.IsLoaded("p") {
				t.Fatal("failed load must not register the plugin")
			}
		})
	}

	se, ok := GetSandboxError(sb.Load(ctx, "big", tooBig, Manifest{}))
	if !ok {
		t.Fatal("expected sandbox error")
	}
	if se.Used != 32*wasmPageSize || se.Limit != 1<<20 || !errors.Is(se, ErrMemoryLimit) {
		t.Fatalf("memory error = %+v", se)
	}
}

func TestSandboxParamsGrowMemory(t *testing.T) {
	sb := newTestSandbox(t, SandboxConfig{MaxMemoryBytes: 256 << 10})
	mustLoad(t, sb, "echo", echoModule())
	ctx := context.Background()

	big := `{"blob":"` + strings.Repeat("x", 100<<10) + `"}`
	out, err := sb.Call(ctx, "echo", "echo", json.RawMessage(big))
	if err != nil || len(out) != len(big) {
		t.Fatalf("grown call: len=%d err=%v", len(out), err)
	}

	huge := `{"blob":"` + strings.Repeat("x", 300<<10) + `"}`
	_, err = sb.Call(ctx, "echo", "echo", json.RawMessage(huge))
	se, ok := GetSandboxError(err)
	if !ok || se.Kind != KindMemoryLimit || se.Limit != 256<<10 || se.Used <= se.Limit {
		t.Fatalf("err = %v", err)
	}
}

func TestSandboxFuelCountsLoopIterations(t *testing.T) {
	const n = 500_000
	need := uint64(5 + 6*n)
	ctx := context.Background()

	tests := []struct {
		name string
		fuel uint64
		ok   bool
	}{
		{"exact budget", need, true},
		{"one short", need - 1, false},
		{"tiny budget", 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := newTestSandbox(t, SandboxConfig{Timeout: 30 * time.Second, Fuel: tt.fuel})
			mustLoad(t, sb, "count", countdownModule(n))
			out, err := sb.Call(ctx, "count", "run", nil)
			if tt.ok {
				if err != nil || string(out) != "null" {
					t.Fatalf("Call = %s, %v", out, err)
				}
				return
			}
			se, ok := GetSandboxError(err)
			if !ok || se.Kind != KindFuelExhausted || se.Limit != tt.fuel {
				t.Fatalf("err = %v, want fuel exhausted at %d", err, tt.fuel)
			}
		})
	}
}

func TestSandboxGuestMemoryGrow(t *testing.T) {
	sb := newTestSandbox(t, SandboxConfig{MaxMemoryBytes: 4 * wasmPageSize})
	mustLoad(t, sb, "small", growModule(2))
	mustLoad(t, sb, "large", growModule(16))
	ctx := context.Background()

	if _, err := sb.Call(ctx, "small", "run", nil); err != nil {
		t.Fatalf("grow within limit: %v", err)
	}
	_, err := sb.Call(ctx, "large", "run", nil)
	se, ok := GetSandboxError(err)
	if !ok || se.Kind != KindMemoryLimit || !errors.Is(err, ErrMemoryLimit) {
		t.Fatalf("err = %v, want memory limit", err)
	}
	if se.Used != 17*wasmPageSize || se.Limit != 4*wasmPageSize {
		t.Fatalf("used = %d, limit = %d", se.Used, se.Limit)
	}
}

func TestSandboxLoadUnload(t *testing.T) {
	sb := newTestSandbox(t, SandboxConfig{})
	mustLoad(t, sb, "b", echoModule(), "echo")
	mustLoad(t, sb, "a", echoModule(), "echo")
	ctx := context.Background()

	if err := sb.Load(ctx, "a", echoModule(), Manifest{}); !errors.Is(err, ErrPluginExists) {
		t.Fatalf("duplicate load err = %v", err)
	}
	infos := sb.Plugins()
	if len(infos) != 2 || infos[0].Name != "a" || infos[1].Name != "b" {
		t.Fatalf("Plugins = %+v", infos)
	}
	if !sb.Unload(ctx, "a") || sb.Unload(ctx, "a") {
		t.Fatal("Unload should succeed exactly once")
	}
	if _, err := sb.Call(ctx, "a", "echo", nil); !errors.Is(err, ErrPluginNotLoaded) {
		t.Fatalf("call after unload err = %v", err)
	}
	if _, err := sb.Call(ctx, "b", "echo", json.RawMessage(`[1]`)); err == nil {
		t.Fatal("non-object params should be rejected")
	}
}

func TestSandboxMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	sb := newTestSandbox(t, SandboxConfig{}, WithSandboxMetrics(metrics))
	mustLoad(t, sb, "echo", echoModule())
	mustLoad(t, sb, "fail", returnModule(1))

	_, _ = sb.Call(context.Background(), "echo", "echo", nil)
	_, _ = sb.Call(context.Background(), "fail", "x", nil)

	if got := testutil.ToFloat64(metrics.SandboxCalls.WithLabelValues("echo", "ok")); got != 1 {
		t.Errorf("ok calls = %v", got)
	}
	if got := testutil.ToFloat64(metrics.SandboxCalls.WithLabelValues("fail", string(KindExecutionFailed))); got != 1 {
		t.Errorf("failed calls = %v", got)
	}
}
