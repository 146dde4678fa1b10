// Package plugins runs untrusted WebAssembly plugins under memory, time and
// fuel bounds and exposes them as tool adapters.
package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/openintentos/openintent/internal/observability"
	"github.com/openintentos/openintent/pkg/models"
)

const (
	wasmPageSize = 65536

	// ExportExecuteTool is the guest entry point.
	ExportExecuteTool = "execute_tool"
	// ExportMemory is the guest linear memory export.
	ExportMemory = "memory"
)

// SandboxConfig bounds every plugin call.
type SandboxConfig struct {
	MaxMemoryBytes  uint64        `yaml:"max_memory_bytes"`
	Timeout         time.Duration `yaml:"timeout"`
	Fuel            uint64        `yaml:"fuel"`
	AllowFilesystem bool          `yaml:"allow_filesystem"`
	// FilesystemRoot is mounted at / when AllowFilesystem is set.
	FilesystemRoot string `yaml:"filesystem_root"`
	AllowNetwork   bool   `yaml:"allow_network"`
}

// DefaultSandboxConfig returns 16 MiB, 5 s and 1 000 000 fuel with
// filesystem and network access off.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		MaxMemoryBytes: 16 << 20,
		Timeout:        5 * time.Second,
		Fuel:           1_000_000,
	}
}

func (c SandboxConfig) withDefaults() SandboxConfig {
	def := DefaultSandboxConfig()
	if c.MaxMemoryBytes == 0 {
		c.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Fuel == 0 {
		c.Fuel = def.Fuel
	}
	return c
}

func (c SandboxConfig) memoryPages() uint32 {
	pages := c.MaxMemoryBytes / wasmPageSize
	if pages == 0 {
		pages = 1
	}
	if pages > 65536 {
		pages = 65536
	}
	return uint32(pages)
}

type loadedPlugin struct {
	manifest Manifest
	compiled wazero.CompiledModule
	loadedAt time.Time
}

// Sandbox owns one wazero runtime and the plugins compiled into it.
type Sandbox struct {
	cfg     SandboxConfig
	runtime wazero.Runtime
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	plugins map[string]*loadedPlugin
	seq     atomic.Uint64
}

// SandboxOption configures a Sandbox.
type SandboxOption func(*Sandbox)

func WithSandboxLogger(logger *slog.Logger) SandboxOption {
	return func(s *Sandbox) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSandboxMetrics(m *observability.Metrics) SandboxOption {
	return func(s *Sandbox) { s.metrics = m }
}

// NewSandbox creates the runtime and links the host module and WASI.
func NewSandbox(ctx context.Context, cfg SandboxConfig, opts ...SandboxOption) (*Sandbox, error) {
	cfg = cfg.withDefaults()
	s := &Sandbox{
		cfg:     cfg,
		logger:  slog.Default(),
		plugins: make(map[string]*loadedPlugin),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sandbox")

	rc := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.memoryPages()).
		WithCloseOnContextDone(true)
	s.runtime = wazero.NewRuntimeWithConfig(ctx, rc)

	if err := instantiateHostModule(ctx, s.runtime, s.logger); err != nil {
		_ = s.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, s.runtime); err != nil {
		_ = s.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	return s, nil
}

// Config returns the effective bounds.
func (s *Sandbox) Config() SandboxConfig {
	return s.cfg
}

// Load compiles wasm once and registers it under name.
func (s *Sandbox) Load(ctx context.Context, name string, wasm []byte, manifest Manifest) error {
	if name == "" {
		return errors.New("plugin name is required")
	}
	s.mu.RLock()
	_, exists := s.plugins[name]
	s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrPluginExists, name)
	}

	metered, err := instrumentModule(wasm, s.cfg.Fuel)
	if err != nil {
		return &SandboxError{Kind: KindCompilation, Plugin: name, Cause: err}
	}
	compiled, err := s.runtime.CompileModule(ctx, metered)
	if err != nil {
		return s.compileError(name, err)
	}
	if err := s.checkExports(name, compiled); err != nil {
		_ = compiled.Close(ctx)
		return err
	}
	if err := s.checkImports(name, compiled); err != nil {
		_ = compiled.Close(ctx)
		return err
	}

	manifest.Name = name
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plugins[name]; exists {
		_ = compiled.Close(ctx)
		return fmt.Errorf("%w: %s", ErrPluginExists, name)
	}
	s.plugins[name] = &loadedPlugin{manifest: manifest, compiled: compiled, loadedAt: time.Now()}
	s.logger.Info("plugin loaded", "plugin", name, "version", manifest.Version, "tools", len(manifest.Tools))
	return nil
}

// Unload drops a plugin. Calls that already started keep their instance.
func (s *Sandbox) Unload(ctx context.Context, name string) bool {
	s.mu.Lock()
	p, ok := s.plugins[name]
	delete(s.plugins, name)
	s.mu.Unlock()
	if !ok {
		return false
	}
	_ = p.compiled.Close(ctx)
	s.logger.Info("plugin unloaded", "plugin", name)
	return true
}

// IsLoaded reports whether name is currently loaded.
func (s *Sandbox) IsLoaded(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.plugins[name]
	return ok
}

// Plugins lists loaded plugins ordered by name.
func (s *Sandbox) Plugins() []models.PluginInfo {
	s.mu.RLock()
	out := make([]models.PluginInfo, 0, len(s.plugins))
	for _, p := range s.plugins {
		out = append(out, p.manifest.Info())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call runs tool in a fresh instance of plugin. The result is the JSON the
// guest passed to host_set_result, or null when it set nothing.
func (s *Sandbox) Call(ctx context.Context, plugin, tool string, params json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	out, err := s.call(ctx, plugin, tool, params)
	outcome := "ok"
	if se, ok := GetSandboxError(err); ok {
		outcome = string(se.Kind)
	} else if err != nil {
		outcome = "error"
	}
	s.metrics.RecordSandboxCall(plugin, outcome)
	s.logger.Debug("plugin call", "plugin", plugin, "tool", tool, "outcome", outcome, "elapsed", time.Since(start))
	return out, err
}

func (s *Sandbox) call(ctx context.Context, plugin, tool string, params json.RawMessage) (json.RawMessage, error) {
	s.mu.RLock()
	p, ok := s.plugins[plugin]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotLoaded, plugin)
	}

	params = bytes.TrimSpace(params)
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(params, &fields); err != nil {
		return nil, &SandboxError{Kind: KindExecutionFailed, Plugin: plugin, Code: -1, Message: "parameters must be a JSON object", Cause: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	state := &callState{
		plugin: plugin,
		tool:   tool,
		params: fields,
		logger: s.logger.With("plugin", plugin, "tool", tool),
	}
	callCtx = withCallState(callCtx, state)

	mod, err := s.runtime.InstantiateModule(callCtx, p.compiled, s.moduleConfig(plugin))
	if err != nil {
		rerr := s.runError(ctx, callCtx, plugin, err)
		if se, ok := GetSandboxError(rerr); ok && se.Kind == KindTrap {
			se.Kind = KindInstantiation
		}
		return nil, rerr
	}
	defer mod.Close(context.Background())

	nameLen := uint32(len(tool))
	paramsLen := uint32(len(params))
	if err := ensureMemory(mod.Memory(), uint64(nameLen)+uint64(paramsLen), s.cfg.MaxMemoryBytes); err != nil {
		err.Plugin = plugin
		return nil, err
	}
	mem := mod.Memory()
	if !mem.WriteString(0, tool) || !mem.Write(nameLen, params) {
		return nil, &SandboxError{Kind: KindMemoryLimit, Plugin: plugin, Used: uint64(nameLen) + uint64(paramsLen), Limit: uint64(mem.Size())}
	}

	fn := mod.ExportedFunction(ExportExecuteTool)
	results, err := fn.Call(callCtx, 0, uint64(nameLen), uint64(nameLen), uint64(paramsLen))
	if err != nil {
		if se := s.boundError(plugin, mod, err); se != nil {
			return nil, se
		}
		return nil, s.runError(ctx, callCtx, plugin, err)
	}
	if code := int32(uint32(results[0])); code != 0 {
		return nil, &SandboxError{Kind: KindExecutionFailed, Plugin: plugin, Code: code}
	}

	out, set := state.output()
	out = bytes.TrimSpace(out)
	if !set || len(out) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(out) {
		return nil, &SandboxError{Kind: KindExecutionFailed, Plugin: plugin, Message: "result is not valid JSON"}
	}
	return json.RawMessage(out), nil
}

// boundError reports a trap raised by the fuel or memory.grow checks that
// Load compiled into the guest, or nil for any other failure.
func (s *Sandbox) boundError(plugin string, mod api.Module, cause error) *SandboxError {
	if g := mod.ExportedGlobal(fuelExport); g != nil && int64(g.Get()) < 0 {
		return &SandboxError{Kind: KindFuelExhausted, Plugin: plugin, Limit: s.cfg.Fuel, Cause: cause}
	}
	grown := mod.ExportedGlobal(growResultExport)
	if grown == nil || int32(uint32(grown.Get())) != -1 {
		return nil
	}
	var pages uint64
	if req := mod.ExportedGlobal(growRequestExport); req != nil {
		pages = uint64(uint32(req.Get()))
	}
	return &SandboxError{
		Kind:   KindMemoryLimit,
		Plugin: plugin,
		Used:   uint64(mod.Memory().Size()) + pages*wasmPageSize,
		Limit:  s.cfg.MaxMemoryBytes,
		Cause:  cause,
	}
}

// runError maps a failed guest run to its sandbox error. Cancellation of
// the caller's context is returned as is.
func (s *Sandbox) runError(parent, callCtx context.Context, plugin string, err error) error {
	if perr := parent.Err(); perr != nil {
		return perr
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &SandboxError{Kind: KindTimeout, Plugin: plugin, Timeout: s.cfg.Timeout, Cause: err}
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		return &SandboxError{Kind: KindExecutionFailed, Plugin: plugin, Code: int32(exit.ExitCode()), Cause: err}
	}
	return &SandboxError{Kind: KindTrap, Plugin: plugin, Cause: err}
}

func (s *Sandbox) moduleConfig(plugin string) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("%s#%d", plugin, s.seq.Add(1))).
		WithStartFunctions("_initialize")
	if s.cfg.AllowFilesystem && s.cfg.FilesystemRoot != "" {
		cfg = cfg.WithFSConfig(wazero.NewFSConfig().WithDirMount(s.cfg.FilesystemRoot, "/"))
	}
	return cfg
}

func (s *Sandbox) checkExports(name string, compiled wazero.CompiledModule) error {
	fn, ok := compiled.ExportedFunctions()[ExportExecuteTool]
	if !ok {
		return &SandboxError{Kind: KindInstantiation, Plugin: name, Message: "missing export " + ExportExecuteTool}
	}
	params, results := fn.ParamTypes(), fn.ResultTypes()
	if len(params) != 4 || len(results) != 1 || results[0] != api.ValueTypeI32 {
		return &SandboxError{Kind: KindInstantiation, Plugin: name, Message: ExportExecuteTool + " must have signature (i32, i32, i32, i32) -> i32"}
	}
	for _, p := range params {
		if p != api.ValueTypeI32 {
			return &SandboxError{Kind: KindInstantiation, Plugin: name, Message: ExportExecuteTool + " must have signature (i32, i32, i32, i32) -> i32"}
		}
	}
	if _, ok := compiled.ExportedMemories()[ExportMemory]; !ok {
		return &SandboxError{Kind: KindInstantiation, Plugin: name, Message: "missing export " + ExportMemory}
	}
	return nil
}

// checkImports rejects socket imports unless network access is allowed.
func (s *Sandbox) checkImports(name string, compiled wazero.CompiledModule) error {
	if s.cfg.AllowNetwork {
		return nil
	}
	for _, def := range compiled.ImportedFunctions() {
		module, fn, _ := def.Import()
		if module == wasi_snapshot_preview1.ModuleName && strings.HasPrefix(fn, "sock_") {
			return &SandboxError{Kind: KindInstantiation, Plugin: name, Message: "network access is disabled (imports " + fn + ")"}
		}
	}
	return nil
}

var memoryLimitPattern = regexp.MustCompile(`(?:min|max|capacity) (\d+) pages`)

func (s *Sandbox) compileError(name string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "over limit of") {
		se := &SandboxError{Kind: KindMemoryLimit, Plugin: name, Limit: s.cfg.MaxMemoryBytes, Cause: err}
		if m := memoryLimitPattern.FindStringSubmatch(msg); m != nil {
			if pages, perr := strconv.ParseUint(m[1], 10, 64); perr == nil {
				se.Used = pages * wasmPageSize
			}
		}
		return se
	}
	return &SandboxError{Kind: KindCompilation, Plugin: name, Cause: err}
}

// ensureMemory grows the guest memory to hold need bytes.
func ensureMemory(mem api.Memory, need, limit uint64) *SandboxError {
	size := uint64(mem.Size())
	if need <= size {
		return nil
	}
	if need > limit {
		return &SandboxError{Kind: KindMemoryLimit, Used: need, Limit: limit}
	}
	delta := (need - size + wasmPageSize - 1) / wasmPageSize
	if _, ok := mem.Grow(uint32(delta)); !ok {
		return &SandboxError{Kind: KindMemoryLimit, Used: need, Limit: limit}
	}
	return nil
}

// Close unloads every plugin and closes the runtime.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	s.plugins = make(map[string]*loadedPlugin)
	s.mu.Unlock()
	return s.runtime.Close(ctx)
}
