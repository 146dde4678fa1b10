package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openintentos/openintent/pkg/models"
)

// Registry owns the registered adapters. Lookups never block on each other:
// entries live in a sync.Map and each entry guards its own state.
type Registry struct {
	entries   sync.Map // id -> *entry
	seq       atomic.Uint64
	logger    *slog.Logger
	validator *SchemaValidator
	now       func() time.Time
}

type entry struct {
	adapter Adapter
	order   uint64

	mu   sync.Mutex
	info models.AdapterInfo
}

func (e *entry) snapshot() models.AdapterInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithValidator validates arguments in Execute before adapters run.
func WithValidator(v *SchemaValidator) RegistryOption {
	return func(r *Registry) { r.validator = v }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an adapter in the Registered state.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("nil adapter")
	}
	id := adapter.ID()
	if id == "" {
		return errors.New("adapter id is required")
	}
	info := models.AdapterInfo{
		ID:           id,
		Status:       models.AdapterRegistered,
		RegisteredAt: r.now(),
	}
	if d, ok := adapter.(Describer); ok {
		info.Description = d.Description()
	}
	e := &entry{adapter: adapter, order: r.seq.Add(1), info: info}
	if _, loaded := r.entries.LoadOrStore(id, e); loaded {
		return fmt.Errorf("%w: %s", ErrAdapterExists, id)
	}
	r.logger.Debug("adapter registered", "adapter", id, "tools", len(adapter.ToolDefinitions()))
	return nil
}

// Unregister removes an adapter. It reports whether the id was present.
func (r *Registry) Unregister(id string) bool {
	_, ok := r.entries.LoadAndDelete(id)
	if ok {
		r.logger.Debug("adapter unregistered", "adapter", id)
	}
	return ok
}

// Get returns a snapshot of the adapter's registration.
func (r *Registry) Get(id string) (models.AdapterInfo, bool) {
	e, ok := r.load(id)
	if !ok {
		return models.AdapterInfo{}, false
	}
	return e.snapshot(), true
}

// Adapter returns the registered adapter itself.
func (r *Registry) Adapter(id string) (Adapter, bool) {
	e, ok := r.load(id)
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// SetStatus records a lifecycle transition. errText is kept only for the
// Error state; any other state clears the last error.
func (r *Registry) SetStatus(id string, status models.AdapterStatus, errText string) error {
	e, ok := r.load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAdapterNotFound, id)
	}
	e.mu.Lock()
	prev := e.info.Status
	e.info.Status = status
	if status == models.AdapterError {
		if errText == "" {
			errText = "unknown error"
		}
		e.info.LastError = errText
	} else {
		e.info.LastError = ""
	}
	e.mu.Unlock()

	if prev != status {
		r.logger.Info("adapter status changed", "adapter", id, "from", prev, "to", status)
	}
	return nil
}

// RecordHealthCheck stores a probe outcome and its time.
func (r *Registry) RecordHealthCheck(id string, health models.HealthStatus) error {
	e, ok := r.load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAdapterNotFound, id)
	}
	e.mu.Lock()
	e.info.Health = health
	e.info.LastHealthCheck = r.now()
	e.mu.Unlock()
	return nil
}

// List returns snapshots of every adapter in registration order.
func (r *Registry) List() []models.AdapterInfo {
	ordered := r.ordered()
	out := make([]models.AdapterInfo, len(ordered))
	for i, e := range ordered {
		out[i] = e.snapshot()
	}
	return out
}

// ListByStatus returns snapshots of adapters in the given state.
func (r *Registry) ListByStatus(status models.AdapterStatus) []models.AdapterInfo {
	var out []models.AdapterInfo
	for _, e := range r.ordered() {
		if info := e.snapshot(); info.Status == status {
			out = append(out, info)
		}
	}
	return out
}

// IsAvailable reports whether the adapter is connected.
func (r *Registry) IsAvailable(id string) bool {
	info, ok := r.Get(id)
	return ok && info.Status == models.AdapterConnected
}

// FindTool returns the first adapter, in registration order, that defines
// a tool with the given name.
func (r *Registry) FindTool(name string) (Adapter, models.ToolDefinition, bool) {
	for _, e := range r.ordered() {
		for _, def := range e.adapter.ToolDefinitions() {
			if def.Name == name {
				return e.adapter, def, true
			}
		}
	}
	return nil, models.ToolDefinition{}, false
}

// ToolDefinitions returns the tool catalogue in registration order. When
// two adapters define the same name the earlier one shadows the later.
func (r *Registry) ToolDefinitions() []models.ToolDefinition {
	seen := make(map[string]bool)
	var defs []models.ToolDefinition
	for _, e := range r.ordered() {
		for _, def := range e.adapter.ToolDefinitions() {
			if seen[def.Name] {
				continue
			}
			seen[def.Name] = true
			defs = append(defs, def)
		}
	}
	return defs
}

// ConnectAll connects every adapter in registration order and records the
// resulting states. Failures do not stop later adapters.
func (r *Registry) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, e := range r.ordered() {
		id := e.adapter.ID()
		if err := e.adapter.Connect(ctx); err != nil {
			_ = r.SetStatus(id, models.AdapterError, err.Error())
			r.logger.Warn("adapter connect failed", "adapter", id, "error", err)
			errs = append(errs, fmt.Errorf("connect %s: %w", id, err))
			continue
		}
		_ = r.SetStatus(id, models.AdapterConnected, "")
	}
	return errors.Join(errs...)
}

// DisconnectAll disconnects every adapter in reverse registration order.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	ordered := r.ordered()
	var errs []error
	for i := len(ordered) - 1; i >= 0; i-- {
		e := ordered[i]
		id := e.adapter.ID()
		if err := e.adapter.Disconnect(ctx); err != nil {
			_ = r.SetStatus(id, models.AdapterError, err.Error())
			errs = append(errs, fmt.Errorf("disconnect %s: %w", id, err))
			continue
		}
		_ = r.SetStatus(id, models.AdapterDisconnected, "")
	}
	return errors.Join(errs...)
}

// HealthCheckAll probes every adapter and records the outcomes.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]models.HealthStatus {
	out := make(map[string]models.HealthStatus)
	for _, e := range r.ordered() {
		id := e.adapter.ID()
		health := e.adapter.HealthCheck(ctx)
		_ = r.RecordHealthCheck(id, health)
		out[id] = health
	}
	return out
}

// Execute resolves the owning adapter, validates the arguments when a
// validator is configured and runs the tool. Panics inside the adapter are
// reported as ExecutionFailed.
func (r *Registry) Execute(ctx context.Context, tool string, args json.RawMessage) (result json.RawMessage, err error) {
	adapter, def, ok := r.FindTool(tool)
	if !ok {
		return nil, NotFound(tool)
	}
	if r.validator != nil {
		if verr := r.validator.Validate(def, args); verr != nil {
			return nil, verr
		}
	}
	if req := adapter.RequiredAuth(); req != nil {
		if info, ok := r.Get(adapter.ID()); ok && info.Status == models.AdapterError {
			return nil, AuthRequired(tool, req)
		}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", tool, "panic", p, "stack", string(debug.Stack()))
			result = nil
			err = ExecutionFailed(tool, fmt.Errorf("panic: %v", p))
		}
	}()
	result, err = adapter.Execute(ctx, tool, args)
	if err != nil {
		return nil, AsToolError(tool, err)
	}
	return result, nil
}

func (r *Registry) load(id string) (*entry, bool) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (r *Registry) ordered() []*entry {
	var out []*entry
	r.entries.Range(func(_, v any) bool {
		out = append(out, v.(*entry))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}
