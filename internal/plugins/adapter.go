package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/openintentos/openintent/internal/adapters"
	"github.com/openintentos/openintent/pkg/models"
)

// PluginAdapter exposes one loaded plugin through the adapter contract.
type PluginAdapter struct {
	sandbox *Sandbox
	info    models.PluginInfo
}

var _ adapters.Adapter = (*PluginAdapter)(nil)

// NewPluginAdapter wraps the plugin name, which must already be loaded.
func NewPluginAdapter(sandbox *Sandbox, name string) (*PluginAdapter, error) {
	sandbox.mu.RLock()
	p, ok := sandbox.plugins[name]
	sandbox.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotLoaded, name)
	}
	return &PluginAdapter{sandbox: sandbox, info: p.manifest.Info()}, nil
}

func (a *PluginAdapter) ID() string                               { return "plugin:" + a.info.Name }
func (a *PluginAdapter) Description() string                      { return a.info.Description }
func (a *PluginAdapter) ToolDefinitions() []models.ToolDefinition { return a.info.Tools }
func (a *PluginAdapter) RequiredAuth() *models.AuthRequirement    { return nil }
func (a *PluginAdapter) Info() models.PluginInfo                  { return a.info }

func (a *PluginAdapter) Connect(context.Context) error {
	if !a.sandbox.IsLoaded(a.info.Name) {
		return fmt.Errorf("%w: %s", ErrPluginNotLoaded, a.info.Name)
	}
	return nil
}

func (a *PluginAdapter) Disconnect(context.Context) error { return nil }

// HealthCheck is healthy while the plugin stays loaded.
func (a *PluginAdapter) HealthCheck(context.Context) models.HealthStatus {
	if a.sandbox.IsLoaded(a.info.Name) {
		return models.HealthHealthy
	}
	return models.HealthUnhealthy
}

func (a *PluginAdapter) Execute(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	if !a.hasTool(tool) {
		return nil, adapters.NotFound(tool)
	}
	out, err := a.sandbox.Call(ctx, a.info.Name, tool, args)
	if err != nil {
		return nil, toolError(tool, err, a.sandbox.cfg)
	}
	return out, nil
}

func (a *PluginAdapter) hasTool(name string) bool {
	for _, def := range a.info.Tools {
		if def.Name == name {
			return true
		}
	}
	return false
}

// toolError maps sandbox failures onto tool error kinds: time and fuel
// bounds become timeouts, everything else an execution failure.
func toolError(tool string, err error, cfg SandboxConfig) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	se, ok := GetSandboxError(err)
	if !ok {
		return adapters.ExecutionFailed(tool, err)
	}
	switch se.Kind {
	case KindTimeout:
		te := adapters.Timeout(tool, se.Timeout)
		te.Cause = se
		return te
	case KindFuelExhausted:
		te := adapters.Timeout(tool, cfg.Timeout)
		te.Message = fmt.Sprintf("timed out after %s: fuel exhausted after %d units", cfg.Timeout, se.Limit)
		te.Cause = se
		return te
	default:
		return adapters.ExecutionFailed(tool, se)
	}
}

// LoadDir discovers manifests under dirs, loads each module into sandbox
// and returns one adapter per plugin in name order. A plugin that fails to
// load is reported in the joined error and skipped.
func LoadDir(ctx context.Context, sandbox *Sandbox, dirs []string) ([]*PluginAdapter, error) {
	manifests, err := DiscoverManifests(dirs)
	if err != nil {
		return nil, err
	}
	var (
		out  []*PluginAdapter
		errs []error
	)
	for _, name := range SortedNames(manifests) {
		info := manifests[name]
		wasm, err := os.ReadFile(info.Manifest.ModulePath(info.Path))
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: read module: %w", name, err))
			continue
		}
		if err := sandbox.Load(ctx, name, wasm, *info.Manifest); err != nil {
			errs = append(errs, err)
			continue
		}
		adapter, err := NewPluginAdapter(sandbox, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, adapter)
	}
	return out, errors.Join(errs...)
}
