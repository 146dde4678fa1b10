package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openintentos/openintent/pkg/models"
)

// ManifestFilename is the manifest looked up in every plugin directory.
const ManifestFilename = "plugin.json"

// Manifest describes a Wasm plugin and the tools it exposes.
type Manifest struct {
	Name        string                  `json:"name"`
	Version     string                  `json:"version,omitempty"`
	Description string                  `json:"description,omitempty"`
	Module      string                  `json:"module"`
	Tools       []models.ToolDefinition `json:"tools"`
}

func DecodeManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &manifest, nil
}

func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return DecodeManifest(data)
}

// Validate checks required fields, tool name uniqueness and that every
// input_schema compiles.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("manifest name is required")
	}
	if strings.TrimSpace(m.Module) == "" {
		return fmt.Errorf("manifest module is required")
	}
	seen := make(map[string]bool, len(m.Tools))
	for i, tool := range m.Tools {
		if strings.TrimSpace(tool.Name) == "" {
			return fmt.Errorf("tools[%d]: name is required", i)
		}
		if seen[tool.Name] {
			return fmt.Errorf("tools[%d]: duplicate tool %q", i, tool.Name)
		}
		seen[tool.Name] = true
		if len(tool.InputSchema) == 0 {
			continue
		}
		if _, err := jsonschema.CompileString(m.Name+"."+tool.Name+".json", string(tool.InputSchema)); err != nil {
			return fmt.Errorf("tools[%d] %s: invalid input_schema: %w", i, tool.Name, err)
		}
	}
	return nil
}

// Info returns the plugin description shared with adapters.
func (m *Manifest) Info() models.PluginInfo {
	tools := make([]models.ToolDefinition, len(m.Tools))
	copy(tools, m.Tools)
	return models.PluginInfo{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Tools:       tools,
	}
}

// ModulePath resolves the module file relative to the manifest location.
func (m *Manifest) ModulePath(manifestPath string) string {
	if filepath.IsAbs(m.Module) {
		return m.Module
	}
	return filepath.Join(filepath.Dir(manifestPath), m.Module)
}
