// Package adapters defines the tool adapter contract and the registry that
// owns adapters at runtime.
package adapters

import (
	"context"
	"encoding/json"

	"github.com/openintentos/openintent/pkg/models"
)

// Adapter exposes one service as a set of tools.
//
// ToolDefinitions is called often and must be cheap. Connect and Disconnect
// are idempotent: connecting an already connected adapter is a no-op.
type Adapter interface {
	ID() string
	ToolDefinitions() []models.ToolDefinition
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) models.HealthStatus
	// Execute runs tool with JSON object arguments. Failures are *ToolError.
	Execute(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
	RequiredAuth() *models.AuthRequirement
}

// Describer is implemented by adapters that carry a human-readable summary.
type Describer interface {
	Description() string
}

// TextResult encodes plain text as a tool result.
func TextResult(text string) json.RawMessage {
	data, _ := json.Marshal(text)
	return data
}

// ResultText renders a tool result as message content: JSON strings are
// unquoted, null and empty results become "", anything else is kept as JSON.
func ResultText(result json.RawMessage) string {
	if len(result) == 0 || string(result) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		return s
	}
	return string(result)
}

// HasTool reports whether a defines a tool with the given name.
func HasTool(a Adapter, name string) bool {
	for _, def := range a.ToolDefinitions() {
		if def.Name == name {
			return true
		}
	}
	return false
}
