package models

import "time"

// AdapterStatus is the lifecycle state of a registered adapter.
type AdapterStatus string

const (
	AdapterRegistered   AdapterStatus = "registered"
	AdapterConnected    AdapterStatus = "connected"
	AdapterDisconnected AdapterStatus = "disconnected"
	AdapterError        AdapterStatus = "error"
)

// HealthStatus is the outcome of an adapter health probe.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// AuthRequirement describes credentials an adapter needs before it can run.
type AuthRequirement struct {
	Provider string   `json:"provider"`
	Scopes   []string `json:"scopes,omitempty"`
	EnvVar   string   `json:"env_var,omitempty"`
}

// AdapterInfo is a point-in-time snapshot of an adapter registration.
// LastError is non-empty only while Status is AdapterError.
type AdapterInfo struct {
	ID              string        `json:"id"`
	Description     string        `json:"description"`
	Status          AdapterStatus `json:"status"`
	Health          HealthStatus  `json:"health,omitempty"`
	RegisteredAt    time.Time     `json:"registered_at"`
	LastHealthCheck time.Time     `json:"last_health_check,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
}

// PluginInfo describes a loaded sandboxed plugin.
type PluginInfo struct {
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Description string           `json:"description"`
	Tools       []ToolDefinition `json:"tools"`
}
