package builtin

import (
	"context"
	"encoding/json"
	"time"
	_ "time/tzdata"

	"github.com/openintentos/openintent/internal/adapters"
	"github.com/openintentos/openintent/pkg/models"
)

// SystemAdapterID is the id the system adapter registers under.
const SystemAdapterID = "system"

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone name such as Europe/Berlin. Defaults to local time."`
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to return unchanged"`
}

// SystemAdapter exposes current_time and echo.
type SystemAdapter struct {
	now   func() time.Time
	tools []models.ToolDefinition
}

// NewSystemAdapter creates the system adapter.
func NewSystemAdapter() *SystemAdapter {
	return &SystemAdapter{
		now: time.Now,
		tools: []models.ToolDefinition{
			{
				Name:        "current_time",
				Description: "Get the current date and time in RFC 3339 format, optionally in a given time zone.",
				InputSchema: schemaFor(&currentTimeArgs{}),
			},
			{
				Name:        "echo",
				Description: "Return the given text unchanged.",
				InputSchema: schemaFor(&echoArgs{}),
			},
		},
	}
}

func (a *SystemAdapter) ID() string                               { return SystemAdapterID }
func (a *SystemAdapter) Description() string                      { return "Clock and echo tools" }
func (a *SystemAdapter) ToolDefinitions() []models.ToolDefinition { return a.tools }
func (a *SystemAdapter) Connect(context.Context) error            { return nil }
func (a *SystemAdapter) Disconnect(context.Context) error         { return nil }
func (a *SystemAdapter) RequiredAuth() *models.AuthRequirement    { return nil }

func (a *SystemAdapter) HealthCheck(context.Context) models.HealthStatus {
	return models.HealthHealthy
}

// Execute runs one of the system tools.
func (a *SystemAdapter) Execute(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	switch tool {
	case "current_time":
		var in currentTimeArgs
		if err := decodeArgs(tool, args, &in); err != nil {
			return nil, err
		}
		now := a.now()
		if in.Timezone != "" {
			loc, err := time.LoadLocation(in.Timezone)
			if err != nil {
				return nil, adapters.InvalidParameters(tool, "unknown time zone %q", in.Timezone)
			}
			now = now.In(loc)
		}
		return adapters.TextResult(now.Format(time.RFC3339)), nil
	case "echo":
		var in echoArgs
		if err := decodeArgs(tool, args, &in); err != nil {
			return nil, err
		}
		return adapters.TextResult(in.Text), nil
	default:
		return nil, adapters.NotFound(tool)
	}
}
