package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openintentos/openintent/internal/adapters"
	"github.com/openintentos/openintent/pkg/models"
)

// StateAdapterID is the id the state adapter registers under.
const StateAdapterID = "state"

// ErrStateNotFound is returned by a StateStore for a missing key.
var ErrStateNotFound = errors.New("state key not found")

// StateStore is the key/value persistence the state adapter runs over.
// sessions.BotState satisfies it.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
	DeleteState(ctx context.Context, key string) error
}

type stateKeyArgs struct {
	Key string `json:"key" jsonschema:"description=State key,minLength=1"`
}

type stateSetArgs struct {
	Key   string `json:"key" jsonschema:"description=State key,minLength=1"`
	Value string `json:"value" jsonschema:"description=Value to store"`
}

// StateAdapter exposes state_get, state_set and state_delete.
type StateAdapter struct {
	store StateStore
	tools []models.ToolDefinition
}

// NewStateAdapter creates a state adapter over store.
func NewStateAdapter(store StateStore) *StateAdapter {
	return &StateAdapter{
		store: store,
		tools: []models.ToolDefinition{
			{Name: "state_get", Description: "Read a value previously stored with state_set.", InputSchema: schemaFor(&stateKeyArgs{})},
			{Name: "state_set", Description: "Store a string value under a key. Overwrites any existing value.", InputSchema: schemaFor(&stateSetArgs{})},
			{Name: "state_delete", Description: "Remove a stored key.", InputSchema: schemaFor(&stateKeyArgs{})},
		},
	}
}

func (a *StateAdapter) ID() string                               { return StateAdapterID }
func (a *StateAdapter) Description() string                      { return "Persistent key/value state" }
func (a *StateAdapter) ToolDefinitions() []models.ToolDefinition { return a.tools }
func (a *StateAdapter) Connect(context.Context) error            { return nil }
func (a *StateAdapter) Disconnect(context.Context) error         { return nil }
func (a *StateAdapter) RequiredAuth() *models.AuthRequirement    { return nil }

func (a *StateAdapter) HealthCheck(context.Context) models.HealthStatus {
	if a.store == nil {
		return models.HealthUnhealthy
	}
	return models.HealthHealthy
}

func (a *StateAdapter) Execute(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	if a.store == nil {
		return nil, adapters.ExecutionFailed(tool, errors.New("state store unavailable"))
	}
	switch tool {
	case "state_get":
		var in stateKeyArgs
		if err := decodeKey(tool, args, &in); err != nil {
			return nil, err
		}
		value, ok, err := a.store.GetState(ctx, in.Key)
		if err != nil {
			return nil, adapters.ExecutionFailed(tool, err)
		}
		if !ok {
			return nil, adapters.ExecutionFailed(tool, fmt.Errorf("%w: %s", ErrStateNotFound, in.Key))
		}
		return adapters.TextResult(value), nil
	case "state_set":
		var in stateSetArgs
		if err := decodeArgs(tool, args, &in); err != nil {
			return nil, err
		}
		if in.Key == "" {
			return nil, adapters.InvalidParameters(tool, "key is required")
		}
		if err := a.store.SetState(ctx, in.Key, in.Value); err != nil {
			return nil, adapters.ExecutionFailed(tool, err)
		}
		return adapters.TextResult("ok"), nil
	case "state_delete":
		var in stateKeyArgs
		if err := decodeKey(tool, args, &in); err != nil {
			return nil, err
		}
		if err := a.store.DeleteState(ctx, in.Key); err != nil {
			return nil, adapters.ExecutionFailed(tool, err)
		}
		return adapters.TextResult("ok"), nil
	default:
		return nil, adapters.NotFound(tool)
	}
}

func decodeKey(tool string, args json.RawMessage, in *stateKeyArgs) error {
	if err := decodeArgs(tool, args, in); err != nil {
		return err
	}
	if in.Key == "" {
		return adapters.InvalidParameters(tool, "key is required")
	}
	return nil
}
