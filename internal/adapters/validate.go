package adapters

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openintentos/openintent/pkg/models"
)

// SchemaValidator checks tool arguments against the tool's input_schema
// before the adapter runs. Compiled schemas are cached by their source.
type SchemaValidator struct {
	cache sync.Map // schema source -> *jsonschema.Schema
}

// NewSchemaValidator creates an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{}
}

// Validate returns an InvalidParameters *ToolError when args do not satisfy
// def.InputSchema. A missing schema accepts any JSON object.
func (v *SchemaValidator) Validate(def models.ToolDefinition, args json.RawMessage) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return InvalidParameters(def.Name, "arguments are not valid JSON: %v", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		return InvalidParameters(def.Name, "arguments must be a JSON object")
	}
	if len(bytes.TrimSpace(def.InputSchema)) == 0 {
		return nil
	}

	schema, err := v.compile(def)
	if err != nil {
		// A broken schema is the adapter's fault, not the caller's.
		return ExecutionFailed(def.Name, fmt.Errorf("compile input schema: %w", err))
	}
	if err := schema.Validate(decoded); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return InvalidParameters(def.Name, "%s", leafMessage(verr))
		}
		return InvalidParameters(def.Name, "%v", err)
	}
	return nil
}

func (v *SchemaValidator) compile(def models.ToolDefinition) (*jsonschema.Schema, error) {
	key := string(def.InputSchema)
	if cached, ok := v.cache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString(def.Name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	v.cache.Store(key, compiled)
	return compiled, nil
}

// leafMessage returns the most specific failure, e.g.
// "/path: expected string, but got number".
func leafMessage(verr *jsonschema.ValidationError) string {
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := leaf.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + leaf.Message
}
