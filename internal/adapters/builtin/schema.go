// Package builtin provides adapters that need no external service: a system
// adapter with clock and echo tools, and a key/value state adapter.
package builtin

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/openintentos/openintent/internal/adapters"
)

var reflector = &jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// schemaFor reflects the argument struct v into an inline input_schema.
func schemaFor(v any) json.RawMessage {
	schema := reflector.Reflect(v)
	schema.Version = ""
	schema.ID = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// decodeArgs unmarshals tool arguments into dst, reporting failures as
// InvalidParameters.
func decodeArgs(tool string, args json.RawMessage, dst any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return adapters.InvalidParameters(tool, "%v", err)
	}
	return nil
}
