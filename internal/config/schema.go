package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// SchemaID identifies the configuration schema in editor integrations.
const SchemaID = "https://openintent.dev/schema/config.json"

// JSONSchema describes the configuration file for editors and linters. It
// is reflected from Config once, using the yaml field names.
var JSONSchema = sync.OnceValues(func() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		DoNotReference:             true,
		AllowAdditionalProperties:  false,
		RequiredFromJSONSchemaTags: true,
	}
	schema := r.Reflect(&Config{})
	schema.ID = SchemaID
	schema.Title = "OpenIntent configuration"
	return json.MarshalIndent(schema, "", "  ")
})
