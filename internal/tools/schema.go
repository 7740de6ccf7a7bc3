package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// reflectSchema builds the JSON Schema for a tool's parameter struct
// from its json and jsonschema struct tags. Required fields come from
// explicit jsonschema:"required" tags. Additional properties are
// tolerated so a model that invents an extra key fails soft instead of
// failing validation.
func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
		AllowAdditionalProperties:  true,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	out, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return out
}
