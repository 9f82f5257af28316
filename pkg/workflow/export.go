package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

const schemaID = "https://github.com/ormasoftchile/apiline/schemas/workflow-v0.json"

// GenerateJSONSchema produces a JSON Schema Draft 2020-12 document from the
// Go File struct using invopop/jsonschema. Unknown request fields are
// allowed; they are carried through write-back untouched.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = false
	r.AllowAdditionalProperties = true

	s := r.Reflect(&File{})
	s.ID = schemaID
	s.Title = "apiline workflow v0"
	s.Description = "Schema for apiline workflow YAML documents (Draft 2020-12)"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}
