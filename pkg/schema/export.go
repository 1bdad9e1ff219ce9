package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateJSONSchema produces a JSON Schema Draft 2020-12 document from
// the TestCase Go types, for editor integration and semantic validation.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.AllowAdditionalProperties = true
	s := r.Reflect(&TestCase{})
	s.ID = "https://github.com/loomtest/loom/schemas/testcase.json"
	s.Title = "Loom Test Case"
	s.Description = "Schema for loom test case YAML documents (Draft 2020-12)"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal test case schema: %w", err)
	}
	return data, nil
}

// GenerateModuleJSONSchema produces the schema for module definition
// documents.
func GenerateModuleJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.AllowAdditionalProperties = true
	s := r.Reflect(&ModuleDef{})
	s.ID = "https://github.com/loomtest/loom/schemas/module.json"
	s.Title = "Loom Step Module"
	s.Description = "Schema for loom reusable module YAML documents (Draft 2020-12)"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal module schema: %w", err)
	}
	return data, nil
}
