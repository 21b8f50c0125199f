package evidence

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchemaText is the load-time contract for declared manifests.
// Ambiguous or missing keys are rejected here instead of becoming silent
// zero-value substitutions.
const manifestSchemaText = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["schema", "files"],
  "properties": {
    "schema": {"const": "runproof.manifest.v1"},
    "manifest_sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "files": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["path", "sha256"],
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
          "size_bytes": {"type": "integer", "minimum": 0},
          "kind": {"enum": ["data", "plot", "log", "bundle"]},
          "role": {"type": "string"}
        }
      }
    }
  }
}`

// ValidateDocument checks raw JSON against an embedded schema before any
// struct decoding happens.
func ValidateDocument(name, schemaText string, doc []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schemaText)); err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}

	var value any
	if err := json.Unmarshal(doc, &value); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("validate %s: %w", name, err)
	}
	return nil
}

func validateManifestDocument(doc []byte) error {
	return ValidateDocument("manifest.schema.json", manifestSchemaText, doc)
}
