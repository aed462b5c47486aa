// Package manifest validates incoming artifact manifests at the
// ingestion boundary. Structural validation happens here, before any
// admission logic runs; the admission engine assumes a well-formed
// manifest and enforces the semantic rules.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/castellan-io/castellan/pkg/contracts"
)

const schemaURL = "https://castellan.schemas.local/manifest.schema.json"

// manifestSchema is the JSON Schema every submitted manifest must
// satisfy. Unknown top-level fields are rejected so a submitter cannot
// smuggle undeclared data past the signature.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["artifact_id", "root", "entries", "signature"],
  "properties": {
    "artifact_id": {"type": "string", "minLength": 1, "maxLength": 256},
    "root": {"type": "string", "minLength": 1, "maxLength": 1024},
    "min_engine_version": {"type": "string", "maxLength": 128},
    "entries": {
      "type": "array",
      "minItems": 1,
      "maxItems": 65536,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["path", "offset", "size"],
        "properties": {
          "path": {"type": "string", "minLength": 1, "maxLength": 4096},
          "offset": {"type": "integer", "minimum": 0},
          "size": {"type": "integer", "minimum": 0},
          "link_target": {"type": "string", "maxLength": 4096},
          "fingerprint": {"type": "string", "pattern": "^sha256:[0-9a-f]{64}$"},
          "requires": {
            "type": "array",
            "maxItems": 256,
            "items": {"type": "string", "minLength": 1, "maxLength": 4096}
          }
        }
      }
    },
    "signature": {
      "type": "object",
      "additionalProperties": false,
      "required": ["signer_id", "signature"],
      "properties": {
        "signer_id": {"type": "string", "minLength": 1, "maxLength": 256},
        "signature": {"type": "string", "pattern": "^[0-9a-f]{128}$"}
      }
    }
  }
}`

// Validator checks submitted manifest JSON against the manifest schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the manifest schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(manifestSchema)); err != nil {
		return nil, fmt.Errorf("manifest: schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("manifest: schema compile failed: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// Decode validates raw manifest JSON and decodes it. Validation is
// fail-closed: anything the schema does not explicitly allow is a
// corrupt artifact.
func (v *Validator) Decode(raw []byte) (*contracts.Manifest, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: malformed manifest JSON: %v", contracts.ErrCorruptArtifact, err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrCorruptArtifact, err)
	}

	var m contracts.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", contracts.ErrCorruptArtifact, err)
	}
	return &m, nil
}
