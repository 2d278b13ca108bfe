// internal/schema/validator.go
// Package schema provides JSON schema validation for remote Patch API payloads.
// It ensures that every list envelope has the shape the view state relies on
// before any row reaches a view.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	errordefs "github.com/RegistryAccord/patchview-go/internal/errors"
)

// SchemaVersions maps collection names to the envelope schema version they are validated against.
var SchemaVersions = map[string]string{
	"advisories":      "1.0.0", // Advisory list
	"systems":         "1.0.0", // System list
	"package-systems": "1.0.0", // Systems with one package installed
}

// envelopeTemplate is the list envelope; %s is the schema of one row's attributes.
const envelopeTemplate = `{
  "type": "object",
  "required": ["data", "meta"],
  "properties": {
    "data": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string"},
          "attributes": %s
        }
      }
    },
    "meta": {
      "type": "object",
      "required": ["total_items"],
      "properties": {
        "total_items": {"type": "integer", "minimum": 0},
        "limit": {"type": "integer", "minimum": 0},
        "offset": {"type": "integer", "minimum": 0},
        "sort": {"type": "string"}
      }
    }
  }
}`

// attributeSchemas holds the row attributes a collection's columns and selection depend on.
var attributeSchemas = map[string]string{
	"advisories":      `{"type":"object","properties":{"public_date":{"type":"string"},"advisory_type":{"type":["integer","string"]},"applicable_systems":{"type":"integer"},"synopsis":{"type":"string"}}}`,
	"systems":         `{"type":"object","properties":{"rhea_count":{"type":"integer"},"rhba_count":{"type":"integer"},"rhsa_count":{"type":"integer"}}}`,
	"package-systems": `{"type":"object","required":["available_evra"],"properties":{"installed_evra":{"type":"string"},"available_evra":{"type":"string"}}}`,
}

// Validator validates list envelopes against JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of collection names to compiled envelope schemas
}

// NewValidator creates a new schema validator with every collection's schema compiled.
// Returns:
//   - *Validator: Initialized validator instance
//   - error: Any error that occurred during initialization
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	for collection, attrs := range attributeSchemas {
		if err := v.loadSchema(collection, fmt.Sprintf(envelopeTemplate, attrs)); err != nil {
			return nil, fmt.Errorf("failed to load schemas: %w", err)
		}
	}
	return v, nil
}

// loadSchema parses and compiles the envelope schema of one collection.
func (v *Validator) loadSchema(collection, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", collection, err)
	}
	v.schemas[collection] = schema
	return nil
}

// Validate validates a raw list envelope.
// Parameters:
//   - collection: The collection name (e.g., "package-systems")
//   - body: The response body as received
//
// Returns:
//   - string: The schema version used for validation
//   - error: PV_UPSTREAM with the violations if the envelope is invalid
func (v *Validator) Validate(collection string, body []byte) (string, error) {
	schema, exists := v.schemas[collection]
	if !exists {
		return "", errordefs.New(errordefs.PV_NOT_FOUND, fmt.Sprintf("no schema for collection %s", collection), "")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return "", errordefs.Wrap(errordefs.PV_UPSTREAM, "remote response is not JSON", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return "", errordefs.NewWithDetails(errordefs.PV_UPSTREAM, "remote response does not match the list schema", "", strings.Join(errs, "; "))
	}

	return SchemaVersions[collection], nil
}
