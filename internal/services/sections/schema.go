package sections

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const sectionListSchemaURL = "https://schemas.sectionrepeat.dev/section-list.json"

const sectionListSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://schemas.sectionrepeat.dev/section-list.json",
  "type": "object",
  "required": ["sections", "updatedAt", "v"],
  "properties": {
    "sections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["start"],
        "properties": {
          "start": {"type": "number", "minimum": 0},
          "end": {"type": ["number", "null"], "minimum": 0}
        }
      }
    },
    "updatedAt": {"type": "integer", "minimum": 0},
    "v": {"type": "integer"}
  }
}`

// Validator checks persisted section lists against their JSON schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the section list schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sectionListSchema))
	if err != nil {
		return nil, fmt.Errorf("parse section list schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	if err := c.AddResource(sectionListSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add section list schema: %w", err)
	}
	schema, err := c.Compile(sectionListSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile section list schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate reports why raw is not a well-formed section list.
func (v *Validator) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode section list: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid section list: %w", err)
	}
	return nil
}
