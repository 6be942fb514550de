package lifecycle

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema describes a well-formed ingestion payload. Validation is
// advisory only: a payload that fails it is still normalized and stored.
const envelopeSchema = `{
	"type": "object",
	"required": ["agent_id", "hook_event", "timestamp"],
	"properties": {
		"agent_id":   {"type": "string", "minLength": 1},
		"hook_event": {"type": "string", "minLength": 1},
		"timestamp":  {"type": "string"},
		"data":       {"type": "object"}
	}
}`

// Validator checks ingestion payloads against the envelope schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the envelope schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate returns nil for a well-formed payload, or the validation error
// for a malformed one. Callers log and count the error; they do not reject
// the payload.
func (v *Validator) Validate(body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("payload fails envelope schema: %w", err)
	}
	return nil
}
