package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// platformEventSchema is the intake contract for upstream platform
// events. Payload contents are event-type specific and stay a free-form
// object here; per-type interpretation happens in the processor.
const platformEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["envelopeId", "tenantId", "eventType", "deliveryId"],
  "properties": {
    "envelopeId": {"type": "string", "minLength": 1},
    "tenantId": {"type": "string", "minLength": 1},
    "eventType": {"type": "string", "minLength": 1},
    "deliveryId": {"type": "string", "minLength": 1},
    "priority": {"type": "string", "enum": ["high", "normal", "low"]},
    "receivedAt": {"type": "string"},
    "payload": {"type": "object"},
    "correlationId": {"type": "string"}
  },
  "additionalProperties": false
}`

type eventValidator struct {
	schema *jsonschema.Schema
}

func newEventValidator() (*eventValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(platformEventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse platform event schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("platform-event.json", doc); err != nil {
		return nil, fmt.Errorf("register platform event schema: %w", err)
	}
	schema, err := compiler.Compile("platform-event.json")
	if err != nil {
		return nil, fmt.Errorf("compile platform event schema: %w", err)
	}
	return &eventValidator{schema: schema}, nil
}

// validate checks the raw request body against the intake schema before
// any field is trusted.
func (v *eventValidator) validate(body []byte) error {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := v.schema.Validate(value); err != nil {
		return err
	}
	return nil
}
