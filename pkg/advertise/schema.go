package advertise

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/genesis-runtime/genesis/pkg/models"
)

// Payload meta-schemas, one per advertisement kind. Validation refuses
// malformed payloads at the boundary; they never reach the wire.
const (
	functionPayloadSchema = `{
		"type": "object",
		"properties": {
			"parameter_schema": {"type": "object"},
			"capabilities": {"type": "array", "items": {"type": "string"}},
			"classification_tags": {"type": "array", "items": {"type": "string"}},
			"service_name": {"type": "string"}
		}
	}`
	agentPayloadSchema = `{
		"type": "object",
		"properties": {
			"specializations": {"type": "array", "items": {"type": "string"}},
			"capabilities": {"type": "array", "items": {"type": "string"}},
			"classification_tags": {"type": "array", "items": {"type": "string"}},
			"model_info": {"type": "string"},
			"default_capable": {"type": "boolean"}
		}
	}`
	servicePayloadSchema = `{
		"type": "object",
		"properties": {
			"functions": {"type": "array", "items": {"type": "string"}},
			"capabilities": {"type": "array", "items": {"type": "string"}}
		}
	}`
)

var schemaCache sync.Map

func compileSchema(schema string) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(schema); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("payload.schema.json", schema)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(schema, compiled)
	return compiled, nil
}

// ValidatePayload checks an advertisement payload against the meta-schema
// for its kind. An empty payload is treated as "{}".
func ValidatePayload(kind models.AdvertisementKind, payload string) error {
	var metaSchema string
	switch kind {
	case models.KindFunction:
		metaSchema = functionPayloadSchema
	case models.KindAgent:
		metaSchema = agentPayloadSchema
	case models.KindRegistration:
		metaSchema = servicePayloadSchema
	default:
		return fmt.Errorf("unknown advertisement kind %d", kind)
	}

	if payload == "" {
		payload = "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}

	schema, err := compileSchema(metaSchema)
	if err != nil {
		return fmt.Errorf("compile payload schema: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%s payload invalid: %w", kind, err)
	}
	return nil
}

// ValidateArguments checks RPC arguments against a function's declared
// parameter schema. A nil schema accepts any JSON object.
func ValidateArguments(parameterSchema json.RawMessage, arguments string) error {
	if arguments == "" {
		arguments = "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(arguments), &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if len(parameterSchema) == 0 {
		return nil
	}
	schema, err := compileSchema(string(parameterSchema))
	if err != nil {
		return fmt.Errorf("compile parameter schema: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments invalid: %w", err)
	}
	return nil
}
