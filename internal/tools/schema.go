package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/toolgate/backend/internal/protocol"
)

// compileSchema compiles a tool's input schema at registration time so
// per-request validation is just a tree walk.
func compileSchema(toolName string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema for %s: %w", toolName, err)
	}

	compiler := jsonschema.NewCompiler()
	resource := toolName + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", toolName, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", toolName, err)
	}
	return schema, nil
}

// validateArgs checks raw arguments against a compiled schema and maps
// violations to InvalidInput.
func validateArgs(schema *jsonschema.Schema, toolName string, raw json.RawMessage) error {
	if schema == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return protocol.Wrap(protocol.KindInvalidInput, err, "arguments for %s are not valid JSON", toolName)
	}
	if err := schema.Validate(instance); err != nil {
		return protocol.Wrap(protocol.KindInvalidInput, err, "arguments for %s failed schema validation: %v", toolName, err)
	}
	return nil
}
