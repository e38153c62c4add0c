// Package tool contains the tool descriptor types and input schema
// validation used by the registry.
package tool

import (
	"context"
	"fmt"

	"github.com/query-gate/querygate/internal/domain/capability"
	"github.com/query-gate/querygate/internal/domain/session"
)

// Invocation carries the validated inputs of a tool call into its handler.
// By the time a handler sees an Invocation, the enforcement pipeline has
// verified the session, the capability, the quota, the input schema, and any
// SQL payload.
type Invocation struct {
	// Args are the schema-validated call arguments.
	Args map[string]interface{}
	// Session is the verified session context. Handlers pass it through to
	// adapters, which re-verify it.
	Session *session.Context
	// MaxResultBytes is the result size cap from the quota policy.
	MaxResultBytes int64
}

// Handler executes a tool call. The context carries the per-request deadline.
type Handler func(ctx context.Context, inv Invocation) (interface{}, error)

// Descriptor describes a registered tool. Immutable after registration.
type Descriptor struct {
	// Name is the tool name clients address.
	Name string
	// Description is the human-readable summary returned by tools/list.
	Description string
	// RequiredAction is the capability action a caller must hold for this
	// tool.
	RequiredAction capability.Action
	// InputSchema validates call arguments before the handler runs.
	InputSchema Schema
	// ProducesSQL marks tools whose SQLArg argument carries a SQL statement
	// that must pass the static validator.
	ProducesSQL bool
	// SQLArg names the argument holding the SQL statement.
	SQLArg string
	// AllowedOrderByColumns is the tool-declared set of fully qualified
	// columns that may appear in ORDER BY.
	AllowedOrderByColumns []string
	// Handler executes the call after all gates pass.
	Handler Handler
}

// PropertyType is the closed set of supported schema property types.
type PropertyType string

const (
	TypeString  PropertyType = "string"
	TypeInteger PropertyType = "integer"
	TypeNumber  PropertyType = "number"
	TypeBoolean PropertyType = "boolean"
)

// Property describes one schema property.
type Property struct {
	Type        PropertyType `json:"type"`
	Description string       `json:"description,omitempty"`
	Required    bool         `json:"-"`
	// MaxLength caps string values; 0 means no cap.
	MaxLength int `json:"-"`
}

// Schema is a flat object schema for tool arguments. Unknown arguments are
// rejected: the gate validates exactly what the tool declared, nothing else.
type Schema struct {
	Properties map[string]Property
}

// Validate checks args against the schema. The returned error messages name
// only argument names and expected types, never argument values.
func (s Schema) Validate(args map[string]interface{}) error {
	for name, prop := range s.Properties {
		val, present := args[name]
		if !present {
			if prop.Required {
				return fmt.Errorf("missing required argument %q", name)
			}
			continue
		}
		if err := checkType(name, prop, val); err != nil {
			return err
		}
	}
	for name := range args {
		if _, known := s.Properties[name]; !known {
			return fmt.Errorf("unknown argument %q", name)
		}
	}
	return nil
}

// checkType validates a single argument value against its property.
func checkType(name string, prop Property, val interface{}) error {
	switch prop.Type {
	case TypeString:
		str, ok := val.(string)
		if !ok {
			return fmt.Errorf("argument %q must be a string", name)
		}
		if prop.MaxLength > 0 && len(str) > prop.MaxLength {
			return fmt.Errorf("argument %q exceeds maximum length", name)
		}
	case TypeInteger:
		// JSON numbers decode as float64; accept only integral values.
		f, ok := val.(float64)
		if !ok || f != float64(int64(f)) {
			return fmt.Errorf("argument %q must be an integer", name)
		}
	case TypeNumber:
		if _, ok := val.(float64); !ok {
			return fmt.Errorf("argument %q must be a number", name)
		}
	case TypeBoolean:
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("argument %q must be a boolean", name)
		}
	default:
		return fmt.Errorf("argument %q has unsupported schema type", name)
	}
	return nil
}

// SchemaJSON renders the schema in the JSON Schema subset clients expect
// from tools/list.
func (s Schema) SchemaJSON() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Properties))
	required := make([]string, 0)
	for name, prop := range s.Properties {
		entry := map[string]interface{}{"type": string(prop.Type)}
		if prop.Description != "" {
			entry["description"] = prop.Description
		}
		props[name] = entry
		if prop.Required {
			required = append(required, name)
		}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
