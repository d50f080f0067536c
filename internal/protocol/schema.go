package protocol

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is a typed view of a JSON-schema-like input description. It
// covers the subset providers actually declare for tool inputs:
// object/string/number/integer/boolean/array, required-field lists, and
// per-field descriptions. Anything richer round-trips through the
// untyped map form unharmed only to the extent these fields capture it.
type Schema struct {
	Type        string             `json:"type,omitempty" yaml:"type,omitempty"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string           `json:"required,omitempty" yaml:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty" yaml:"items,omitempty"`
	Enum        []any              `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// ObjectSchema builds an object schema from property schemas and a
// required-field list. Convenience for static tool declarations and tests.
func ObjectSchema(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: props, Required: required}
}

// StringSchema builds a string property schema with a description.
func StringSchema(description string) *Schema {
	return &Schema{Type: "string", Description: description}
}

// ToMap converts the schema to its untyped JSON-object form, as needed
// by schema validators and LLM tool declarations.
func (s *Schema) ToMap() map[string]any {
	if s == nil {
		return nil
	}
	m := map[string]any{}
	if s.Type != "" {
		m["type"] = s.Type
	}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if len(s.Properties) > 0 {
		props := map[string]any{}
		for name, p := range s.Properties {
			props[name] = p.ToMap()
		}
		m["properties"] = props
	}
	if len(s.Required) > 0 {
		req := make([]any, len(s.Required))
		for i, r := range s.Required {
			req[i] = r
		}
		m["required"] = req
	}
	if s.Items != nil {
		m["items"] = s.Items.ToMap()
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}
	return m
}

// PropertyNames returns the schema's property names in stable order.
func (s *Schema) PropertyNames() []string {
	if s == nil || len(s.Properties) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRequired reports whether the named property appears in the
// schema's required list.
func (s *Schema) IsRequired(name string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// Validate checks an argument bag against the schema. A nil or
// non-object schema accepts anything. Failures are reported as a
// ValidationError listing every violated constraint.
func (s *Schema) Validate(toolName string, args map[string]any) error {
	if s == nil || s.Type != "object" {
		return nil
	}

	loader := gojsonschema.NewGoLoader(s.ToMap())
	docLoader := gojsonschema.NewGoLoader(args)

	result, err := gojsonschema.Validate(loader, docLoader)
	if err != nil {
		// A broken schema is the provider's bug, not the caller's;
		// treat it as accept-all rather than blocking the call.
		return nil
	}
	if result.Valid() {
		return nil
	}

	var details []string
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return &ValidationError{Tool: toolName, Detail: strings.Join(details, "; ")}
}

// Summary renders a short human-readable signature for the schema's
// properties, used in capability menus: "query: string (search terms), ...".
func (s *Schema) Summary() string {
	if s == nil || len(s.Properties) == 0 {
		return "no arguments"
	}
	var parts []string
	for _, name := range s.PropertyNames() {
		p := s.Properties[name]
		part := fmt.Sprintf("%s: %s", name, p.Type)
		if s.IsRequired(name) {
			part += " (required)"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}
