package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestSchema_JSONRoundTrip(t *testing.T) {
	raw := `{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "search terms"},
			"limit": {"type": "integer"}
		},
		"required": ["query"]
	}`

	var s Schema
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if s.Type != "object" {
		t.Errorf("type = %q, want object", s.Type)
	}
	if s.Properties["query"].Description != "search terms" {
		t.Errorf("query description = %q", s.Properties["query"].Description)
	}
	if !s.IsRequired("query") {
		t.Error("query should be required")
	}
	if s.IsRequired("limit") {
		t.Error("limit should not be required")
	}
}

func TestSchema_Validate(t *testing.T) {
	s := ObjectSchema(map[string]*Schema{
		"text":  StringSchema("the text"),
		"count": {Type: "integer"},
	}, "text")

	if err := s.Validate("echo", map[string]any{"text": "hi", "count": 3}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}

	err := s.Validate("echo", map[string]any{"count": "three"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Validate = %v, want ValidationError", err)
	}
	if ve.Tool != "echo" {
		t.Errorf("tool = %q, want echo", ve.Tool)
	}
}

func TestSchema_ValidateNilAcceptsAnything(t *testing.T) {
	var s *Schema
	if err := s.Validate("anything", map[string]any{"whatever": 1}); err != nil {
		t.Errorf("nil schema rejected args: %v", err)
	}
}

func TestSchema_Summary(t *testing.T) {
	s := ObjectSchema(map[string]*Schema{
		"query": StringSchema("search terms"),
		"limit": {Type: "integer"},
	}, "query")

	got := s.Summary()
	want := "limit: integer, query: string (required)"
	if got != want {
		t.Errorf("Summary = %q, want %q", got, want)
	}

	if (&Schema{Type: "object"}).Summary() != "no arguments" {
		t.Error("empty object schema should summarize as no arguments")
	}
}
