package upstream

import (
	"context"
	"testing"
)

func TestUtilsServer_YAMLRoundTrip(t *testing.T) {
	s := NewUtilsServer()
	out, err := s.CallTool(context.Background(), "yaml_stringify", map[string]any{"value": map[string]any{"a": 1, "b": "two"}})
	if err != nil {
		t.Fatalf("yaml_stringify: %v", err)
	}
	text, ok := out.(string)
	if !ok {
		t.Fatalf("expected string output, got %T", out)
	}

	parsed, err := s.CallTool(context.Background(), "yaml_parse", map[string]any{"text": text})
	if err != nil {
		t.Fatalf("yaml_parse: %v", err)
	}
	m, ok := parsed.(map[string]any)
	if !ok {
		t.Fatalf("expected map output, got %T", parsed)
	}
	if m["b"] != "two" {
		t.Errorf("m[b] = %v, want two", m["b"])
	}
}

func TestUtilsServer_UnknownTool(t *testing.T) {
	s := NewUtilsServer()
	if _, err := s.CallTool(context.Background(), "nope", nil); err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestUtilsServer_ListTools(t *testing.T) {
	s := NewUtilsServer()
	tools := s.ListTools()
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
}
