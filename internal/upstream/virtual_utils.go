package upstream

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// UtilsServer is a small in-process VirtualServer exposing YAML conversion
// to sandboxed code as codemode.utils__yaml_parse / utils__yaml_stringify,
// without requiring a round-trip to an external process (spec's
// supplemented "virtual utils server" feature; decided sandbox-only, not a
// top-level MCP tool, since these are convenience helpers for scripts, not
// standalone agent-facing operations — see DESIGN.md).
//
// Grounded on the teacher's use of gopkg.in/yaml.v3 for structured config
// parsing (internal/skill/loader.go), here repurposed as a tool the
// sandboxed code itself can call.
type UtilsServer struct{}

func NewUtilsServer() *UtilsServer { return &UtilsServer{} }

func (s *UtilsServer) Name() string { return "utils" }

func (s *UtilsServer) ListTools() []ToolInfo {
	return []ToolInfo{
		{
			Name:        "yaml_parse",
			Description: "Parses a YAML document string into a JSON-compatible value.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		},
		{
			Name:        "yaml_stringify",
			Description: "Serializes a JSON-compatible value into a YAML document string.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"value":{}},"required":["value"]}`),
		},
	}
}

func (s *UtilsServer) CallTool(ctx context.Context, toolName string, args map[string]any) (any, error) {
	switch toolName {
	case "yaml_parse":
		text, _ := args["text"].(string)
		var value any
		if err := yaml.Unmarshal([]byte(text), &value); err != nil {
			return nil, fmt.Errorf("yaml_parse: %w", err)
		}
		return normalizeYAML(value), nil

	case "yaml_stringify":
		out, err := yaml.Marshal(args["value"])
		if err != nil {
			return nil, fmt.Errorf("yaml_stringify: %w", err)
		}
		return string(out), nil

	default:
		return nil, fmt.Errorf("utils: unknown tool %q", toolName)
	}
}

// normalizeYAML converts map[string]interface{} keys that yaml.v3 may
// produce as map[interface{}]interface{} (on older-style documents) into
// JSON-marshalable map[string]any, recursively.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return t
	}
}
