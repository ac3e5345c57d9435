package discovery

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pocketomega/codemode-bridge/internal/upstream"
)

// SchemaCache memoizes the TypeScript-like type snippet generated for each
// tool's JSON Schema, keyed by qualified name. The cache is cleared whenever
// the upstream tool set changes (Reload), since a re-added server's schema
// may differ from what was cached before.
type SchemaCache struct {
	source ToolSource

	mu    sync.Mutex
	cache map[string]string
}

// NewSchemaCache builds a SchemaCache over source.
func NewSchemaCache(source ToolSource) *SchemaCache {
	return &SchemaCache{source: source, cache: map[string]string{}}
}

// Clear drops every memoized snippet. Call on every Reload.
func (c *SchemaCache) Clear() {
	c.mu.Lock()
	c.cache = map[string]string{}
	c.mu.Unlock()
}

// GetFunctionSchema returns the generated type snippet for qualifiedName,
// generating and memoizing it on first request.
func (c *SchemaCache) GetFunctionSchema(qualifiedName string) (string, bool) {
	c.mu.Lock()
	if snippet, ok := c.cache[qualifiedName]; ok {
		c.mu.Unlock()
		return snippet, true
	}
	c.mu.Unlock()

	var desc upstream.ToolDescriptor
	found := false
	for _, d := range c.source.GetAllToolDescriptors() {
		if d.QualifiedName == qualifiedName {
			desc, found = d, true
			break
		}
	}
	if !found {
		return "", false
	}

	snippet := generateSnippet(desc)
	c.mu.Lock()
	c.cache[qualifiedName] = snippet
	c.mu.Unlock()
	return snippet, true
}

// generateSnippet renders a tool's JSON Schema as a TypeScript-like
// function signature, matching the shape an LLM caller typically expects
// from "show me this function's signature" (spec §4.G): an input type, an
// output type when the upstream tool declared one, and a JSDoc-style
// comment naming the tool and each documented parameter. Unsupported schema
// shapes degrade to `any` rather than erroring: the snippet is advisory
// documentation, not a compiled type.
func generateSnippet(desc upstream.ToolDescriptor) string {
	var inputSchema map[string]any
	_ = json.Unmarshal(desc.InputSchema, &inputSchema)

	params := "args: any"
	if inputSchema != nil {
		if t, _ := inputSchema["type"].(string); t == "object" {
			params = "args: " + renderObjectType(inputSchema, 0)
		}
	}

	returnType := "any"
	if len(desc.OutputSchema) > 0 {
		var outputSchema map[string]any
		if err := json.Unmarshal(desc.OutputSchema, &outputSchema); err == nil && outputSchema != nil {
			returnType = renderPropertyType(outputSchema, 0)
		}
	}

	var b strings.Builder
	switch doc := buildDocLines(desc.Description, inputSchema); len(doc) {
	case 0:
	case 1:
		b.WriteString("// " + doc[0] + "\n")
	default:
		b.WriteString("/**\n")
		for _, line := range doc {
			fmt.Fprintf(&b, " * %s\n", line)
		}
		b.WriteString(" */\n")
	}
	fmt.Fprintf(&b, "function %s(%s): Promise<%s>;", desc.QualifiedName, params, returnType)
	return b.String()
}

// buildDocLines assembles the tool's doc comment: the tool-level
// description first, then one @param line per input property that declares
// its own "description" in the schema (spec §4.G "a JSDoc-style comment
// describing each parameter").
func buildDocLines(description string, inputSchema map[string]any) []string {
	var lines []string
	if description != "" {
		lines = append(lines, description)
	}
	if inputSchema == nil {
		return lines
	}
	props, _ := inputSchema["properties"].(map[string]any)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		propSchema, _ := props[name].(map[string]any)
		if propSchema == nil {
			continue
		}
		if pd, _ := propSchema["description"].(string); pd != "" {
			lines = append(lines, fmt.Sprintf("@param args.%s %s", name, pd))
		}
	}
	return lines
}

func renderObjectType(schema map[string]any, depth int) string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return "{}"
	}
	required := map[string]bool{}
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	indent := strings.Repeat("  ", depth+1)
	var b strings.Builder
	b.WriteString("{\n")
	for _, name := range names {
		propSchema, _ := props[name].(map[string]any)
		opt := ""
		if !required[name] {
			opt = "?"
		}
		fmt.Fprintf(&b, "%s%s%s: %s;\n", indent, name, opt, renderPropertyType(propSchema, depth+1))
	}
	b.WriteString(strings.Repeat("  ", depth) + "}")
	return b.String()
}

func renderPropertyType(schema map[string]any, depth int) string {
	if schema == nil {
		return "any"
	}
	t, _ := schema["type"].(string)
	switch t {
	case "string":
		if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
			var parts []string
			for _, e := range enum {
				if s, ok := e.(string); ok {
					parts = append(parts, fmt.Sprintf("%q", s))
				}
			}
			return strings.Join(parts, " | ")
		}
		return "string"
	case "number", "integer":
		return "number"
	case "boolean":
		return "boolean"
	case "array":
		items, _ := schema["items"].(map[string]any)
		return renderPropertyType(items, depth) + "[]"
	case "object":
		return renderObjectType(schema, depth)
	default:
		return "any"
	}
}
