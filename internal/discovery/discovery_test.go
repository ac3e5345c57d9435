package discovery

import (
	"encoding/json"
	"testing"

	"github.com/pocketomega/codemode-bridge/internal/upstream"
)

type fixedSource struct {
	descs []upstream.ToolDescriptor
}

func (f fixedSource) GetAllToolDescriptors() []upstream.ToolDescriptor { return f.descs }

func makeDescriptors(n int) []upstream.ToolDescriptor {
	out := make([]upstream.ToolDescriptor, n)
	for i := 0; i < n; i++ {
		out[i] = upstream.ToolDescriptor{
			QualifiedName: "server__tool" + string(rune('a'+i)),
			Description:   "does a thing",
			InputSchema:   json.RawMessage(`{"type":"object","properties":{}}`),
		}
	}
	return out
}

func TestGetFunctions_FirstPage(t *testing.T) {
	src := fixedSource{descs: makeDescriptors(5)}
	page, err := GetFunctions(src, "", 2)
	if err != nil {
		t.Fatalf("GetFunctions: %v", err)
	}
	if len(page.Functions) != 2 {
		t.Fatalf("got %d functions, want 2", len(page.Functions))
	}
	if page.Total != 5 {
		t.Errorf("Total = %d, want 5", page.Total)
	}
	if page.NextCursor == "" {
		t.Error("expected NextCursor when more pages remain")
	}
}

func TestGetFunctions_LastPageHasNoCursor(t *testing.T) {
	src := fixedSource{descs: makeDescriptors(3)}
	page, err := GetFunctions(src, "", 10)
	if err != nil {
		t.Fatalf("GetFunctions: %v", err)
	}
	if page.NextCursor != "" {
		t.Errorf("expected no NextCursor on last page, got %q", page.NextCursor)
	}
}

func TestGetFunctions_CursorRoundTrip(t *testing.T) {
	src := fixedSource{descs: makeDescriptors(5)}
	first, err := GetFunctions(src, "", 2)
	if err != nil {
		t.Fatalf("GetFunctions: %v", err)
	}
	second, err := GetFunctions(src, first.NextCursor, 2)
	if err != nil {
		t.Fatalf("GetFunctions page 2: %v", err)
	}
	if len(second.Functions) != 2 {
		t.Fatalf("page 2 got %d functions, want 2", len(second.Functions))
	}
	if second.Functions[0].Name == first.Functions[0].Name {
		t.Error("page 2 should not repeat page 1's first item")
	}
}

func TestGetFunctions_InvalidCursor(t *testing.T) {
	src := fixedSource{descs: makeDescriptors(3)}
	if _, err := GetFunctions(src, "not-valid-base64!!", 2); err == nil {
		t.Error("expected error for malformed cursor")
	}
}

func TestGetFunctions_DefaultPageSize(t *testing.T) {
	src := fixedSource{descs: makeDescriptors(60)}
	page, err := GetFunctions(src, "", 0)
	if err != nil {
		t.Fatalf("GetFunctions: %v", err)
	}
	if len(page.Functions) != defaultPageSize {
		t.Errorf("got %d functions, want default page size %d", len(page.Functions), defaultPageSize)
	}
}

func TestGetFunctions_PageSizeClampedToMax(t *testing.T) {
	src := fixedSource{descs: makeDescriptors(300)}
	page, err := GetFunctions(src, "", 10000)
	if err != nil {
		t.Fatalf("GetFunctions: %v", err)
	}
	if len(page.Functions) != maxPageSize {
		t.Errorf("got %d functions, want clamped max %d", len(page.Functions), maxPageSize)
	}
}

func TestSchemaCache_GeneratesAndMemoizes(t *testing.T) {
	src := fixedSource{descs: []upstream.ToolDescriptor{{
		QualifiedName: "files__read",
		Description:   "reads a file",
		InputSchema:   json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}}}
	cache := NewSchemaCache(src)

	snippet, ok := cache.GetFunctionSchema("files__read")
	if !ok {
		t.Fatal("expected schema to be found")
	}
	if !contains(snippet, "path: string") {
		t.Errorf("snippet missing required field rendering: %s", snippet)
	}

	// Second call should hit the memoized cache; content must be identical.
	snippet2, _ := cache.GetFunctionSchema("files__read")
	if snippet != snippet2 {
		t.Error("memoized snippet changed between calls")
	}
}

func TestSchemaCache_UnknownTool(t *testing.T) {
	cache := NewSchemaCache(fixedSource{})
	_, ok := cache.GetFunctionSchema("nope__nope")
	if ok {
		t.Error("expected not-found for unknown tool")
	}
}

func TestSchemaCache_ClearForcesRegeneration(t *testing.T) {
	descs := []upstream.ToolDescriptor{{QualifiedName: "a__b", Description: "v1"}}
	src := &mutableSource{descs: descs}
	cache := NewSchemaCache(src)

	first, _ := cache.GetFunctionSchema("a__b")
	src.descs[0].Description = "v2"
	cache.Clear()
	second, _ := cache.GetFunctionSchema("a__b")

	if first == second {
		t.Error("expected snippet to change after Clear + underlying descriptor change")
	}
}

type mutableSource struct {
	descs []upstream.ToolDescriptor
}

func (m *mutableSource) GetAllToolDescriptors() []upstream.ToolDescriptor { return m.descs }

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}

func TestSearchIndex_RanksMatchingToolsFirst(t *testing.T) {
	src := fixedSource{descs: []upstream.ToolDescriptor{
		{QualifiedName: "files__read_file", Description: "reads a file from disk"},
		{QualifiedName: "weather__forecast", Description: "gets the weather forecast"},
	}}
	idx := NewSearchIndex(src)

	results := idx.Search("weather forecast", 5)
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].Descriptor.QualifiedName != "weather__forecast" {
		t.Errorf("top result = %q, want weather__forecast", results[0].Descriptor.QualifiedName)
	}
}

func TestSearchIndex_NoMatchesReturnsEmpty(t *testing.T) {
	src := fixedSource{descs: []upstream.ToolDescriptor{{QualifiedName: "files__read", Description: "reads a file"}}}
	idx := NewSearchIndex(src)

	results := idx.Search("xyzzy_nonexistent_term", 5)
	if results == nil {
		t.Error("expected non-nil empty slice for no matches")
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestSearchIndex_LimitIsRespected(t *testing.T) {
	src := fixedSource{descs: makeDescriptors(10)}
	idx := NewSearchIndex(src)

	results := idx.Search("thing", 3)
	if len(results) != 3 {
		t.Errorf("got %d results, want 3", len(results))
	}
}

func TestSearchIndex_InvalidateRebuildsFromSource(t *testing.T) {
	src := &mutableSource{descs: []upstream.ToolDescriptor{{QualifiedName: "a__only", Description: "only tool"}}}
	idx := NewSearchIndex(src)
	idx.Search("only", 5)

	src.descs = append(src.descs, upstream.ToolDescriptor{QualifiedName: "b__added", Description: "added tool"})
	idx.Invalidate()

	results := idx.Search("added", 5)
	if len(results) != 1 || results[0].Descriptor.QualifiedName != "b__added" {
		t.Errorf("expected newly added tool to be searchable after Invalidate, got %v", results)
	}
}
