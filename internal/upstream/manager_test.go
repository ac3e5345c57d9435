package upstream

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeVirtualServer struct {
	name  string
	tools []ToolInfo
	calls int
}

func (f *fakeVirtualServer) Name() string          { return f.name }
func (f *fakeVirtualServer) ListTools() []ToolInfo { return f.tools }
func (f *fakeVirtualServer) CallTool(ctx context.Context, toolName string, args map[string]any) (any, error) {
	f.calls++
	if toolName == "boom" {
		return nil, errors.New("boom")
	}
	return map[string]any{"tool": toolName, "args": args}, nil
}

func TestManager_RegisterVirtualServer(t *testing.T) {
	m := NewManager("")
	vs := &fakeVirtualServer{name: "utils", tools: []ToolInfo{{Name: "yaml_parse", Description: "parses yaml"}}}
	m.RegisterVirtualServer(vs)

	descs := m.GetAllToolDescriptors()
	if len(descs) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(descs))
	}
	if descs[0].QualifiedName != "utils__yaml_parse" {
		t.Errorf("QualifiedName = %q", descs[0].QualifiedName)
	}
}

func TestManager_GetAllToolDescriptors_ReturnsFreshCopy(t *testing.T) {
	m := NewManager("")
	m.RegisterVirtualServer(&fakeVirtualServer{name: "utils", tools: []ToolInfo{{Name: "a"}}})

	first := m.GetAllToolDescriptors()
	first[0].ToolName = "mutated"

	second := m.GetAllToolDescriptors()
	if second[0].ToolName == "mutated" {
		t.Error("mutating a returned descriptor slice affected the manager's internal state")
	}
}

func TestManager_CallTool_DispatchesToVirtualServer(t *testing.T) {
	m := NewManager("")
	vs := &fakeVirtualServer{name: "utils", tools: []ToolInfo{{Name: "echo"}}}
	m.RegisterVirtualServer(vs)

	result, err := m.CallTool(context.Background(), "utils__echo", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	m2, ok := result.(map[string]any)
	if !ok || m2["tool"] != "echo" {
		t.Errorf("result = %v", result)
	}
	if vs.calls != 1 {
		t.Errorf("calls = %d, want 1", vs.calls)
	}
}

func TestManager_CallTool_UnknownTool(t *testing.T) {
	m := NewManager("")
	_, err := m.CallTool(context.Background(), "nope__nope", nil)
	if err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestManager_CallTool_VirtualServerError(t *testing.T) {
	m := NewManager("")
	m.RegisterVirtualServer(&fakeVirtualServer{name: "utils", tools: []ToolInfo{{Name: "boom"}}})

	_, err := m.CallTool(context.Background(), "utils__boom", nil)
	if err == nil {
		t.Error("expected error to propagate from virtual server")
	}
}

func TestManager_DisconnectServer_RemovesDescriptors(t *testing.T) {
	m := NewManager("")
	m.RegisterVirtualServer(&fakeVirtualServer{name: "utils", tools: []ToolInfo{{Name: "a"}}})
	m.DisconnectServer("utils")

	if len(m.GetAllToolDescriptors()) != 0 {
		t.Error("expected descriptors removed after disconnect")
	}
}

func TestManager_DisconnectServer_UnknownNameIsNoop(t *testing.T) {
	m := NewManager("")
	m.DisconnectServer("does-not-exist") // must not panic
}

func TestManager_GetConnectedServerNames_SortedAndIncludesVirtual(t *testing.T) {
	m := NewManager("")
	m.RegisterVirtualServer(&fakeVirtualServer{name: "zeta"})
	m.RegisterVirtualServer(&fakeVirtualServer{name: "alpha"})

	names := m.GetConnectedServerNames()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("GetConnectedServerNames = %v", names)
	}
}

func TestManager_Reload_NoConfigPath(t *testing.T) {
	m := NewManager("")
	summary, err := m.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if summary == "" {
		t.Error("expected non-empty summary")
	}
}

func writeConfigFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

// TestManager_Reload_ChangedConfigDisconnectsAndReconnects covers spec §8#4:
// {a,b} -> {a',c} must disconnect+reconnect "a" (content changed under the
// same name), not count it "unchanged" just because the key survived.
func TestManager_Reload_ChangedConfigDisconnectsAndReconnects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codemode.json")
	writeConfigFile(t, path, `{
		"mcpServers": {
			"a": {"transport": "stdio", "command": "codemode-test-cmd-a-v1"},
			"b": {"transport": "stdio", "command": "codemode-test-cmd-b"}
		}
	}`)

	m := NewManager(path)
	if _, err := m.Reload(context.Background()); err != nil {
		t.Fatalf("initial Reload: %v", err)
	}
	// Both commands are fictitious, so neither connected; seed the
	// manager's snapshot directly to stand in for "a" and "b" already
	// being connected under their original config content.
	m.mu.Lock()
	m.configs["a"] = ServerConfig{Name: "a", Transport: "stdio", Command: "codemode-test-cmd-a-v1"}
	m.configs["b"] = ServerConfig{Name: "b", Transport: "stdio", Command: "codemode-test-cmd-b"}
	m.mu.Unlock()

	writeConfigFile(t, path, `{
		"mcpServers": {
			"a": {"transport": "stdio", "command": "codemode-test-cmd-a-v2"},
			"c": {"transport": "stdio", "command": "codemode-test-cmd-c"}
		}
	}`)

	summary, err := m.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !strings.Contains(summary, "-2 removed") {
		t.Errorf("summary = %q, want it to count both b (removed) and a (changed) as removed", summary)
	}
	if !strings.Contains(summary, "0 unchanged") {
		t.Errorf("summary = %q, want 0 unchanged — a's content differs from its prior snapshot", summary)
	}

	m.mu.Lock()
	_, stillB := m.configs["b"]
	m.mu.Unlock()
	if stillB {
		t.Error("b should have been disconnected, not left in the config snapshot")
	}
}
