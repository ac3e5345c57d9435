package front

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/pocketomega/codemode-bridge/internal/discovery"
	"github.com/pocketomega/codemode-bridge/internal/sandbox"
	"github.com/pocketomega/codemode-bridge/internal/session"
	"github.com/pocketomega/codemode-bridge/internal/upstream"
)

type fakeManager struct {
	descs        []upstream.ToolDescriptor
	callResult   any
	callErr      error
	lastCalled   string
	reloadResult string
	reloadErr    error
}

func (f *fakeManager) Reload(_ context.Context) (string, error) {
	return f.reloadResult, f.reloadErr
}

func (f *fakeManager) GetAllToolDescriptors() []upstream.ToolDescriptor { return f.descs }

func (f *fakeManager) CallTool(_ context.Context, qualifiedName string, _ map[string]any) (any, error) {
	f.lastCalled = qualifiedName
	return f.callResult, f.callErr
}

func (f *fakeManager) GetConnectedServerNames() []string {
	seen := map[string]bool{}
	var names []string
	for _, d := range f.descs {
		if !seen[d.ServerName] {
			seen[d.ServerName] = true
			names = append(names, d.ServerName)
		}
	}
	return names
}

func (f *fakeManager) GetServerToolInfo(serverName string) ([]upstream.ToolInfo, bool) {
	var infos []upstream.ToolInfo
	found := false
	for _, d := range f.descs {
		if d.ServerName == serverName {
			found = true
			infos = append(infos, upstream.ToolInfo{Name: d.ToolName, Description: d.Description, InputSchema: d.InputSchema})
		}
	}
	return infos, found
}

type fakeRuntime struct {
	disposed atomic.Bool
	result   sandbox.ExecuteResult
}

func (f *fakeRuntime) Execute(_ context.Context, _ string, _ sandbox.ToolTable) sandbox.ExecuteResult {
	return f.result
}
func (f *fakeRuntime) Dispose() { f.disposed.Store(true) }
func (f *fakeRuntime) Info() sandbox.ExecutorInfo {
	return sandbox.ExecutorInfo{Type: sandbox.BackendGoja, Reason: "test", Timeout: 30 * time.Second}
}

func newTestServer(t *testing.T, mgr *fakeManager, result sandbox.ExecuteResult) *Server {
	t.Helper()
	resolver := session.NewResolver(func() (sandbox.Runtime, sandbox.ExecutorInfo, error) {
		rt := &fakeRuntime{result: result}
		return rt, rt.Info(), nil
	}, time.Hour)

	return NewServer("test-bridge", "0.0.0", resolver,
		mgr, discovery.NewSchemaCache(mgr), discovery.NewSearchIndex(mgr),
		sandbox.ExecutorInfo{Type: sandbox.BackendGoja, Reason: "boot", Timeout: 30 * time.Second})
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func TestHandleEval_Success(t *testing.T) {
	mgr := &fakeManager{}
	s := newTestServer(t, mgr, sandbox.ExecuteResult{Value: float64(42)})

	result, err := s.handleEval(context.Background(), callRequest(map[string]any{"code": "return 6*7;"}))
	if err != nil {
		t.Fatalf("handleEval: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}
}

func TestHandleEval_ExecuteErrorThrows(t *testing.T) {
	mgr := &fakeManager{}
	s := newTestServer(t, mgr, sandbox.ExecuteResult{
		Error: errTest("boom"),
		Logs:  []string{"log line"},
	})

	_, err := s.handleEval(context.Background(), callRequest(map[string]any{"code": "throw new Error('boom')"}))
	if err == nil {
		t.Fatal("expected handleEval to return an error (the decided 'throw' semantics)")
	}
	if !strings.Contains(err.Error(), "log line") {
		t.Errorf("expected console output in error message, got: %v", err)
	}
}

func TestHandleEval_EmptyCodeRejected(t *testing.T) {
	mgr := &fakeManager{}
	s := newTestServer(t, mgr, sandbox.ExecuteResult{})

	result, err := s.handleEval(context.Background(), callRequest(map[string]any{"code": "   "}))
	if err != nil {
		t.Fatalf("handleEval: %v", err)
	}
	if !result.IsError {
		t.Error("expected a content-level error for empty code")
	}
}

func TestHandleStatus_ReportsExecutorAndServers(t *testing.T) {
	mgr := &fakeManager{descs: []upstream.ToolDescriptor{
		{QualifiedName: "files__read", ServerName: "files", ToolName: "read", Description: "reads a file"},
	}}
	s := newTestServer(t, mgr, sandbox.ExecuteResult{})

	result, err := s.handleStatus(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("handleStatus: %v", err)
	}
	text := firstText(t, result)

	var parsed statusResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if parsed.Executor.Type != "goja" {
		t.Errorf("Executor.Type = %q, want goja", parsed.Executor.Type)
	}
	if parsed.TotalTools != 1 {
		t.Errorf("TotalTools = %d, want 1", parsed.TotalTools)
	}
}

func TestHandleGetFunctions_GroupsByServer(t *testing.T) {
	mgr := &fakeManager{descs: []upstream.ToolDescriptor{
		{QualifiedName: "files__read", ServerName: "files", ToolName: "read", Description: "reads"},
		{QualifiedName: "files__write", ServerName: "files", ToolName: "write", Description: "writes"},
		{QualifiedName: "weather__forecast", ServerName: "weather", ToolName: "forecast", Description: "forecasts"},
	}}
	s := newTestServer(t, mgr, sandbox.ExecuteResult{})

	result, err := s.handleGetFunctions(context.Background(), callRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("handleGetFunctions: %v", err)
	}
	var out getFunctionsOutput
	if err := json.Unmarshal([]byte(firstText(t, result)), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.TotalTools != 3 {
		t.Errorf("TotalTools = %d, want 3", out.TotalTools)
	}
	if len(out.Servers) != 2 {
		t.Fatalf("got %d server groups, want 2", len(out.Servers))
	}
}

func TestHandleGetFunctions_InvalidCursorReturnsDataPlaneError(t *testing.T) {
	mgr := &fakeManager{}
	s := newTestServer(t, mgr, sandbox.ExecuteResult{})

	result, err := s.handleGetFunctions(context.Background(), callRequest(map[string]any{"cursor": "not-valid!!"}))
	if err != nil {
		t.Fatalf("handleGetFunctions should not protocol-error on bad cursor: %v", err)
	}
	text := firstText(t, result)
	if !strings.Contains(text, "Invalid cursor") {
		t.Errorf("expected Invalid cursor envelope, got %s", text)
	}
}

func TestHandleGetFunctionSchema_UnknownToolIsContentError(t *testing.T) {
	mgr := &fakeManager{}
	s := newTestServer(t, mgr, sandbox.ExecuteResult{})

	result, err := s.handleGetFunctionSchema(context.Background(), callRequest(map[string]any{"tool_name": "nope__nope"}))
	if err != nil {
		t.Fatalf("handleGetFunctionSchema: %v", err)
	}
	if !result.IsError {
		t.Error("expected content-level error for unknown tool")
	}
}

func TestHandleReload_ReturnsManagerSummary(t *testing.T) {
	mgr := &fakeManager{reloadResult: "connected 1, disconnected 0"}
	s := newTestServer(t, mgr, sandbox.ExecuteResult{})

	result, err := s.handleReload(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("handleReload: %v", err)
	}
	if firstText(t, result) != mgr.reloadResult {
		t.Errorf("got %q, want %q", firstText(t, result), mgr.reloadResult)
	}
}

func TestHandleReload_PropagatesManagerError(t *testing.T) {
	mgr := &fakeManager{reloadErr: errTest("config parse failed")}
	s := newTestServer(t, mgr, sandbox.ExecuteResult{})

	_, err := s.handleReload(context.Background(), mcp.CallToolRequest{})
	if err == nil {
		t.Fatal("expected handleReload to propagate the manager's reload error")
	}
}

func TestHandleSearchFunctions_RanksRelevantToolFirst(t *testing.T) {
	mgr := &fakeManager{descs: []upstream.ToolDescriptor{
		{QualifiedName: "files__read", ServerName: "files", ToolName: "read", Description: "reads a file from disk"},
		{QualifiedName: "weather__forecast", ServerName: "weather", ToolName: "forecast", Description: "gets the weather forecast"},
	}}
	s := newTestServer(t, mgr, sandbox.ExecuteResult{})

	result, err := s.handleSearchFunctions(context.Background(), callRequest(map[string]any{"query": "weather forecast"}))
	if err != nil {
		t.Fatalf("handleSearchFunctions: %v", err)
	}
	var out []searchFunctionsResult
	if err := json.Unmarshal([]byte(firstText(t, result)), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) == 0 || out[0].Name != "weather__forecast" {
		t.Errorf("top result = %+v, want weather__forecast first", out)
	}
}

func firstText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("expected at least one content item")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

type errTest string

func (e errTest) Error() string { return string(e) }
