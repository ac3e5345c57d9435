// Package front implements the MCP Front Door (spec §4.H): it registers
// the downstream tool set — eval, status, and the three discovery tools —
// onto a mark3labs/mcp-go server.MCPServer, and drives both the stdio and
// streamable-HTTP transports over the same tool set.
//
// Grounded on alexandrem-coral's internal/colony/mcp package (manual
// mcp.NewToolWithRawSchema + mcp.CallToolRequest.Params.Arguments parsing,
// server.ServeStdio for the stdio transport) and on the openkruise-agents
// and kagenti-mcp-gateway examples for server.NewStreamableHTTPServer and
// server.Hooks wiring (AddOnRegisterSession/AddOnUnregisterSession).
package front

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pocketomega/codemode-bridge/internal/bridgeerr"
	"github.com/pocketomega/codemode-bridge/internal/discovery"
	"github.com/pocketomega/codemode-bridge/internal/logging"
	"github.com/pocketomega/codemode-bridge/internal/sandbox"
	"github.com/pocketomega/codemode-bridge/internal/session"
	"github.com/pocketomega/codemode-bridge/internal/upstream"
	"github.com/pocketomega/codemode-bridge/internal/util"
)

// maxEvalErrorRunes caps how much console output an eval failure echoes
// back to the host; sandboxed code can log arbitrarily large amounts.
const maxEvalErrorRunes = 4000

var log = logging.For("front")

// ToolDispatcher is the subset of *upstream.Manager the front door and the
// sandbox's codemode.* binder depend on.
type ToolDispatcher interface {
	discovery.ToolSource
	CallTool(ctx context.Context, qualifiedName string, args map[string]any) (any, error)
	GetConnectedServerNames() []string
	GetServerToolInfo(serverName string) ([]upstream.ToolInfo, bool)
	Reload(ctx context.Context) (string, error)
}

// Server is one MCP server object exposing eval/status/discovery tools, and
// the shared backing state (session resolver, upstream manager, discovery
// caches) every tool call reaches through.
type Server struct {
	mcpServer *server.MCPServer

	resolver    *session.Resolver
	manager     ToolDispatcher
	schemaCache *discovery.SchemaCache
	searchIndex *discovery.SearchIndex
	bootInfo    sandbox.ExecutorInfo
}

// NewServer builds the shared MCP server object and registers the full
// downstream tool set on it. name/version identify the server in MCP's
// initialize handshake.
func NewServer(
	name, version string,
	resolver *session.Resolver,
	manager ToolDispatcher,
	schemaCache *discovery.SchemaCache,
	searchIndex *discovery.SearchIndex,
	bootInfo sandbox.ExecutorInfo,
) *Server {
	s := &Server{
		resolver:    resolver,
		manager:     manager,
		schemaCache: schemaCache,
		searchIndex: searchIndex,
		bootInfo:    bootInfo,
	}

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(_ context.Context, cs server.ClientSession) {
		log.Info().Str("session_id", cs.SessionID()).Msg("mcp client session registered")
	})
	hooks.AddOnUnregisterSession(func(_ context.Context, cs server.ClientSession) {
		log.Info().Str("session_id", cs.SessionID()).Msg("mcp client session unregistered")
		s.resolver.DisposeSession(cs.SessionID())
	})
	hooks.AddOnError(func(_ context.Context, _ any, method mcp.MCPMethod, _ any, err error) {
		log.Warn().Str("method", string(method)).Err(err).Msg("mcp request error")
	})

	s.mcpServer = server.NewMCPServer(
		name, version,
		server.WithToolCapabilities(true),
		server.WithHooks(hooks),
	)

	s.registerTools()
	return s
}

// MCPServer exposes the underlying server.MCPServer for transport wiring
// (ServeStdio, NewStreamableHTTPServer) in cmd/codemode.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// NotifyToolsChanged re-registers the discovery tools so mcp-go's
// list-changed notification fires for connected clients (spec §6: "Live
// tool-list changes MUST emit the MCP list-changed notification... after
// reloads"). The downstream tool *names* never change — only what
// get_functions/get_function_schema/search_functions report — but
// re-adding a tool definition is the mechanism this library uses to signal
// listChanged, the same mechanism kagenti-mcp-gateway's broker relies on
// when it calls AddTools after a reconnect diff.
func (s *Server) NotifyToolsChanged() {
	s.addDiscoveryTools()
}

func (s *Server) registerTools() {
	s.addEvalTool()
	s.addStatusTool()
	s.addReloadTool()
	s.addDiscoveryTools()
}

// --- reload ---------------------------------------------------------------

func (s *Server) addReloadTool() {
	tool := mcp.NewToolWithRawSchema("reload",
		"Reconnects to the configured upstream servers, picking up any config file changes immediately instead of waiting for the file watcher. Intended for operators who run with the watcher disabled.",
		json.RawMessage(`{"type":"object","properties":{}}`),
	)
	s.mcpServer.AddTool(tool, s.handleReload)
}

func (s *Server) handleReload(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, err := s.manager.Reload(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload: %w", err)
	}
	s.schemaCache.Clear()
	s.searchIndex.Invalidate()
	s.NotifyToolsChanged()
	return mcp.NewToolResultText(summary), nil
}

// --- eval -------------------------------------------------------------

type evalInput struct {
	Code string `json:"code"`
}

func (s *Server) addEvalTool() {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"code": {
				"type": "string",
				"description": "A JavaScript snippet. Either a single arrow-function expression, or a sequence of statements that returns its result with an explicit return statement. Call codemode.<server>__<tool>(args) to invoke an upstream tool; it returns a Promise."
			}
		},
		"required": ["code"]
	}`)
	tool := mcp.NewToolWithRawSchema(
		"eval",
		"Executes a JavaScript snippet in an isolated sandbox. Upstream tools are reachable from the snippet as codemode.<server>__<tool>(args), each returning a Promise. Use get_functions/search_functions/get_function_schema to discover what is callable before writing code.",
		schema,
	)
	s.mcpServer.AddTool(tool, s.handleEval)
}

func (s *Server) handleEval(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var input evalInput
	if err := decodeArguments(request, &input); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if strings.TrimSpace(input.Code) == "" {
		return mcp.NewToolResultError("code must not be empty"), nil
	}

	sessionID := sessionIDFromContext(ctx)
	rt, _, err := s.resolver.Resolve(ctx, sessionID)
	if err != nil && sessionID != session.SingletonID {
		log.Warn().Err(err).Str("session_id", sessionID).
			Msg("sandbox creation failed for session, falling back to singleton runtime (isolation not active)")
		rt, _, err = s.resolver.Resolve(ctx, session.SingletonID)
	}
	if err != nil {
		return nil, fmt.Errorf("eval: could not obtain a sandbox runtime: %w", err)
	}

	tools := s.buildToolTable(ctx)
	result := rt.Execute(ctx, input.Code, tools)
	if result.Error != nil {
		// Decided open question (spec §9): the eval handler returns a Go
		// error rather than a content-level tool error, so the MCP layer
		// reports it as a genuine tool failure ("throws") rather than a
		// successful call whose content happens to describe a failure.
		msg := result.Error.Error()
		if len(result.Logs) > 0 {
			msg += "\n\nConsole output:\n" + util.TruncateRunes(strings.Join(result.Logs, "\n"), maxEvalErrorRunes)
		}
		return nil, fmt.Errorf("%s", msg)
	}

	body, err := json.Marshal(result.Value)
	if err != nil {
		return nil, fmt.Errorf("eval: marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(body)), nil
}

// buildToolTable snapshots the current registry into the callable table a
// Sandbox Runtime dispatches against. Rebuilt on every Execute so
// fire-and-forget upstream connects that finish after boot are picked up
// immediately (spec §9 "Fire-and-forget connect with later activation").
func (s *Server) buildToolTable(_ context.Context) sandbox.ToolTable {
	descs := s.manager.GetAllToolDescriptors()
	tools := make(sandbox.ToolTable, len(descs))
	for _, d := range descs {
		name := d.QualifiedName
		tools[name] = func(ctx context.Context, args map[string]any) (any, error) {
			return s.manager.CallTool(ctx, name, args)
		}
	}
	return tools
}

// --- status -------------------------------------------------------------

type statusServerEntry struct {
	Name      string              `json:"name"`
	ToolCount int                 `json:"toolCount"`
	Tools     []upstream.ToolInfo `json:"tools"`
}

type statusResponse struct {
	Executor struct {
		Type    string `json:"type"`
		Reason  string `json:"reason"`
		Timeout string `json:"timeout"`
	} `json:"executor"`
	Servers    []statusServerEntry `json:"servers"`
	TotalTools int                 `json:"totalTools"`
}

func (s *Server) addStatusTool() {
	tool := mcp.NewToolWithRawSchema("status",
		"Reports the sandbox executor backend chosen at boot and every connected upstream server with its tool count.",
		json.RawMessage(`{"type":"object","properties":{}}`),
	)
	s.mcpServer.AddTool(tool, s.handleStatus)
}

func (s *Server) handleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var resp statusResponse
	resp.Executor.Type = string(s.bootInfo.Type)
	resp.Executor.Reason = s.bootInfo.Reason
	resp.Executor.Timeout = s.bootInfo.Timeout.String()

	names := s.manager.GetConnectedServerNames()
	resp.Servers = make([]statusServerEntry, 0, len(names))
	for _, name := range names {
		tools, _ := s.manager.GetServerToolInfo(name)
		resp.Servers = append(resp.Servers, statusServerEntry{
			Name:      name,
			ToolCount: len(tools),
			Tools:     tools,
		})
		resp.TotalTools += len(tools)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("status: marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(body)), nil
}

// --- discovery ------------------------------------------------------------

type getFunctionsInput struct {
	Server   string `json:"server,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

type getFunctionsServerGroup struct {
	Server string                      `json:"server"`
	Tools  []discovery.FunctionSummary `json:"tools"`
}

type getFunctionsOutput struct {
	Servers    []getFunctionsServerGroup `json:"servers"`
	NextCursor string                    `json:"nextCursor,omitempty"`
	TotalTools int                       `json:"totalTools"`
}

// serverFilteredSource narrows a discovery.ToolSource to one server's
// descriptors, letting get_functions{server:"..."} reuse the shared
// pagination logic in internal/discovery unchanged.
type serverFilteredSource struct {
	inner  discovery.ToolSource
	server string
}

func (f serverFilteredSource) GetAllToolDescriptors() []upstream.ToolDescriptor {
	all := f.inner.GetAllToolDescriptors()
	if f.server == "" {
		return all
	}
	out := make([]upstream.ToolDescriptor, 0, len(all))
	for _, d := range all {
		if d.ServerName == f.server {
			out = append(out, d)
		}
	}
	return out
}

func (s *Server) addDiscoveryTools() {
	s.addGetFunctionsTool()
	s.addGetFunctionSchemaTool()
	s.addSearchFunctionsTool()
}

func (s *Server) addGetFunctionsTool() {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"server": {"type": "string", "description": "Restrict the listing to one upstream server name."},
			"cursor": {"type": "string", "description": "Opaque pagination cursor returned as nextCursor by a previous call."},
			"pageSize": {"type": "integer", "description": "Entries per page; defaults to 50, clamped to 200."}
		}
	}`)
	tool := mcp.NewToolWithRawSchema("get_functions",
		"Lists callable upstream tools, grouped by server, with pagination over the full registry.",
		schema,
	)
	s.mcpServer.AddTool(tool, s.handleGetFunctions)
}

func (s *Server) handleGetFunctions(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var input getFunctionsInput
	if err := decodeArguments(request, &input); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	source := serverFilteredSource{inner: s.manager, server: input.Server}
	page, err := discovery.GetFunctions(source, input.Cursor, input.PageSize)
	if err != nil {
		if bridgeerr.Is(err, bridgeerr.InvalidCursor) {
			return toolErrorJSON("Invalid cursor")
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	grouped := map[string][]discovery.FunctionSummary{}
	var order []string
	for _, fn := range page.Functions {
		server := fn.Name[:strings.Index(fn.Name, "__")]
		if _, ok := grouped[server]; !ok {
			order = append(order, server)
		}
		grouped[server] = append(grouped[server], fn)
	}

	out := getFunctionsOutput{NextCursor: page.NextCursor, TotalTools: page.Total}
	for _, server := range order {
		out.Servers = append(out.Servers, getFunctionsServerGroup{Server: server, Tools: grouped[server]})
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("get_functions: marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(body)), nil
}

type getFunctionSchemaInput struct {
	ToolName string `json:"tool_name"`
}

func (s *Server) addGetFunctionSchemaTool() {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"tool_name": {"type": "string", "description": "A qualified tool name, e.g. files__read_file."}},
		"required": ["tool_name"]
	}`)
	tool := mcp.NewToolWithRawSchema("get_function_schema",
		"Returns a TypeScript-like type-definition snippet for one tool's input and output shape.",
		schema,
	)
	s.mcpServer.AddTool(tool, s.handleGetFunctionSchema)
}

func (s *Server) handleGetFunctionSchema(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var input getFunctionSchemaInput
	if err := decodeArguments(request, &input); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snippet, ok := s.schemaCache.GetFunctionSchema(input.ToolName)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown tool: %s", input.ToolName)), nil
	}
	return mcp.NewToolResultText(snippet), nil
}

type searchFunctionsInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type searchFunctionsResult struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

func (s *Server) addSearchFunctionsTool() {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Free-text search query matched against tool names and descriptions."},
			"limit": {"type": "integer", "description": "Max results; defaults to 5, clamped to 20."}
		},
		"required": ["query"]
	}`)
	tool := mcp.NewToolWithRawSchema("search_functions",
		"Ranks upstream tools by relevance to a free-text query using BM25 over name and description.",
		schema,
	)
	s.mcpServer.AddTool(tool, s.handleSearchFunctions)
}

func (s *Server) handleSearchFunctions(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var input searchFunctionsInput
	if err := decodeArguments(request, &input); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results := s.searchIndex.Search(input.Query, input.Limit)
	out := make([]searchFunctionsResult, 0, len(results))
	for _, r := range results {
		out = append(out, searchFunctionsResult{
			Name:        r.Descriptor.QualifiedName,
			Description: r.Descriptor.Description,
			Score:       r.Score,
		})
	}
	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("search_functions: marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(body)), nil
}

// --- helpers --------------------------------------------------------------

// decodeArguments round-trips request.Params.Arguments through JSON into a
// typed struct, the manual-parsing idiom this pack's MCP servers use
// instead of reflection-based binding.
func decodeArguments(request mcp.CallToolRequest, out any) error {
	if request.Params.Arguments == nil {
		return nil
	}
	raw, err := json.Marshal(request.Params.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse arguments: %w", err)
	}
	return nil
}

// toolErrorJSON produces the data-plane error envelope spec §4.G mandates
// for discovery tools (e.g. {"error":"Invalid cursor"}) rather than an MCP
// protocol-level tool error, since an invalid cursor is caller input, not a
// bridge failure.
func toolErrorJSON(message string) (*mcp.CallToolResult, error) {
	body, _ := json.Marshal(map[string]string{"error": message})
	return mcp.NewToolResultText(string(body)), nil
}

// sessionIDFromContext extracts the MCP session ID mcp-go associates with
// the current request. Stdio transport never registers a ClientSession
// (there is exactly one, implicit connection), so a missing session
// resolves to the Session Resolver's singleton ID.
func sessionIDFromContext(ctx context.Context) string {
	cs := server.ClientSessionFromContext(ctx)
	if cs == nil {
		return session.SingletonID
	}
	return cs.SessionID()
}
