package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	sdk_client "github.com/mark3labs/mcp-go/client"
	sdk_transport "github.com/mark3labs/mcp-go/client/transport"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/pocketomega/codemode-bridge/internal/bridgeerr"
	"github.com/pocketomega/codemode-bridge/internal/logging"
)

var clientLog = logging.For("upstream.client")

// ToolInfo captures the metadata of a single tool exposed by an upstream
// MCP server, prior to namespacing. OutputSchema is nil for the (common)
// case of an upstream tool that never declared one (spec §3 "optional
// output schema").
type ToolInfo struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
}

// Client wraps the mcp-go SDK client for one upstream MCP server connection.
// Safe for concurrent use.
type Client struct {
	mu    sync.RWMutex
	cfg   ServerConfig
	inner sdk_client.MCPClient
}

// NewClient creates an unconnected Client. Call Connect before ListTools or
// CallTool.
func NewClient(cfg ServerConfig) *Client {
	return &Client{cfg: cfg}
}

// headerRoundTripper injects static headers (bearer tokens, API keys) into
// every outbound HTTP request to an upstream server.
type headerRoundTripper struct {
	next    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	return h.next.RoundTrip(req)
}

// Connect establishes the transport connection and performs the MCP
// initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	var inner sdk_client.MCPClient

	switch c.cfg.Transport {
	case "stdio":
		cli, err := sdk_client.NewStdioMCPClient(c.cfg.Command, c.cfg.Env, c.cfg.Args...)
		if err != nil {
			return bridgeerr.New(bridgeerr.UpstreamError, fmt.Errorf("start stdio server %q: %w", c.cfg.Name, err))
		}
		inner = cli

	case "sse":
		cli, err := sdk_client.NewSSEMCPClient(c.cfg.URL)
		if err != nil {
			return bridgeerr.New(bridgeerr.UpstreamError, fmt.Errorf("create sse client %q: %w", c.cfg.Name, err))
		}
		if err := cli.Start(ctx); err != nil {
			return bridgeerr.New(bridgeerr.UpstreamError, fmt.Errorf("start sse client %q: %w", c.cfg.Name, err))
		}
		inner = cli

	case "http":
		httpClient := &http.Client{Transport: &headerRoundTripper{next: http.DefaultTransport, headers: c.cfg.Headers}}
		cli, err := sdk_client.NewStreamableHttpClient(c.cfg.URL, sdk_transport.WithHTTPBasicClient(httpClient))
		if err != nil {
			return bridgeerr.New(bridgeerr.UpstreamError, fmt.Errorf("create http client %q: %w", c.cfg.Name, err))
		}
		if err := cli.Start(ctx); err != nil {
			return bridgeerr.New(bridgeerr.UpstreamError, fmt.Errorf("start http client %q: %w", c.cfg.Name, err))
		}
		inner = cli

	default:
		return bridgeerr.New(bridgeerr.ConfigValidation, fmt.Errorf("unknown transport %q for server %q", c.cfg.Transport, c.cfg.Name))
	}

	_, err := inner.Initialize(ctx, sdk_mcp.InitializeRequest{
		Params: sdk_mcp.InitializeParams{
			ProtocolVersion: sdk_mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdk_mcp.Implementation{
				Name:    "codemode-bridge",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		_ = inner.Close()
		return bridgeerr.New(bridgeerr.UpstreamError, fmt.Errorf("initialize server %q: %w", c.cfg.Name, err))
	}

	c.mu.Lock()
	c.inner = inner
	c.mu.Unlock()
	return nil
}

// ListTools returns metadata for all tools the upstream server exposes.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	c.mu.RLock()
	inner := c.inner
	c.mu.RUnlock()
	if inner == nil {
		return nil, bridgeerr.New(bridgeerr.UpstreamError, fmt.Errorf("client %q not connected", c.cfg.Name))
	}

	result, err := inner.ListTools(ctx, sdk_mcp.ListToolsRequest{})
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.UpstreamError, fmt.Errorf("list tools %q: %w", c.cfg.Name, err))
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		var outputSchema json.RawMessage
		if t.OutputSchema != nil {
			if encoded, err := json.Marshal(t.OutputSchema); err == nil {
				outputSchema = encoded
			}
		}
		tools = append(tools, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: schema, OutputSchema: outputSchema})
	}
	return tools, nil
}

// CallTool invokes a named tool on the upstream server and returns its
// JSON-decoded structured result (if present) or the concatenated text
// content otherwise.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	c.mu.RLock()
	inner := c.inner
	c.mu.RUnlock()
	if inner == nil {
		return nil, bridgeerr.New(bridgeerr.UpstreamError, fmt.Errorf("client %q not connected", c.cfg.Name))
	}

	req := sdk_mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := inner.CallTool(ctx, req)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.UpstreamError, fmt.Errorf("call tool %q on %q: %w", name, c.cfg.Name, err))
	}

	if result.StructuredContent != nil {
		if result.IsError {
			return nil, bridgeerr.New(bridgeerr.UpstreamError, fmt.Errorf("tool %q returned error", name))
		}
		return result.StructuredContent, nil
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(sdk_mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return nil, bridgeerr.New(bridgeerr.UpstreamError, fmt.Errorf("tool %q returned error: %s", name, text))
	}
	return text, nil
}

// Close terminates the connection and releases resources.
func (c *Client) Close() error {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.mu.Unlock()
	if inner == nil {
		return nil
	}
	return inner.Close()
}
