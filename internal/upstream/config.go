// Package upstream implements the Upstream Client Manager (spec §4.E) and
// the Config Watcher (spec §4.F): connecting to, namespacing the tools of,
// and hot-reloading the set of upstream MCP servers a codemode-bridge
// process proxies into its sandbox.
//
// Adapted from the teacher's internal/mcp package (Pocket-Omega), which
// solved the same "connect to N configured MCP servers, register their
// tools, hot-reload on config change" problem for an agent's own tool
// registry. Here the registered artifact is a ToolDescriptor consumed by
// the sandbox's codemode.* dispatch table instead of a tool.Tool bound into
// an LLM agent loop.
package upstream

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pocketomega/codemode-bridge/internal/bridgeerr"
)

// configFile mirrors codemode.json's top-level shape.
type configFile struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig describes a single upstream MCP server connection entry.
// Name is populated from the map key, never from a JSON field.
type ServerConfig struct {
	Name      string            `json:"-"`
	Transport string            `json:"transport"`           // "stdio" | "sse" | "http"
	Command   string            `json:"command,omitempty"`   // stdio
	Args      []string          `json:"args,omitempty"`      // stdio
	Env       []string          `json:"env,omitempty"`       // stdio
	URL       string            `json:"url,omitempty"`       // sse | http
	Headers   map[string]string `json:"headers,omitempty"`   // http only (the sse client does not send them), e.g. bearer tokens
	OAuth     *OAuthConfig      `json:"oauth,omitempty"`      // http only
	Meta      map[string]any    `json:"_meta,omitempty"`
}

// OAuthConfig names where a server's OAuth access token is persisted
// between bridge restarts.
type OAuthConfig struct {
	TokenFile string `json:"tokenFile,omitempty"`
}

// LoadConfig reads and parses a codemode.json-shaped file at path.
func LoadConfig(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bridgeerr.New(bridgeerr.ConfigParse, fmt.Errorf("read config %q: %w", path, err))
	}
	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, bridgeerr.New(bridgeerr.ConfigParse, fmt.Errorf("parse config %q: %w", path, err))
	}
	if file.MCPServers == nil {
		return map[string]ServerConfig{}, nil
	}
	for key, cfg := range file.MCPServers {
		cfg.Name = key
		if err := validateServerConfig(cfg); err != nil {
			return nil, bridgeerr.New(bridgeerr.ConfigValidation, fmt.Errorf("server %q: %w", key, err))
		}
		file.MCPServers[key] = cfg
	}
	return file.MCPServers, nil
}

func validateServerConfig(cfg ServerConfig) error {
	switch cfg.Transport {
	case "stdio":
		if cfg.Command == "" {
			return fmt.Errorf("stdio transport requires command")
		}
	case "sse", "http":
		if cfg.URL == "" {
			return fmt.Errorf("%s transport requires url", cfg.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	return nil
}
