package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pocketomega/codemode-bridge/internal/bridgeerr"
	"github.com/pocketomega/codemode-bridge/internal/logging"
)

var managerLog = logging.For("upstream.manager")

// ReloadHook runs at the end of every Reload, receiving the human-readable
// diff summary (e.g. driving the MCP front door's tool-list-changed
// notification, spec §4.H).
type ReloadHook func(summary string)

// Manager owns the lifecycle of every upstream MCP server connection and is
// the single source of truth for which tools are currently dispatchable
// from the sandbox. Concurrency model: state changes guarded by mu; all
// network I/O happens outside the lock so a slow or hung upstream server
// cannot block unrelated Manager operations.
type Manager struct {
	configPath string

	mu          sync.Mutex
	configs     map[string]ServerConfig
	clients     map[string]*Client // nil entry marks a virtual (in-process) server
	virtual     map[string]VirtualServer
	descriptors map[string][]ToolDescriptor // server -> its tool descriptors
	reloadHooks []ReloadHook
}

// VirtualServer is an in-process tool provider registered directly by the
// bridge itself (spec's supplemented "virtual utils server" feature) rather
// than connected to over a transport — e.g. utils__yaml_parse.
type VirtualServer interface {
	Name() string
	ListTools() []ToolInfo
	CallTool(ctx context.Context, toolName string, args map[string]any) (any, error)
}

// NewManager creates a Manager bound to a codemode.json-shaped config file.
// configPath may be empty when no upstream servers will ever be configured
// (virtual servers only).
func NewManager(configPath string) *Manager {
	return &Manager{
		configPath:  configPath,
		configs:     map[string]ServerConfig{},
		clients:     map[string]*Client{},
		virtual:     map[string]VirtualServer{},
		descriptors: map[string][]ToolDescriptor{},
	}
}

// AddReloadHook registers a hook fired at the end of every Reload.
func (m *Manager) AddReloadHook(hook ReloadHook) {
	m.mu.Lock()
	m.reloadHooks = append(m.reloadHooks, hook)
	m.mu.Unlock()
}

// RegisterVirtualServer wires an in-process tool provider in under its own
// namespace, exactly as if it were a connected upstream server, without
// ever touching the network.
func (m *Manager) RegisterVirtualServer(vs VirtualServer) {
	name := vs.Name()
	descs := make([]ToolDescriptor, 0, len(vs.ListTools()))
	for _, ti := range vs.ListTools() {
		descs = append(descs, newDescriptor(name, ti))
	}
	m.mu.Lock()
	m.virtual[name] = vs
	m.descriptors[name] = descs
	m.mu.Unlock()
	managerLog.Info().Str("server", name).Int("tools", len(descs)).Msg("registered virtual server")
}

// ConnectAll loads the config file and connects every configured server,
// skipping any that fails a security scan or connection attempt. Failures
// are best-effort: one bad server does not prevent others from connecting.
func (m *Manager) ConnectAll(ctx context.Context) (connected int, errs []error) {
	if m.configPath == "" {
		return 0, nil
	}
	configs, err := LoadConfig(m.configPath)
	if err != nil {
		return 0, []error{err}
	}
	for name, cfg := range configs {
		if err := m.ConnectServer(ctx, cfg); err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", name, err))
			continue
		}
		connected++
	}
	return connected, errs
}

// ConnectServerInBackground starts ConnectServer on a goroutine and logs
// the outcome, for servers whose connection latency should not block
// startup of the bridge itself.
func (m *Manager) ConnectServerInBackground(cfg ServerConfig) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.ConnectServer(ctx, cfg); err != nil {
			managerLog.Warn().Str("server", cfg.Name).Err(err).Msg("background connect failed")
			return
		}
		managerLog.Info().Str("server", cfg.Name).Msg("background connect succeeded")
	}()
}

// ConnectServer performs the security scan (stdio only), connects, and
// registers the server's tool descriptors.
func (m *Manager) ConnectServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Transport == "stdio" {
		if blocked, err := m.scanBeforeConnect(cfg); err != nil {
			return err
		} else if blocked {
			return bridgeerr.New(bridgeerr.ConfigValidation, fmt.Errorf("server %q blocked by security scan", cfg.Name))
		}
	}

	cli := NewClient(cfg)
	if err := cli.Connect(ctx); err != nil {
		return err
	}
	tools, err := cli.ListTools(ctx)
	if err != nil {
		_ = cli.Close()
		return err
	}

	descs := make([]ToolDescriptor, 0, len(tools))
	for _, ti := range tools {
		descs = append(descs, newDescriptor(cfg.Name, ti))
	}

	m.mu.Lock()
	m.clients[cfg.Name] = cli
	m.configs[cfg.Name] = cfg
	m.descriptors[cfg.Name] = descs
	m.mu.Unlock()

	managerLog.Info().Str("server", cfg.Name).Str("transport", cfg.Transport).Int("tools", len(tools)).Msg("connected upstream server")
	return nil
}

func (m *Manager) scanBeforeConnect(cfg ServerConfig) (blocked bool, err error) {
	script := findScriptArg(cfg)
	if script == "" {
		return false, nil
	}
	findings, scanErr := ScanScript(script)
	if scanErr != nil {
		managerLog.Warn().Str("server", cfg.Name).Err(scanErr).Msg("security scan failed to run, connecting anyway")
		return false, nil
	}
	if HasCritical(findings) {
		LogFindings(cfg.Name, findings)
		return true, nil
	}
	LogFindings(cfg.Name, findings)
	return false, nil
}

// DisconnectServer closes a server's connection and removes its
// descriptors. Safe to call for an unknown or already-disconnected name.
func (m *Manager) DisconnectServer(name string) {
	m.mu.Lock()
	cli, ok := m.clients[name]
	delete(m.clients, name)
	delete(m.configs, name)
	delete(m.descriptors, name)
	m.mu.Unlock()
	if ok && cli != nil {
		if err := cli.Close(); err != nil {
			managerLog.Warn().Str("server", name).Err(err).Msg("close error during disconnect")
		}
	}
	managerLog.Info().Str("server", name).Msg("disconnected upstream server")
}

// DisconnectAll closes every connected (non-virtual) server.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = map[string]*Client{}
	for name := range clients {
		delete(m.descriptors, name)
	}
	m.configs = map[string]ServerConfig{}
	m.mu.Unlock()

	for name, cli := range clients {
		if cli == nil {
			continue
		}
		if err := cli.Close(); err != nil {
			managerLog.Warn().Str("server", name).Err(err).Msg("close error during disconnect all")
		}
	}
	managerLog.Info().Msg("all upstream connections closed")
}

// GetAllToolDescriptors returns a fresh copy of every currently dispatchable
// tool descriptor, across both connected and virtual servers. Callers
// (discovery tools, the sandbox's codemode.* binder) must never mutate the
// returned slice in place — a fresh copy is returned precisely so they
// don't need to.
func (m *Manager) GetAllToolDescriptors() []ToolDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []ToolDescriptor
	names := make([]string, 0, len(m.descriptors))
	for name := range m.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		all = append(all, m.descriptors[name]...)
	}
	out := make([]ToolDescriptor, len(all))
	copy(out, all)
	return out
}

// GetToolList is an alias of GetAllToolDescriptors kept distinct for
// readability at call sites that care only about the listing use case
// (get_functions) versus dispatch.
func (m *Manager) GetToolList() []ToolDescriptor {
	return m.GetAllToolDescriptors()
}

// GetToolByName finds one descriptor by its qualified name.
func (m *Manager) GetToolByName(qualifiedName string) (ToolDescriptor, bool) {
	for _, d := range m.GetAllToolDescriptors() {
		if d.QualifiedName == qualifiedName {
			return d, true
		}
	}
	return ToolDescriptor{}, false
}

// GetServerToolInfo returns the raw (non-namespaced) ToolInfo list for one
// server, used by the front door's status tool.
func (m *Manager) GetServerToolInfo(serverName string) ([]ToolInfo, bool) {
	m.mu.Lock()
	descs, ok := m.descriptors[serverName]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	infos := make([]ToolInfo, 0, len(descs))
	for _, d := range descs {
		infos = append(infos, ToolInfo{Name: d.ToolName, Description: d.Description, InputSchema: d.InputSchema, OutputSchema: d.OutputSchema})
	}
	return infos, true
}

// GetConnectedServerNames lists every currently connected or registered
// server name, sorted.
func (m *Manager) GetConnectedServerNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.clients)+len(m.virtual))
	for name := range m.clients {
		names = append(names, name)
	}
	for name := range m.virtual {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallTool dispatches a qualified-name call to the owning server, routing
// to a virtual server's in-process CallTool or a connected client's
// CallTool as appropriate. This is the function the sandbox's codemode.*
// binder ultimately calls into (spec §4.A "Tool dispatch").
func (m *Manager) CallTool(ctx context.Context, qualifiedName string, args map[string]any) (any, error) {
	desc, ok := m.GetToolByName(qualifiedName)
	if !ok {
		return nil, bridgeerr.New(bridgeerr.ToolNotFound, fmt.Errorf("no such tool: %s", qualifiedName))
	}

	m.mu.Lock()
	vs, isVirtual := m.virtual[desc.ServerName]
	cli, isClient := m.clients[desc.ServerName]
	m.mu.Unlock()

	if isVirtual {
		return vs.CallTool(ctx, desc.ToolName, args)
	}
	if isClient && cli != nil {
		return cli.CallTool(ctx, desc.ToolName, args)
	}
	return nil, bridgeerr.New(bridgeerr.ToolNotFound, fmt.Errorf("server %q for tool %q is not connected", desc.ServerName, qualifiedName))
}

// configFingerprint serializes the comparable content of a ServerConfig to
// a stable string (encoding/json sorts map keys, giving deterministic
// output for the Headers/Meta maps) so Reload can tell "same name, same
// config" apart from "same name, different config" without hand-rolling a
// field-by-field comparison that would need updating every time
// ServerConfig grows a field.
func configFingerprint(cfg ServerConfig) string {
	b, err := json.Marshal(cfg)
	if err != nil {
		// Unmarshalable content (shouldn't happen for a config round-tripped
		// through LoadConfig) is treated as always-changed rather than
		// silently equal.
		return fmt.Sprintf("unmarshalable:%p", &cfg)
	}
	return string(b)
}

// Reload re-reads the config file and applies a diff: removed servers are
// disconnected, added servers are scanned and connected, servers present in
// both snapshots but whose configuration content differs are disconnected
// and reconnected (a name reused for a different command/URL/headers must
// not silently keep the old connection), and truly unchanged servers are
// left untouched. Returns a human-readable summary.
func (m *Manager) Reload(ctx context.Context) (string, error) {
	if m.configPath == "" {
		return "no config file configured, nothing to reload", nil
	}
	newConfigs, err := LoadConfig(m.configPath)
	if err != nil {
		// Parse-failure-keeps-old-snapshot: a broken config file must not
		// tear down a working set of connections.
		return "", err
	}

	m.mu.Lock()
	var toRemove []string
	var toAdd []ServerConfig
	unchanged := 0
	for name := range m.configs {
		if _, exists := newConfigs[name]; !exists {
			toRemove = append(toRemove, name)
		}
	}
	for name, cfg := range newConfigs {
		old, exists := m.configs[name]
		switch {
		case !exists:
			toAdd = append(toAdd, cfg)
		case configFingerprint(old) != configFingerprint(cfg):
			toRemove = append(toRemove, name)
			toAdd = append(toAdd, cfg)
		default:
			unchanged++
		}
	}
	m.mu.Unlock()

	for _, name := range toRemove {
		m.DisconnectServer(name)
	}

	added := 0
	var notices []string
	for _, cfg := range toAdd {
		if err := m.ConnectServer(ctx, cfg); err != nil {
			notices = append(notices, fmt.Sprintf("[WARNING] %s: %v", cfg.Name, err))
			continue
		}
		added++
	}

	summary := fmt.Sprintf("reload: +%d connected, -%d removed, %d unchanged", added, len(toRemove), unchanged)
	if len(notices) > 0 {
		summary += "\n" + strings.Join(notices, "\n")
	}

	m.mu.Lock()
	hooks := make([]ReloadHook, len(m.reloadHooks))
	copy(hooks, m.reloadHooks)
	m.mu.Unlock()
	for _, hook := range hooks {
		hook(summary)
	}

	return summary, nil
}
