// Package serve implements the "codemode serve" subcommand: the long-running
// bridge process that wires the Sandbox Runtime, Session Resolver, Upstream
// Client Manager, Discovery tools, and MCP Front Door together and blocks
// until shutdown (spec §5, §6).
//
// Grounded on the teacher's cmd/omega/main.go wiring order (env → registry →
// dependent services → run loop) and alexandrem-coral's cmd/coral-colony
// commands for the cobra subcommand shape.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketomega/codemode-bridge/internal/auth"
	"github.com/pocketomega/codemode-bridge/internal/cli/exitcode"
	"github.com/pocketomega/codemode-bridge/internal/discovery"
	"github.com/pocketomega/codemode-bridge/internal/front"
	"github.com/pocketomega/codemode-bridge/internal/logging"
	"github.com/pocketomega/codemode-bridge/internal/sandbox"
	"github.com/pocketomega/codemode-bridge/internal/session"
	"github.com/pocketomega/codemode-bridge/internal/upstream"
)

var log = logging.For("cli.serve")

const defaultIdleTimeout = 30 * time.Minute

// NewServeCmd builds the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	var (
		configPath   string
		serversFlag  string
		executorType string
		httpAddr     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the codemode bridge server",
		Long: `Starts the codemode bridge: connects to the upstream MCP servers named
in the config file, exposes the sandboxed "eval" tool plus the discovery
tools (get_functions, get_function_schema, search_functions) and "status",
and serves them over stdio by default or streamable HTTP with --http.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var only []string
			if strings.TrimSpace(serversFlag) != "" {
				for _, s := range strings.Split(serversFlag, ",") {
					if s = strings.TrimSpace(s); s != "" {
						only = append(only, s)
					}
				}
			}
			return run(cmd.Context(), options{
				configPath:   configPath,
				only:         only,
				executorType: sandbox.BackendType(executorType),
				httpAddr:     httpAddr,
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "codemode.json", "path to the MCP server config file")
	cmd.Flags().StringVar(&serversFlag, "servers", "", "comma-separated subset of configured server names to connect (default: all)")
	cmd.Flags().StringVar(&executorType, "executor-type", "", "force a sandbox backend: goja, node, container, or insecure (default: auto-detect)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "serve over streamable HTTP at host:port instead of stdio")

	return cmd
}

type options struct {
	configPath   string
	only         []string
	executorType sandbox.BackendType
	httpAddr     string
}

// run wires every bridge component and blocks until the process is asked to
// shut down. Shutdown steps run one after another, not in parallel: upstream
// servers are disconnected when the transport returns, then the config
// watcher and the OAuth token watchers are closed, then every session
// runtime is disposed.
func run(ctx context.Context, opts options) error {
	manager := upstream.NewManager(opts.configPath)
	manager.RegisterVirtualServer(upstream.NewUtilsServer())

	if err := connectUpstreams(ctx, manager, opts); err != nil {
		return err
	}

	schemaCache := discovery.NewSchemaCache(manager)
	searchIndex := discovery.NewSearchIndex(manager)

	factory := sandbox.NewFactory()
	resolver := session.NewResolver(func() (sandbox.Runtime, sandbox.ExecutorInfo, error) {
		return factory.Create(30*time.Second, opts.executorType)
	}, defaultIdleTimeout)
	defer resolver.DisposeAll()

	bootRuntime, bootInfo, err := factory.Create(30*time.Second, opts.executorType)
	if err != nil {
		return exitcode.Wrap(fmt.Errorf("no sandbox backend available: %w", err))
	}
	bootRuntime.Dispose()

	frontDoor := front.NewServer("codemode-bridge", version, resolver, manager, schemaCache, searchIndex, bootInfo)

	manager.AddReloadHook(func(summary string) {
		schemaCache.Clear()
		searchIndex.Invalidate()
		frontDoor.NotifyToolsChanged()
		log.Info().Str("summary", summary).Msg("tool set changed, notified clients")
	})

	tokenWatchers := watchOAuthTokens(opts.configPath)
	defer closeAll(tokenWatchers)

	configWatcher := upstream.NewConfigWatcher(manager)
	if err := configWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("config file watch failed to start, hot-reload disabled")
	}
	defer configWatcher.Close()

	return serveTransport(ctx, frontDoor, manager, opts.httpAddr)
}

// version is stamped at build time via -ldflags; "dev" otherwise.
var version = "dev"

func connectUpstreams(ctx context.Context, manager *upstream.Manager, opts options) error {
	if len(opts.only) == 0 {
		connected, errs := manager.ConnectAll(ctx)
		for _, e := range errs {
			log.Warn().Err(e).Msg("upstream server failed to connect, continuing without it")
		}
		log.Info().Int("connected", connected).Int("failed", len(errs)).Msg("upstream connect finished")
		return nil
	}

	configs, err := upstream.LoadConfig(opts.configPath)
	if err != nil {
		return exitcode.Wrap(err)
	}
	for _, name := range opts.only {
		cfg, ok := configs[name]
		if !ok {
			return exitcode.Wrap(fmt.Errorf("server %q not found in %s", name, opts.configPath))
		}
		if err := manager.ConnectServer(ctx, cfg); err != nil {
			log.Warn().Str("server", name).Err(err).Msg("upstream server failed to connect, continuing without it")
		}
	}
	return nil
}

// watchOAuthTokens starts a TokenStore watch for every configured server
// that names an oauth.tokenFile, so each store's in-memory token follows
// external edits (e.g. by a sibling "codemode auth login" run). The stores
// are not handed to the upstream clients, so these tokens are not sent on
// upstream requests.
func watchOAuthTokens(configPath string) []io_Closer {
	configs, err := upstream.LoadConfig(configPath)
	if err != nil {
		return nil
	}
	var closers []io_Closer
	for name, cfg := range configs {
		if cfg.OAuth == nil || cfg.OAuth.TokenFile == "" {
			continue
		}
		store, err := auth.NewTokenStore(cfg.OAuth.TokenFile)
		if err != nil {
			log.Warn().Str("server", name).Err(err).Msg("failed to open OAuth token store")
			continue
		}
		w, err := store.Watch()
		if err != nil {
			log.Warn().Str("server", name).Err(err).Msg("failed to watch OAuth token file")
			continue
		}
		closers = append(closers, w)
	}
	return closers
}

// io_Closer avoids importing "io" solely for this one-method interface used
// by the token-watcher slice above; filewatch.Watcher already satisfies it.
type io_Closer interface{ Close() error }

func closeAll(closers []io_Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

func serveTransport(ctx context.Context, frontDoor *front.Server, manager *upstream.Manager, httpAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			log.Info().Msg("shutting down, disconnecting upstream servers")
			manager.DisconnectAll()
		})
	}
	defer shutdown()

	if httpAddr != "" {
		httpServer := front.NewHTTPServer(frontDoor, httpAddr)
		httpServer.Start()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}

	return frontDoor.ServeStdio(ctx)
}
