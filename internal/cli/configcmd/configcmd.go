// Package configcmd implements the "codemode config" subcommands for
// managing the upstream MCP server entries in a codemode.json file (spec
// §6's config surface), operating directly on the file rather than through
// a running bridge process.
//
// Grounded on alexandrem-coral's internal/cli/config package for the
// add/remove/edit/show/list/info subcommand shape, and on
// internal/upstream.ServerConfig/OAuthConfig for the entry schema.
package configcmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pocketomega/codemode-bridge/internal/cli/exitcode"
	"github.com/pocketomega/codemode-bridge/internal/upstream"
)

// fileShape mirrors codemode.json's top-level shape. Kept local since
// upstream's equivalent type is unexported: ServerConfig's own JSON tags
// are what actually defines the on-disk schema, so duplicating the wrapper
// struct carries no risk of drifting from it.
type fileShape struct {
	MCPServers map[string]upstream.ServerConfig `json:"mcpServers"`
}

func load(path string) (fileShape, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fileShape{MCPServers: map[string]upstream.ServerConfig{}}, nil
	}
	if err != nil {
		return fileShape{}, exitcode.Wrap(fmt.Errorf("read %s: %w", path, err))
	}
	var f fileShape
	if err := json.Unmarshal(data, &f); err != nil {
		return fileShape{}, exitcode.Wrap(fmt.Errorf("parse %s: %w", path, err))
	}
	if f.MCPServers == nil {
		f.MCPServers = map[string]upstream.ServerConfig{}
	}
	return f, nil
}

func save(path string, f fileShape) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// NewConfigCmd builds the "config" command group.
func NewConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage upstream MCP server configuration",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "codemode.json", "path to the MCP server config file")

	cmd.AddCommand(newAddCmd(&configPath))
	cmd.AddCommand(newRemoveCmd(&configPath))
	cmd.AddCommand(newEditCmd(&configPath))
	cmd.AddCommand(newShowCmd(&configPath))
	cmd.AddCommand(newListCmd(&configPath))
	cmd.AddCommand(newInfoCmd(&configPath))
	return cmd
}

func newAddCmd(configPath *string) *cobra.Command {
	var (
		transport string
		command   string
		argsCSV   string
		url       string
		tokenFile string
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a new upstream MCP server entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			f, err := load(*configPath)
			if err != nil {
				return err
			}
			if _, exists := f.MCPServers[name]; exists {
				return exitcode.Wrap(fmt.Errorf("server %q already exists, use 'config edit'", name))
			}

			entry := upstream.ServerConfig{Transport: transport, Command: command, URL: url}
			if argsCSV != "" {
				entry.Args = strings.Split(argsCSV, ",")
			}
			if tokenFile != "" {
				entry.OAuth = &upstream.OAuthConfig{TokenFile: tokenFile}
			}
			if err := validate(name, entry); err != nil {
				return exitcode.Wrap(err)
			}

			f.MCPServers[name] = entry
			if err := save(*configPath, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added server %q\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "stdio", "stdio, sse, or http")
	cmd.Flags().StringVar(&command, "command", "", "stdio: the executable to run")
	cmd.Flags().StringVar(&argsCSV, "args", "", "stdio: comma-separated command arguments")
	cmd.Flags().StringVar(&url, "url", "", "sse/http: the server URL")
	cmd.Flags().StringVar(&tokenFile, "oauth-token-file", "", "http: path to the persisted OAuth token")
	return cmd
}

func validate(name string, cfg upstream.ServerConfig) error {
	switch cfg.Transport {
	case "stdio":
		if cfg.Command == "" {
			return fmt.Errorf("server %q: stdio transport requires --command", name)
		}
	case "sse", "http":
		if cfg.URL == "" {
			return fmt.Errorf("server %q: %s transport requires --url", name, cfg.Transport)
		}
	default:
		return fmt.Errorf("server %q: unknown transport %q", name, cfg.Transport)
	}
	return nil
}

func newRemoveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove an upstream MCP server entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			f, err := load(*configPath)
			if err != nil {
				return err
			}
			if _, exists := f.MCPServers[name]; !exists {
				return exitcode.Wrap(fmt.Errorf("server %q not found", name))
			}
			delete(f.MCPServers, name)
			if err := save(*configPath, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed server %q\n", name)
			return nil
		},
	}
}

func newEditCmd(configPath *string) *cobra.Command {
	var (
		transport string
		command   string
		argsCSV   string
		url       string
		tokenFile string
	)
	cmd := &cobra.Command{
		Use:   "edit <name>",
		Short: "Update fields of an existing upstream MCP server entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			f, err := load(*configPath)
			if err != nil {
				return err
			}
			entry, exists := f.MCPServers[name]
			if !exists {
				return exitcode.Wrap(fmt.Errorf("server %q not found, use 'config add'", name))
			}

			if cmd.Flags().Changed("transport") {
				entry.Transport = transport
			}
			if cmd.Flags().Changed("command") {
				entry.Command = command
			}
			if cmd.Flags().Changed("args") {
				entry.Args = strings.Split(argsCSV, ",")
			}
			if cmd.Flags().Changed("url") {
				entry.URL = url
			}
			if cmd.Flags().Changed("oauth-token-file") {
				entry.OAuth = &upstream.OAuthConfig{TokenFile: tokenFile}
			}
			if err := validate(name, entry); err != nil {
				return exitcode.Wrap(err)
			}

			f.MCPServers[name] = entry
			if err := save(*configPath, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated server %q\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "stdio, sse, or http")
	cmd.Flags().StringVar(&command, "command", "", "stdio: the executable to run")
	cmd.Flags().StringVar(&argsCSV, "args", "", "stdio: comma-separated command arguments")
	cmd.Flags().StringVar(&url, "url", "", "sse/http: the server URL")
	cmd.Flags().StringVar(&tokenFile, "oauth-token-file", "", "http: path to the persisted OAuth token")
	return cmd
}

func newShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print one server entry as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			f, err := load(*configPath)
			if err != nil {
				return err
			}
			entry, exists := f.MCPServers[name]
			if !exists {
				return exitcode.Wrap(fmt.Errorf("server %q not found", name))
			}
			data, _ := json.MarshalIndent(entry, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured server names",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := load(*configPath)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(f.MCPServers))
			for name := range f.MCPServers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, f.MCPServers[name].Transport)
			}
			return nil
		},
	}
}

func newInfoCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Summarize the config file (path, server count, transports)",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := load(*configPath)
			if err != nil {
				return err
			}
			counts := map[string]int{}
			for _, cfg := range f.MCPServers {
				counts[cfg.Transport]++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config: %s\n", *configPath)
			fmt.Fprintf(cmd.OutOrStdout(), "servers: %d\n", len(f.MCPServers))
			transports := make([]string, 0, len(counts))
			for t := range counts {
				transports = append(transports, t)
			}
			sort.Strings(transports)
			for _, t := range transports {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d\n", t, counts[t])
			}
			return nil
		},
	}
}
