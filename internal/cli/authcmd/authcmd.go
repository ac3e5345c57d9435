// Package authcmd implements the "codemode auth" subcommands for managing
// the OAuth token files named by a server's oauth.tokenFile. The upstream
// clients do not attach these tokens to their requests.
// There is no interactive authorization-code flow here: a caller obtains a
// token however its provider requires (browser flow, device code, a
// separately-run helper) and hands it to "auth login" to persist, matching
// the shape internal/auth.TokenStore already watches for external edits.
package authcmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketomega/codemode-bridge/internal/auth"
	"github.com/pocketomega/codemode-bridge/internal/cli/exitcode"
	"github.com/pocketomega/codemode-bridge/internal/upstream"
)

// NewAuthCmd builds the "auth" command group.
func NewAuthCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage OAuth tokens for upstream MCP servers",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "codemode.json", "path to the MCP server config file")

	cmd.AddCommand(newLoginCmd(&configPath))
	cmd.AddCommand(newLogoutCmd(&configPath))
	cmd.AddCommand(newListCmd(&configPath))
	return cmd
}

func tokenFileFor(configPath, server string) (string, error) {
	configs, err := upstream.LoadConfig(configPath)
	if err != nil {
		return "", exitcode.Wrap(err)
	}
	cfg, ok := configs[server]
	if !ok {
		return "", exitcode.Wrap(fmt.Errorf("server %q not found in %s", server, configPath))
	}
	if cfg.OAuth == nil || cfg.OAuth.TokenFile == "" {
		return "", exitcode.Wrap(fmt.Errorf("server %q has no oauth.tokenFile configured", server))
	}
	return cfg.OAuth.TokenFile, nil
}

func newLoginCmd(configPath *string) *cobra.Command {
	var (
		accessToken  string
		refreshToken string
		expiresIn    int64
	)
	cmd := &cobra.Command{
		Use:   "login <server>",
		Short: "Persist an OAuth access token for a configured server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := args[0]
			if accessToken == "" {
				return exitcode.Wrap(fmt.Errorf("--token is required"))
			}
			tokenFile, err := tokenFileFor(*configPath, server)
			if err != nil {
				return err
			}
			store, err := auth.NewTokenStore(tokenFile)
			if err != nil {
				return fmt.Errorf("open token store for %q: %w", server, err)
			}
			err = store.Save(auth.Token{
				AccessToken:  accessToken,
				RefreshToken: refreshToken,
				ExpiresIn:    expiresIn,
				LastUpdated:  time.Now().UnixMilli(),
			})
			if err != nil {
				return fmt.Errorf("save token for %q: %w", server, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved token for %q to %s\n", server, tokenFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&accessToken, "token", "", "the OAuth access token (required)")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "the OAuth refresh token, if any")
	cmd.Flags().Int64Var(&expiresIn, "expires-in", 3600, "token lifetime in seconds")
	return cmd
}

func newLogoutCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout <server>",
		Short: "Erase the persisted OAuth token for a configured server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := args[0]
			tokenFile, err := tokenFileFor(*configPath, server)
			if err != nil {
				return err
			}
			store, err := auth.NewTokenStore(tokenFile)
			if err != nil {
				return fmt.Errorf("open token store for %q: %w", server, err)
			}
			if err := store.Save(auth.Token{}); err != nil {
				return fmt.Errorf("clear token for %q: %w", server, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared token for %q\n", server)
			return nil
		},
	}
}

func newListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured servers and whether each has a live token",
		RunE: func(cmd *cobra.Command, args []string) error {
			configs, err := upstream.LoadConfig(*configPath)
			if err != nil {
				return exitcode.Wrap(err)
			}
			names := make([]string, 0, len(configs))
			for name, cfg := range configs {
				if cfg.OAuth != nil && cfg.OAuth.TokenFile != "" {
					names = append(names, name)
				}
			}
			sort.Strings(names)
			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no oauth-configured servers")
				return nil
			}
			for _, name := range names {
				cfg := configs[name]
				store, err := auth.NewTokenStore(cfg.OAuth.TokenFile)
				status := "no token"
				if err == nil {
					if tok, loaded := store.Get(); loaded {
						if tok.Expired(time.Now()) {
							status = "expired"
						} else {
							status = "valid"
						}
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, status)
			}
			return nil
		},
	}
}
