// Command codemode is the codemode-bridge CLI: "serve" runs the bridge
// itself; "config" and "auth" manage its on-disk configuration between
// runs. Wiring pattern grounded on alexandrem-coral's cmd/coral-colony:
// a flat cobra root with SilenceUsage/SilenceErrors, each subcommand
// package exposing its own NewXCmd constructor.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pocketomega/codemode-bridge/internal/cli/authcmd"
	"github.com/pocketomega/codemode-bridge/internal/cli/configcmd"
	"github.com/pocketomega/codemode-bridge/internal/cli/exitcode"
	"github.com/pocketomega/codemode-bridge/internal/cli/serve"
	"github.com/pocketomega/codemode-bridge/internal/logging"
	"github.com/pocketomega/codemode-bridge/pkg/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	config.LoadEnv()
	logging.Init(os.Getenv("LOG_FORMAT"))

	rootCmd := &cobra.Command{
		Use:           "codemode",
		Short:         "A sandboxed codemode bridge between an MCP host and its upstream tool servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serve.NewServeCmd())
	rootCmd.AddCommand(configcmd.NewConfigCmd())
	rootCmd.AddCommand(authcmd.NewAuthCmd())

	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "codemode: %v\n", err)
	}
	return exitcode.For(err)
}
