/*
main.go - Application entry point

PURPOSE:
  Command-line front end of WalletBot. The serve command runs the bot; the
  other commands inspect the ledger database offline.

COMMANDS:
  walletbot serve                         Run the bot (and the HTTP API if http.addr is set)
  walletbot balance <chat-id> [wallet]    Print wallet balances, or one wallet's history
  walletbot audit <chat-id>               Replay every wallet and compare balances
  walletbot config init [path]            Write a config file with the defaults

CONFIGURATION:
  --config points at an optional YAML file. A .env file in the working
  directory and the process environment override it (see config/config.go).

EXAMPLES:
  TELEGRAM_BOT_TOKEN=... walletbot serve
  walletbot --config walletbot.yaml balance -1001234567890 支付宝

SEE ALSO:
  - serve.go: Startup and graceful shutdown
  - query.go: Offline ledger commands
  - configcmd.go: Config file scaffolding
*/
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ModerRAS/WalletBot/config"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCommand creates the root CLI command with all subcommands registered.
func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "walletbot",
		Short:   "Chat-driven wallet ledger bot",
		Version: version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	load := func() (*config.Config, error) { return config.Load(configPath) }

	rootCmd.AddCommand(newServeCommand(load))
	rootCmd.AddCommand(newBalanceCommand(load))
	rootCmd.AddCommand(newAuditCommand(load))
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
