package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Real-time presence and messaging server",
	Long: `parley coordinates presence, rooms and message delivery for WebSocket clients.

Available commands:
  serve     Run the server (default)
  token     Mint a development identity token
  tail      Connect as a client and print every event
  version   Print the version

Use "parley [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
