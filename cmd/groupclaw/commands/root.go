// Package commands implements the GroupClaw CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "groupclaw",
		Short: "GroupClaw - sandboxed AI agents for chat groups",
		Long: `GroupClaw hosts one AI agent per chat group, each running inside
its own container sandbox with an isolated workspace.

Examples:
  groupclaw serve
  groupclaw setup
  groupclaw console --group 123@g.us
  groupclaw status`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newConsoleCmd(),
		newStatusCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
