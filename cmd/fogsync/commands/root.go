// Package commands implements the fogsync CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "fogsync",
	Short: "fogsync - map coverage snapshot service",
	Long: `fogsync keeps versioned snapshots of a Fog of World sync folder.

It periodically fetches the folder from a OneDrive share, stores every
version as a content-addressed snapshot, and can diff consecutive
snapshots into a journey archive.

Use "fogsync [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment only)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
