// Knowd is the local knowledge daemon for AI coding assistants: a persistent
// fact store with semantic recall, PRD context assembly, and background sync
// with a team knowledge service.
//
// Usage:
//
//	# Start the MCP stdio server with background sync
//	knowd serve
//
//	# Run one manual sync pass
//	knowd sync
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configFile is the --config flag, empty for the default location.
var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "knowd",
	Short: "Local knowledge daemon for AI coding assistants",
	Long: `knowd stores facts learned during coding sessions, recalls them by
semantic similarity, assembles PRD context for tasks, and keeps a team
knowledge base in sync through a remote service.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: ~/.config/knowd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("knowd by Fyrsmith Labs\n")
		cmd.Printf("Version:    %s\n", version)
		cmd.Printf("Commit:     %s\n", gitCommit)
		cmd.Printf("Build Date: %s\n", buildDate)
	},
}
