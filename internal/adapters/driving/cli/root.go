// Package cli is the command line of the ingestd process.
//
// Running ingestd with no subcommand starts the supervisor for every enabled
// stream in the configuration file and blocks until SIGINT or SIGTERM.
// The validate and status subcommands read the same file without starting
// any worker.
package cli

import (
	"github.com/spf13/cobra"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "ingestd.toml"

// version is set at build time.
var version = "dev"

// configPath is the --config flag.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "ingestd",
	Short: "Pull events from vendor APIs and forward them to an intake",
	Long: `ingestd polls configured sources (vendor event APIs, object indexes and
audit feeds), deduplicates what it reads and forwards it to a single intake,
keeping a durable cursor per stream so a restart resumes where it stopped.

With no subcommand it runs every enabled stream until interrupted.`,
	SilenceUsage: true,
	RunE:         runRun,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", DefaultConfigPath, "path to the TOML configuration file")
}

// Execute runs the root command with the build version.
func Execute(v string) error {
	if v != "" {
		version = v
	}
	return rootCmd.Execute()
}
