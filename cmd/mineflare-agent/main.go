// Command mineflare-agent hosts the program registry and runner over a
// CLI: a cobra root command with config/verbose persistent flags and one
// subcommand file per concern.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "mineflare-agent",
	Short:   "Program registry and sandboxed runner for the game agent",
	Long:    `mineflare-agent hosts named, sandboxed programs against a bound game agent: add/update/remove/run them, inspect invocation history, and expose Prometheus metrics.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(programCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
