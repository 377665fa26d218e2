// Command server is the loomctl entrypoint: a cobra CLI exposing serve,
// migrate, and version subcommands, mirroring the teacher's cobra+viper
// root-command shape trimmed to this module's own surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"loomctl/internal/version"
)

// cfgFile is the optional TOML file internal/config.Load falls back to for
// any key not already set via environment variable.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "loomctl",
	Short:   "loomctl coordinates multi-step agent workflows",
	Version: version.String(),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional TOML config file (env vars take priority)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
