package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loomctl/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		return nil
	},
}
