package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Zereker/cardwire"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and protocol revision",
	// Skip config loading so version works without a valid environment.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cardwire %s (protocol %d)\n", version, cardwire.ProtocolVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
