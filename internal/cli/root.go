// Package cli holds the ytgifyd command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X .../internal/cli.version=...".
var version = "dev"

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ytgifyd",
		Short:         "Background orchestrator for clip-to-GIF frame jobs and platform sessions.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(newServeCmd(), newSendCmd())
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
