// Package app wires the portforge command tree: sync, install, remove,
// upgrade, depclean and status.
package app

import (
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/portforge/internal/logging"
)

var (
	flagConfig  string
	flagVerbose int

	// RootCmd is the root command for portforge.
	RootCmd = &cobra.Command{
		Use:   "portforge",
		Short: "Source-based package manager with transactional installs",
		Long: `portforge resolves, builds and merges packages from a ports tree of
YAML manifests. Every install, upgrade or removal runs as one atomic
transaction: database writes and filesystem changes either all land or
are all rolled back.

Quick start:
  1. portforge sync                # scan the ports tree
  2. portforge install app-editors/vim
  3. portforge status

Examples:
  # Preview a resolution without touching anything
  portforge install --pretend ">=net-misc/curl-8.6.0"

  # Remove a package and everything only it needed
  portforge remove net-misc/curl
  portforge depclean

  # Upgrade the world set
  portforge upgrade`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetupLogger(flagVerbose)
		},
	}
)

func init() {
	RootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: XDG config dir)")
	RootCmd.PersistentFlags().CountVarP(&flagVerbose, "verbose", "v", "increase log verbosity (-v info, -vv debug)")

	RootCmd.SuggestionsMinimumDistance = 2
}

// Execute runs the root command.
func Execute() error {
	return RootCmd.Execute()
}
