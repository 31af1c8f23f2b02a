// Package cli implements the wabridge command-line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/wabridge/wabridge/bridge"
)

var (
	version    = "dev"
	bridgeOpts bridge.Options
)

// NewRootCmd creates the root cobra command for wabridge.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string, opts bridge.Options) *cobra.Command {
	version = v
	bridgeOpts = opts

	root := &cobra.Command{
		Use:   "wabridge",
		Short: "wabridge bridges one persistent messaging session per user to many clients",
		Long: "wabridge maintains one automation session per user against the messaging " +
			"engine and fans its events out to every subscribed WebSocket client.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}
