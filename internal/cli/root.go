// Package cli implements the rollout command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/rollout/internal/config"
	"github.com/xiaot623/gogo/rollout/internal/registry"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Manifest string

	// Config is loaded from the environment; flags override it.
	Config *config.Config
}

// NewRootCommand creates the root command for the rollout CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{Config: config.Load()}

	cmd := &cobra.Command{
		Use:   "rollout",
		Short: "Debug and replay agent rollouts",
		Long: `Re-run a recorded agent execution locally while the dashboard drives it,
replaying model calls from the recorded trace instead of calling live providers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Manifest, "manifest", opts.Config.Manifest, "function registry file")

	// Add subcommands
	cmd.AddCommand(NewDevCommand(opts))
	cmd.AddCommand(NewFunctionsCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewSpansCommand(opts))
	cmd.AddCommand(NewTailCommand(opts))

	return cmd
}

func (o *RootOptions) loadRegistry() (*registry.Registry, error) {
	return registry.Load(o.Manifest)
}
