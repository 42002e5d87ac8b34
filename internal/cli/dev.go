package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/rollout/internal/app"
)

// DevOptions holds flags for the dev command.
type DevOptions struct {
	*RootOptions
	Port  int
	Watch bool
}

// NewDevCommand creates the dev command.
func NewDevCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DevOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dev <function>",
		Short: "Start a debugging session for a function",
		Long: `Start one debugging session for a registered function.

The session announces itself to the backend, serves recorded model calls to the
worker on a loopback cache server and runs the function whenever the dashboard
asks. It runs until interrupted.

Example:
  rollout dev agent
  rollout dev agent --manifest ./rollout.yaml --port 4200 --watch=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDev(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Port, "port", rootOpts.Config.CachePort, "first port probed by the cache server")
	cmd.Flags().BoolVar(&opts.Watch, "watch", rootOpts.Config.Watch, "re-run when source files change")

	return cmd
}

func runDev(ctx context.Context, opts *DevOptions, name string, cmd *cobra.Command) error {
	reg, err := opts.loadRegistry()
	if err != nil {
		return err
	}
	fn, ok := reg.Lookup(name)
	if !ok {
		return fmt.Errorf("function %q not found in %s (available: %s)", name, opts.Manifest, strings.Join(reg.Names(), ", "))
	}

	cfg := *opts.Config
	cfg.CachePort = opts.Port
	cfg.Watch = opts.Watch

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := app.New(ctx, app.Options{
		Config:   &cfg,
		Function: fn,
		Verbose:  opts.Verbose,
		Out:      cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}
	return session.Run(ctx)
}
