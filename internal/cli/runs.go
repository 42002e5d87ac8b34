package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/rollout/internal/repository"
)

// RunsOptions holds flags for the runs commands.
type RunsOptions struct {
	*RootOptions
	Database  string
	SessionID string
	Types     []string
	Limit     int
}

// NewRunsCommand creates the runs command, which reads the local run log.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs recorded in the local run log",
		Long: `List the runs recorded in a run log database, oldest first. Sessions record
their runs when ROLLOUT_DB names a database file.

Example:
  rollout runs --db ./rollout.db --session sess_1a2b3c4d
  rollout runs events run_5e6f7a8b --db ./rollout.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunsList(opts, cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", rootOpts.Config.DatabaseURL, "path to SQLite database")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "only list runs of this session")
	cmd.AddCommand(newRunEventsCommand(opts))

	return cmd
}

func newRunEventsCommand(opts *RunsOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <run_id>",
		Short: "Show the event log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunEvents(opts, args[0], cmd)
		},
	}
	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "only show events of these types")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events (0 for all)")
	return cmd
}

func (o *RunsOptions) open() (*repository.SQLiteStore, error) {
	if o.Database == "" || o.Database == ":memory:" {
		return nil, fmt.Errorf("--db must name a database file")
	}
	return repository.NewSQLiteStore(o.Database)
}

func runRunsList(opts *RunsOptions, cmd *cobra.Command) error {
	st, err := opts.open()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(cmd.Context(), opts.SessionID)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSESSION\tFUNCTION\tSTATUS\tSTARTED\tDURATION")
	for _, run := range runs {
		duration := "-"
		if run.EndedAt != nil {
			duration = run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", run.RunID, run.SessionID, orDash(run.Function),
			run.Status, run.StartedAt.Local().Format(time.RFC3339), duration)
	}
	return w.Flush()
}

func runRunEvents(opts *RunsOptions, runID string, cmd *cobra.Command) error {
	st, err := opts.open()
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.GetRun(cmd.Context(), runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %q not found", runID)
	}

	events, err := st.GetEvents(cmd.Context(), runID, opts.Types, opts.Limit)
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s", run.RunID, run.Status)
	if run.TraceID != "" {
		fmt.Fprintf(out, " trace=%s", run.TraceID)
	}
	fmt.Fprintln(out)
	if len(run.Error) > 0 {
		fmt.Fprintf(out, "error: %s\n", run.Error)
	}
	for _, ev := range events {
		fmt.Fprintf(out, "%s  %-14s %s\n", time.UnixMilli(ev.Ts).Local().Format("15:04:05.000"), ev.Type, ev.Payload)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
