package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/rollout/internal/domain"
	"github.com/xiaot623/gogo/rollout/internal/repository"
)

// SpansOptions holds flags for the spans commands.
type SpansOptions struct {
	*RootOptions
	Database string
	TraceID  string
}

// NewSpansCommand creates the spans command group.
func NewSpansCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spans",
		Short: "Manage the local span store",
	}
	cmd.AddCommand(newSpansImportCommand(rootOpts))
	return cmd
}

func newSpansImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SpansOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <file.jsonl>",
		Short: "Import recorded spans for local replay",
		Long: `Import recorded spans, one JSON object per line, into the local SQLite span
store. Sessions started with ROLLOUT_TRACE_SOURCE=sqlite replay from it.

Example:
  rollout spans import ./trace.jsonl --trace t1 --db ./rollout.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSpansImport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", rootOpts.Config.DatabaseURL, "path to SQLite database")
	cmd.Flags().StringVar(&opts.TraceID, "trace", "", "trace id for spans that carry none")

	return cmd
}

func runSpansImport(opts *SpansOptions, path string, cmd *cobra.Command) error {
	if opts.Database == "" || opts.Database == ":memory:" {
		return fmt.Errorf("--db must name a database file")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open spans: %w", err)
	}
	defer f.Close()

	spans, err := readSpans(f, opts.TraceID)
	if err != nil {
		return err
	}

	st, err := repository.NewSQLiteStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.InsertSpans(cmd.Context(), spans); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d spans into %s\n", len(spans), opts.Database)
	return nil
}

// readSpans decodes one span per non-empty line.
func readSpans(r io.Reader, traceID string) ([]domain.Span, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var spans []domain.Span
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var span domain.Span
		if err := json.Unmarshal([]byte(text), &span); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if span.TraceID == "" {
			span.TraceID = traceID
		}
		spans = append(spans, span)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read spans: %w", err)
	}
	return spans, nil
}
