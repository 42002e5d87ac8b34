package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewFunctionsCommand creates the functions command.
func NewFunctionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "functions",
		Short: "List the functions in the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := rootOpts.loadRegistry()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tFUNCTION\tPARAMS\tCOMMAND")
			for _, name := range reg.Names() {
				fn, _ := reg.Lookup(name)
				params := make([]string, len(fn.Params))
				for i, p := range fn.Params {
					params[i] = p.Name
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", fn.Name, fn.Function, strings.Join(params, ","), strings.Join(fn.Command, " "))
			}
			return w.Flush()
		},
	}
}
