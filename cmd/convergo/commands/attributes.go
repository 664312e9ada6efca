package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/convergo/pkg/attributes"
)

func newAttributesCommand(opts *globalOptions) *cobra.Command {
	var definition string

	cmd := &cobra.Command{
		Use:     "attributes",
		Aliases: []string{"attr"},
		Short:   "Inspect the merged attributes of a run definition",
	}
	cmd.PersistentFlags().StringVarP(&definition, "definition", "d", ".", "run definition file or directory")

	getCmd := &cobra.Command{
		Use:   "get [path]",
		Short: "Print the effective value at a dotted path",
		Example: `  convergo attributes get db.service_type -d ./block-storage
  convergo attributes get -d ./block-storage --attr cinder.debug=true`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := opts.load(cmd.Context(), definition)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return writeJSON(cmd.OutOrStdout(), l.view.Tree())
			}
			value, err := l.view.Get(attributes.ParsePath(args[0]))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), value.Interface())
		},
	}

	explainCmd := &cobra.Command{
		Use:   "explain <path>",
		Short: "Show the value every precedence level holds for a path",
		Long: `Explain lists the levels that set a path, highest precedence first.
The first line is the value converge uses for scalars; maps are deep-merged
across all of them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := opts.load(cmd.Context(), definition)
			if err != nil {
				return err
			}
			path := attributes.ParsePath(args[0])
			chain := l.view.Explain(path)
			if len(chain) == 0 {
				return &attributes.NotFoundError{Path: path}
			}

			if opts.jsonOutput {
				out := make([]map[string]interface{}, len(chain))
				for i, p := range chain {
					out[i] = map[string]interface{}{"level": p.Level.String(), "value": p.Value.Interface()}
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 1, 2, ' ', 0)
			fmt.Fprintln(tw, "LEVEL\tVALUE")
			for _, p := range chain {
				fmt.Fprintf(tw, "%s\t%s\n", p.Level, p.Value)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(getCmd, explainCmd)
	return cmd
}
