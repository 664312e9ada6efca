package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGraphCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "graph [definition]",
		Short: "Print the resource graph in DOT format",
		Long: `Graph prints the ordered resources of a run definition as a Graphviz
digraph. Solid edges are dependencies; dashed edges are notifications, red
when immediate.`,
		Example: `  convergo graph ./block-storage | dot -Tsvg > graph.svg`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, graph, err := opts.plan(cmd.Context(), definitionArg(args))
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(cmd.OutOrStdout(), graph.Order())
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), graph.ToDOT())
			return err
		},
	}
}
