package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/openfroyo/convergo/pkg/config"
	"github.com/openfroyo/convergo/pkg/engine"
	"github.com/openfroyo/convergo/pkg/policy"
	"github.com/openfroyo/convergo/pkg/transports"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [definition]",
		Short: "Check a run definition without touching the node",
		Long: `Validate parses the run definition, merges its attributes, runs its
recipes, checks its policies and orders its resources. Nothing is probed or
changed. With --json the resolved declarations are printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.validate(cmd.Context(), cmd.OutOrStdout(), definitionArg(args))
		},
	}
}

func (o *globalOptions) validate(ctx context.Context, w io.Writer, path string) error {
	l, graph, err := o.plan(ctx, path)
	if err != nil {
		return err
	}

	result, err := o.checkPolicies(ctx, l, true, nil)
	var denied *policy.DeniedError
	if err != nil && !errors.As(err, &denied) {
		return err
	}

	if o.jsonOutput {
		data, jerr := config.ExportJSON(l.decls)
		if jerr != nil {
			return jerr
		}
		if _, jerr := w.Write(append(data, '\n')); jerr != nil {
			return jerr
		}
	} else {
		writeViolations(w, result)
		if denied == nil {
			fmt.Fprintf(w, "valid: %d resources, %d edges\n", graph.Len(), len(graph.Edges()))
		}
	}

	if denied != nil {
		return &ExitError{Code: 1, Err: denied}
	}
	return nil
}

// plan loads the definition and orders it with providers bound to the local
// machine. Nothing is probed.
func (o *globalOptions) plan(ctx context.Context, path string) (*loaded, *engine.Graph, error) {
	l, err := o.load(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	n, err := o.openNode(ctx, l, transports.NewLocal())
	if err != nil {
		return nil, nil, err
	}
	defer n.Close(context.WithoutCancel(ctx))

	graph, err := buildGraph(n.registry, l.decls)
	if err != nil {
		return nil, nil, err
	}
	return l, graph, nil
}
