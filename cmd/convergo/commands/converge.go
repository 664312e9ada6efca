package commands

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/convergo/pkg/engine"
	"github.com/openfroyo/convergo/pkg/stores"
)

type convergeOptions struct {
	dryRun          bool
	continueOnError bool
}

func newConvergeCommand(opts *globalOptions) *cobra.Command {
	var co convergeOptions

	cmd := &cobra.Command{
		Use:   "converge [definition]",
		Short: "Converge the node to the run definition",
		Long: `Converge loads the run definition, merges its attributes, runs its
recipes and checks its policies. It then visits every resource once, in
dependency order, updating those that differ from their desired state and
dispatching the notifications they send.

The command exits non-zero when a resource fails, unless
--continue-on-error is set, in which case dependents of the failed
resource are skipped and the run finishes as partial.`,
		Example: `  # Converge using the definition in the current directory
  convergo converge

  # Converge a remote node with sudo
  convergo converge ./block-storage --host deploy@storage1 --sudo

  # Override an attribute for this run
  convergo converge ./block-storage --attr db.service_type=mysql`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := opts.converge(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), definitionArg(args), co)
			return err
		},
	}

	cmd.Flags().BoolVar(&co.continueOnError, "continue-on-error", false, "keep converging after a failed resource")
	cmd.Flags().BoolVarP(&co.dryRun, "why-run", "n", false, "report what would change without changing anything")

	return cmd
}

func newPlanCommand(opts *globalOptions) *cobra.Command {
	co := convergeOptions{dryRun: true}

	cmd := &cobra.Command{
		Use:   "plan [definition]",
		Short: "Show what converge would change",
		Long: `Plan probes every resource and reports the ones that would be updated,
without applying anything or firing notifications. Notifications that
would fire are listed as not fired.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := opts.converge(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), definitionArg(args), co)
			return err
		},
	}

	cmd.Flags().BoolVar(&co.continueOnError, "continue-on-error", false, "keep probing after a failed resource")

	return cmd
}

// converge runs the whole pipeline once: load, policy gate, connect, build
// the graph and converge it, recording history and telemetry.
func (o *globalOptions) converge(ctx context.Context, stdout, stderr io.Writer, path string, co convergeOptions) (*engine.Report, error) {
	tel, err := o.newTelemetry(stderr)
	if err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	if err := tel.StartMetricsServer(metricsCtx); err != nil {
		return nil, err
	}

	l, err := o.load(ctx, path)
	if err != nil {
		return nil, err
	}
	if _, err := o.checkPolicies(ctx, l, co.dryRun, tel.Metrics); err != nil {
		return nil, err
	}

	t, err := o.connect(ctx)
	if err != nil {
		return nil, err
	}
	n, err := o.openNode(ctx, l, t)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	defer func() {
		if err := n.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Failed to close node")
		}
	}()

	graph, err := buildGraph(n.registry, l.decls)
	if err != nil {
		return nil, err
	}

	logger := tel.Logger.Zerolog()
	observers := []engine.Observer{tel.Observer()}
	if dbPath := o.historyPath(l.def); dbPath != "" {
		store, err := stores.Open(ctx, dbPath)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		observers = append(observers, stores.NewRecorder(store, l.def.Run.Name, o.hostName(), *logger))
	}

	eng := engine.New(engine.Options{
		ContinueOnError: co.continueOnError || l.def.Run.ContinueOnError,
		DryRun:          co.dryRun,
		Logger:          logger,
	}, observers...)

	report, runErr := eng.Run(ctx, graph, l.view)

	if o.jsonOutput {
		if err := writeReportJSON(stdout, report); err != nil {
			return report, err
		}
	} else {
		writeReport(stdout, report)
	}

	if code := report.ExitCode(); code != 0 {
		return report, &ExitError{Code: code, Err: runErr}
	}
	if runErr != nil {
		log.Warn().Err(runErr).Msg("Run finished with failures")
	}
	return report, nil
}
