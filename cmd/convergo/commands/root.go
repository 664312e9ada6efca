package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	jsonOutput bool
	attrs      []string

	// Target node
	host          string
	sudo          bool
	identity      string
	proxy         string
	insecureHosts bool

	plugins       string
	history       string
	noHistory     bool
	recipeTimeout time.Duration

	// Telemetry
	metricsAddr   string
	traceExporter string
	traceEndpoint string

	version string
}

// ExitError carries a non-zero process exit status.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "convergo",
		Short: "convergo - declarative configuration convergence",
		Long: `convergo converges a node to the state declared in a run definition.

A run definition is written in CUE. It declares resources (packages,
services, files, directories, templates, commands), attribute files merged
by precedence, Starlark recipes that declare more resources from those
attributes, and Rego policies checked before anything changes.

Each resource is probed, compared with its desired state and updated only
when they differ. Updated resources notify others, immediately or at the
end of the run, for example to restart a service after its configuration
changed.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	flags.StringArrayVarP(&opts.attrs, "attr", "a", nil, "override an attribute as path=value (repeatable)")
	flags.StringVarP(&opts.host, "host", "H", "", "converge a remote node over SSH ([user@]host[:port])")
	flags.BoolVar(&opts.sudo, "sudo", false, "run remote commands through sudo")
	flags.StringVarP(&opts.identity, "identity", "i", "", "SSH private key file")
	flags.StringVarP(&opts.proxy, "proxy", "J", "", "reach --host through this SSH jump host ([user@]host[:port])")
	flags.BoolVar(&opts.insecureHosts, "insecure-host-key", false, "accept unknown SSH host keys")
	flags.StringVar(&opts.plugins, "plugins", "", "directory of WASM provider plugins (overrides run.plugins)")
	flags.StringVar(&opts.history, "history", "", "run history database (overrides run.history)")
	flags.BoolVar(&opts.noHistory, "no-history", false, "do not record the run")
	flags.DurationVar(&opts.recipeTimeout, "recipe-timeout", 30*time.Second, "time limit for each recipe")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	flags.StringVar(&opts.traceExporter, "trace", "", "export traces (stdout, otlp)")
	flags.StringVar(&opts.traceEndpoint, "trace-endpoint", "", "OTLP collector endpoint")

	rootCmd.AddCommand(newConvergeCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newGraphCommand(opts))
	rootCmd.AddCommand(newAttributesCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newWatchCommand(opts))

	return rootCmd
}

// definitionArg returns the run definition named on the command line, the
// current directory by default.
func definitionArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}
