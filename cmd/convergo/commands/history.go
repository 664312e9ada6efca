package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/convergo/pkg/stores"
)

type historyOptions struct {
	definition string
	limit      int
	runID      string
	prune      int
}

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var ho historyOptions

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `History reads the run database written by converge. Without flags it
lists the most recent runs; --run shows the resources and notifications of
one run, and --prune deletes all but the newest N runs.`,
		Example: `  convergo history --history /var/lib/convergo/history.db
  convergo history -d ./block-storage --run 2b0c5f0e-6a7d-4c1e-9f55-2f1f0a0f3c11`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.showHistory(cmd.Context(), cmd.OutOrStdout(), ho)
		},
	}

	cmd.Flags().StringVarP(&ho.definition, "definition", "d", ".", "run definition whose run.history to read")
	cmd.Flags().IntVarP(&ho.limit, "limit", "l", 20, "number of runs to list")
	cmd.Flags().StringVar(&ho.runID, "run", "", "show the results of one run")
	cmd.Flags().IntVar(&ho.prune, "prune", 0, "keep only the newest N runs")

	return cmd
}

func (o *globalOptions) showHistory(ctx context.Context, w io.Writer, ho historyOptions) error {
	dbPath := o.history
	if dbPath == "" {
		def, _, err := parse(ctx, ho.definition)
		if err != nil {
			return err
		}
		dbPath = def.Resolve(def.Run.History)
	}
	if dbPath == "" {
		return errors.New("no history database: set run.history or pass --history")
	}

	store, err := stores.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	switch {
	case ho.prune > 0:
		n, err := store.PruneRuns(ctx, ho.prune)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "pruned %d runs\n", n)
		return nil
	case ho.runID != "":
		return o.showRun(ctx, w, store, ho.runID)
	default:
		runs, err := store.ListRuns(ctx, ho.limit, 0)
		if err != nil {
			return err
		}
		if o.jsonOutput {
			return writeJSON(w, runs)
		}
		tw := tabwriter.NewWriter(w, 0, 1, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tNAME\tHOST\tSTATUS\tEXIT\tSTARTED\tDURATION")
		for _, r := range runs {
			status := string(r.Status)
			if r.DryRun {
				status += " (why-run)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				r.ID, r.Name, r.Host, status, r.ExitCode, r.StartedAt.Local().Format(time.DateTime), runDuration(r))
		}
		return tw.Flush()
	}
}

func (o *globalOptions) showRun(ctx context.Context, w io.Writer, store *stores.SQLiteStore, id string) error {
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	results, err := store.ListResourceResults(ctx, id)
	if err != nil {
		return err
	}
	notifications, err := store.ListNotifications(ctx, id)
	if err != nil {
		return err
	}

	if o.jsonOutput {
		return writeJSON(w, map[string]interface{}{
			"run":           run,
			"results":       results,
			"notifications": notifications,
		})
	}

	fmt.Fprintf(w, "Run %s (%s) on %s: %s\n\n", run.ID, run.Name, run.Host, run.Status)
	tw := tabwriter.NewWriter(w, 0, 1, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tOUTCOME\tRESOURCE\tDURATION\tERROR")
	for _, r := range results {
		errMsg := ""
		if r.Error != nil {
			errMsg = *r.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s[%s]\t%dms\t%s\n", r.Seq, r.Outcome, r.ResourceType, r.ResourceName, r.DurationMS, errMsg)
	}
	tw.Flush()

	if len(notifications) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 1, 2, ' ', 0)
		fmt.Fprintln(tw, "NOTIFICATION\tACTION\tTIMING\tMODE\tFIRED")
		for _, n := range notifications {
			fmt.Fprintf(tw, "%s -> %s\t%s\t%s\t%s\t%t\n", n.Source, n.Target, n.Action, n.Timing, n.Mode, n.Fired)
		}
		tw.Flush()
	}
	return nil
}

func runDuration(r *stores.Run) string {
	if r.CompletedAt == nil {
		return "-"
	}
	return r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}
