package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/convergo/pkg/engine"
	"github.com/openfroyo/convergo/pkg/policy"
)

// reportJSON is the --json form of a run report. Errors are rendered as
// strings, which engine.Report leaves out of its own encoding.
type reportJSON struct {
	*engine.Report
	ExitCode      int                `json:"exit_code"`
	Errors        map[string]string  `json:"errors,omitempty"`
	Notifications []notificationJSON `json:"notifications,omitempty"`
}

type notificationJSON struct {
	engine.NotificationResult
	Error string `json:"error,omitempty"`
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeReportJSON(w io.Writer, report *engine.Report) error {
	out := reportJSON{Report: report, ExitCode: report.ExitCode()}
	for _, res := range report.Results {
		if res.Err != nil {
			if out.Errors == nil {
				out.Errors = map[string]string{}
			}
			out.Errors[res.Identity.String()] = res.Err.Error()
		}
	}
	for _, n := range report.Notifications {
		nj := notificationJSON{NotificationResult: n}
		if n.Err != nil {
			nj.Error = n.Err.Error()
		}
		out.Notifications = append(out.Notifications, nj)
	}
	return writeJSON(w, out)
}

// writeReport prints one line per resource, the notifications and the
// summary.
func writeReport(w io.Writer, report *engine.Report) {
	tw := tabwriter.NewWriter(w, 0, 1, 2, ' ', 0)
	fmt.Fprintln(tw, "OUTCOME\tRESOURCE\tDETAIL")
	for _, res := range report.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", outcomeLabel(res), res.Identity, resultDetail(res))
	}
	tw.Flush()

	if len(report.Notifications) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 1, 2, ' ', 0)
		fmt.Fprintln(tw, "NOTIFICATION\tACTION\tTIMING\tSTATE")
		for _, n := range report.Notifications {
			fmt.Fprintf(tw, "%s -> %s\t%s\t%s\t%s\n", n.Source, n.Target, n.Action, n.Timing, notificationState(n))
		}
		tw.Flush()
	}

	fmt.Fprintln(w)
	verb := "Converged"
	if report.DryRun {
		verb = "Why-run"
	}
	fmt.Fprintf(w, "%s %s in %s (%s)\n", verb, report.Summary, report.Duration.Round(time.Millisecond), report.Status)
}

func outcomeLabel(res *engine.ResourceResult) string {
	if res.DryRun && res.Outcome == engine.OutcomeUpdated {
		return "would update"
	}
	return string(res.Outcome)
}

func resultDetail(res *engine.ResourceResult) string {
	var parts []string
	for _, c := range res.Changes {
		parts = append(parts, c.String())
	}
	for _, a := range res.Triggered {
		parts = append(parts, "triggered "+string(a))
	}
	if res.Reason != "" && res.Reason != "would apply" {
		parts = append(parts, res.Reason)
	}
	if res.Err != nil {
		parts = append(parts, res.Err.Error())
	}
	return strings.Join(parts, "; ")
}

func notificationState(n engine.NotificationResult) string {
	switch {
	case n.Err != nil:
		return "failed: " + n.Err.Error()
	case n.Fired:
		return "fired (" + n.Mode + ")"
	default:
		return "not fired"
	}
}

// writeViolations prints policy findings, blocking ones first.
func writeViolations(w io.Writer, result *policy.Result) {
	if result == nil {
		return
	}
	for _, v := range result.Violations {
		fmt.Fprintln(w, v.String())
	}
	for _, v := range result.Warnings {
		fmt.Fprintln(w, v.String())
	}
}
