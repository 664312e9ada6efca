package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/convergo/pkg/engine"
)

// Recorder is an engine.Observer that writes the run history to a Store.
// Store errors are logged and never fail the run.
type Recorder struct {
	engine.NopObserver

	store  Store
	name   string
	host   string
	logger zerolog.Logger

	runID string
	seq   int
}

// NewRecorder creates a recorder for runs of the named definition on host.
func NewRecorder(store Store, name, host string, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		name:   name,
		host:   host,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// RunStarted creates the run record.
func (r *Recorder) RunStarted(ctx context.Context, report *engine.Report) {
	r.runID = report.RunID
	r.seq = 0

	run := &Run{
		ID:        report.RunID,
		Name:      r.name,
		Host:      r.host,
		DryRun:    report.DryRun,
		Status:    RunStatus(report.Status),
		StartedAt: report.StartedAt,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		r.logger.Warn().Err(err).Str("run_id", report.RunID).Msg("Failed to record run")
	}
}

// ResourceCompleted records the result and, outside why-run, the
// resource's last known outcome.
func (r *Recorder) ResourceCompleted(ctx context.Context, res *engine.ResourceResult) {
	r.record(ctx, res)
}

func (r *Recorder) record(ctx context.Context, res *engine.ResourceResult) {
	r.seq++

	rec := &ResourceResult{
		RunID:        r.runID,
		Seq:          r.seq,
		ResourceType: res.Identity.Type,
		ResourceName: res.Identity.Name,
		Outcome:      string(res.Outcome),
		Reason:       res.Reason,
		Changes:      marshalJSON(res.Changes, "[]"),
		Triggered:    marshalJSON(res.Triggered, "[]"),
		Error:        errString(res.Err),
		DurationMS:   res.Duration.Milliseconds(),
		StartedAt:    res.StartedAt,
		CompletedAt:  res.CompletedAt,
	}
	if err := r.store.AppendResourceResult(ctx, rec); err != nil {
		r.logger.Warn().Err(err).Str("resource", res.Identity.String()).Msg("Failed to record resource result")
	}

	if res.DryRun || res.Outcome == engine.OutcomeSkipped {
		return
	}
	state := &ResourceState{
		ResourceType: res.Identity.Type,
		ResourceName: res.Identity.Name,
		Outcome:      string(res.Outcome),
		LastRunID:    r.runID,
		UpdatedAt:    res.CompletedAt,
	}
	if res.Outcome == engine.OutcomeUpdated {
		changed := res.CompletedAt
		state.LastChangedAt = &changed
	}
	if err := r.store.UpsertResourceState(ctx, state); err != nil {
		r.logger.Warn().Err(err).Str("resource", res.Identity.String()).Msg("Failed to record resource state")
	}
}

// NotificationDispatched records a notification event.
func (r *Recorder) NotificationDispatched(ctx context.Context, n engine.NotificationResult) {
	event := &NotificationEvent{
		RunID:     r.runID,
		Source:    n.Source.String(),
		Target:    n.Target.String(),
		Action:    string(n.Action),
		Timing:    string(n.Timing),
		Mode:      n.Mode,
		Fired:     n.Fired,
		Error:     errString(n.Err),
		Timestamp: time.Now(),
	}
	if err := r.store.AppendNotification(ctx, event); err != nil {
		r.logger.Warn().Err(err).Str("target", event.Target).Msg("Failed to record notification")
	}
}

// RunCompleted records the final status and summary. It uses a fresh
// context so cancelled runs are still recorded.
func (r *Recorder) RunCompleted(ctx context.Context, report *engine.Report) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	// Resources the run never reached are only in the report.
	for r.seq < len(report.Results) {
		r.record(ctx, report.Results[r.seq])
	}

	summary := marshalJSON(report.Summary, "{}")
	err := r.store.CompleteRun(ctx, report.RunID, RunStatus(report.Status), report.ExitCode(), summary, errString(report.Err()))
	if err != nil {
		r.logger.Warn().Err(err).Str("run_id", report.RunID).Msg("Failed to record run completion")
	}
}

func marshalJSON(v interface{}, empty string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return empty
	}
	return string(data)
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
