package engine

import (
	"errors"
	"time"
)

// Report is the outcome of one convergence run.
type Report struct {
	RunID           string                `json:"run_id"`
	Status          RunStatus             `json:"status"`
	DryRun          bool                  `json:"dry_run,omitempty"`
	ContinueOnError bool                  `json:"continue_on_error,omitempty"`
	StartedAt       time.Time             `json:"started_at"`
	CompletedAt     time.Time             `json:"completed_at"`
	Duration        time.Duration         `json:"duration"`
	Results         []*ResourceResult     `json:"results"`
	Notifications   []NotificationResult  `json:"notifications,omitempty"`
	Summary         Summary               `json:"summary"`
	Failures        []error               `json:"-"`
	index           map[Identity]*ResourceResult
}

func newReport(runID string, opts Options) *Report {
	return &Report{
		RunID:           runID,
		Status:          RunStatusRunning,
		DryRun:          opts.DryRun,
		ContinueOnError: opts.ContinueOnError,
		StartedAt:       time.Now(),
		index:           make(map[Identity]*ResourceResult),
	}
}

func (r *Report) record(result *ResourceResult) {
	r.Results = append(r.Results, result)
	r.index[result.Identity] = result
}

// Result returns the result recorded for a resource.
func (r *Report) Result(id Identity) (*ResourceResult, bool) {
	res, ok := r.index[id]
	return res, ok
}

// Outcome returns the outcome recorded for a resource, or "" if it was never
// recorded.
func (r *Report) Outcome(id Identity) Outcome {
	if res, ok := r.index[id]; ok {
		return res.Outcome
	}
	return ""
}

// Changed reports whether any resource was updated.
func (r *Report) Changed() bool {
	return r.Summary.Updated > 0
}

// Err joins every failure of the run, or returns nil.
func (r *Report) Err() error {
	return errors.Join(r.Failures...)
}

// ExitCode is the process exit status for the run: 1 when a fail-fast run
// failed or the run was cancelled, 0 otherwise. Continue-on-error runs exit
// 0 and surface their failures through Err.
func (r *Report) ExitCode() int {
	switch r.Status {
	case RunStatusFailed, RunStatusCancelled:
		return 1
	default:
		return 0
	}
}

func (r *Report) finish(cancelled bool) {
	r.CompletedAt = time.Now()
	r.Duration = r.CompletedAt.Sub(r.StartedAt)

	r.Summary = Summary{}
	for _, res := range r.Results {
		r.Summary.add(res.Outcome)
	}

	switch {
	case cancelled:
		r.Status = RunStatusCancelled
	case len(r.Failures) > 0 && r.ContinueOnError:
		r.Status = RunStatusPartial
	case len(r.Failures) > 0:
		r.Status = RunStatusFailed
	default:
		r.Status = RunStatusSucceeded
	}
}
