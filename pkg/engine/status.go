package engine

import "fmt"

// Outcome is the result of visiting a resource during a run.
type Outcome string

const (
	// OutcomeUnchanged means the actual state already matched.
	OutcomeUnchanged Outcome = "unchanged"

	// OutcomeUpdated means the provider changed the resource (or, in
	// why-run mode, would have).
	OutcomeUpdated Outcome = "updated"

	// OutcomeFailed means probing or applying the resource failed.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped means the resource was not attempted because a
	// dependency failed or the run was aborted.
	OutcomeSkipped Outcome = "skipped"
)

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeUnchanged, OutcomeUpdated, OutcomeFailed, OutcomeSkipped:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// RunStatus represents the overall status of a convergence run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every resource converged.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run stopped at a failed resource.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates a continue-on-error run that finished with failures.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was interrupted at a resource boundary.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed,
		RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// Summary counts resources by outcome.
type Summary struct {
	Total     int `json:"total"`
	Unchanged int `json:"unchanged"`
	Updated   int `json:"updated"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%d resources: %d updated, %d unchanged, %d failed, %d skipped",
		s.Total, s.Updated, s.Unchanged, s.Failed, s.Skipped)
}

func (s *Summary) add(o Outcome) {
	s.Total++
	switch o {
	case OutcomeUnchanged:
		s.Unchanged++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	}
}
