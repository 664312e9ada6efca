package stores

import (
	"context"
	"time"
)

// RunStatus mirrors engine.RunStatus as stored in the runs table.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning && s != ""
}

// Run represents a recorded convergence run
type Run struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Host        string     `json:"host"`
	DryRun      bool       `json:"dry_run"`
	Status      RunStatus  `json:"status"`
	ExitCode    int        `json:"exit_code"`
	Summary     string     `json:"summary"` // JSON blob
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ResourceResult is the recorded outcome of one resource in a run
type ResourceResult struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	Seq          int       `json:"seq"`
	ResourceType string    `json:"resource_type"`
	ResourceName string    `json:"resource_name"`
	Outcome      string    `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	Changes      string    `json:"changes"`   // JSON array
	Triggered    string    `json:"triggered"` // JSON array of actions
	Error        *string   `json:"error,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// NotificationEvent is a notification the dispatcher fired or recorded
type NotificationEvent struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Action    string    `json:"action"`
	Timing    string    `json:"timing"`
	Mode      string    `json:"mode"`
	Fired     bool      `json:"fired"`
	Error     *string   `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ResourceState is the last known outcome of a managed resource across runs
type ResourceState struct {
	ResourceType  string     `json:"resource_type"`
	ResourceName  string     `json:"resource_name"`
	Outcome       string     `json:"outcome"`
	LastRunID     string     `json:"last_run_id"`
	LastChangedAt *time.Time `json:"last_changed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Store defines the interface for the run history
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, id string, status RunStatus, exitCode int, summary string, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, keep int) (int64, error)

	// Resource results
	AppendResourceResult(ctx context.Context, result *ResourceResult) error
	ListResourceResults(ctx context.Context, runID string) ([]*ResourceResult, error)

	// Notification events
	AppendNotification(ctx context.Context, event *NotificationEvent) error
	ListNotifications(ctx context.Context, runID string) ([]*NotificationEvent, error)

	// Resource state
	UpsertResourceState(ctx context.Context, state *ResourceState) error
	GetResourceState(ctx context.Context, resourceType, resourceName string) (*ResourceState, error)
	ListResourceStates(ctx context.Context, limit, offset int) ([]*ResourceState, error)
}
