package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/convergo/pkg/attributes"
)

// Identity uniquely names a resource within a run.
type Identity struct {
	Type string `json:"type" validate:"required"`
	Name string `json:"name" validate:"required"`
}

// String renders the identity as type[name].
func (i Identity) String() string {
	return fmt.Sprintf("%s[%s]", i.Type, i.Name)
}

// IsZero reports whether the identity is empty.
func (i Identity) IsZero() bool {
	return i.Type == "" && i.Name == ""
}

// ParseIdentity parses the type[name] form produced by Identity.String.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	open := strings.Index(s, "[")
	if open <= 0 || !strings.HasSuffix(s, "]") || open == len(s)-2 {
		return Identity{}, fmt.Errorf("invalid resource reference %q: expected type[name]", s)
	}
	return Identity{Type: s[:open], Name: s[open+1 : len(s)-1]}, nil
}

// Action is a named operation a provider can perform on a resource.
type Action string

// Actions understood by the built-in providers.
const (
	ActionNothing Action = "nothing"
	ActionInstall Action = "install"
	ActionUpgrade Action = "upgrade"
	ActionRemove  Action = "remove"
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionReload  Action = "reload"
	ActionCreate  Action = "create"
	ActionDelete  Action = "delete"
	ActionRun     Action = "run"
)

// Timing controls when a queued notification fires.
type Timing string

const (
	// TimingImmediate fires right after the source resource completes.
	TimingImmediate Timing = "immediate"

	// TimingDelayed fires once at the end of the run.
	TimingDelayed Timing = "delayed"
)

// ParseTiming accepts the usual spellings of both timings. Empty means delayed.
func ParseTiming(s string) (Timing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "delayed", "deferred":
		return TimingDelayed, nil
	case "immediate", "immediately":
		return TimingImmediate, nil
	default:
		return "", fmt.Errorf("unknown notification timing %q", s)
	}
}

// Notification asks for Action to run on Target when Source is updated.
type Notification struct {
	Source Identity `json:"source"`
	Target Identity `json:"target"`
	Action Action   `json:"action"`
	Timing Timing   `json:"timing"`
}

func (n Notification) String() string {
	return fmt.Sprintf("%s -> %s %s (%s)", n.Source, n.Action, n.Target, n.Timing)
}

// Declaration is a desired-state resource as written by a recipe.
type Declaration struct {
	Identity

	// Actions are the desired actions, in order. Empty selects the
	// provider's default action.
	Actions []Action `json:"actions,omitempty"`

	// Properties is the desired state, interpreted by the provider.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// DependsOn lists resources that must converge before this one.
	DependsOn []Identity `json:"depends_on,omitempty"`

	// Notifies lists notifications queued when this resource is updated.
	// Source is filled in by the graph builder.
	Notifies []Notification `json:"notifies,omitempty"`

	// Subscribes lists resources whose update triggers an action on this
	// one. Target is filled in by the graph builder.
	Subscribes []Notification `json:"subscribes,omitempty"`

	// OnlyIf and NotIf are guard expressions evaluated against the run's
	// attributes before probing.
	OnlyIf string `json:"only_if,omitempty"`
	NotIf  string `json:"not_if,omitempty"`
}

// Resource is what providers receive: a declaration resolved against the
// run's attribute view.
type Resource struct {
	Identity
	Actions    []Action
	Properties map[string]interface{}
	View       *attributes.View
}

// HasAction reports whether a is among the resource's desired actions.
func (r *Resource) HasAction(a Action) bool {
	for _, act := range r.Actions {
		if act == a {
			return true
		}
	}
	return false
}

// Decode maps the resource properties onto a provider's typed struct.
func (r *Resource) Decode(out interface{}) error {
	if err := attributes.DecodeInto(r.Properties, out); err != nil {
		return fmt.Errorf("%s: invalid properties: %w", r.Identity, err)
	}
	return nil
}

// State is the actual state reported by a provider probe.
type State map[string]interface{}

// Change describes one property that differs from the desired state.
type Change struct {
	Property string      `json:"property"`
	Desired  interface{} `json:"desired,omitempty"`
	Actual   interface{} `json:"actual,omitempty"`
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %v -> %v", c.Property, c.Actual, c.Desired)
}

// ResourceResult is the outcome of converging one resource.
type ResourceResult struct {
	Identity    Identity      `json:"identity"`
	Outcome     Outcome       `json:"outcome"`
	Changes     []Change      `json:"changes,omitempty"`
	Triggered   []Action      `json:"triggered,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	DryRun      bool          `json:"dry_run,omitempty"`
	Err         error         `json:"-"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// NotificationResult records one dispatched notification.
type NotificationResult struct {
	Notification
	// Mode is "converge" when the target had not run yet, "action" when
	// the named action ran on an already converged target.
	Mode string `json:"mode"`
	// Fired is false when the notification was only recorded (why-run).
	Fired bool  `json:"fired"`
	Err   error `json:"-"`
}

// Notification dispatch modes.
const (
	ModeConverge = "converge"
	ModeAction   = "action"
)
