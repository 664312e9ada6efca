package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/convergo/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the run.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity stop a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code. The module defines a
// deny set, a warn set, or both.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity of deny violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the "type[name]" of the offending resource, if any.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Resource == "" {
		return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s: %s", v.Severity, v.Policy, v.Resource, v.Message)
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the run.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Err returns a *DeniedError when the result is not allowed.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &DeniedError{Violations: r.Violations}
}

// DeniedError is returned when blocking violations stop a run.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.String())
	}
	return fmt.Sprintf("policy denied run (%d violations): %s", len(e.Violations), strings.Join(msgs, "; "))
}

// Input is the document policies see as input.
type Input struct {
	// Resources are the run's declarations.
	Resources []ResourceInput `json:"resources"`

	// Context describes the run.
	Context Context `json:"context"`
}

// ResourceInput is a declaration with its "type[name]" identifier.
type ResourceInput struct {
	engine.Declaration
	ID string `json:"id"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Run is the run definition name.
	Run string `json:"run,omitempty"`

	// Host is the converged host ("localhost" for local runs).
	Host string `json:"host,omitempty"`

	// DryRun indicates a why-run.
	DryRun bool `json:"dry_run"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// NewInput builds the policy input for decls.
func NewInput(decls []engine.Declaration, pctx Context) *Input {
	in := &Input{
		Resources: make([]ResourceInput, 0, len(decls)),
		Context:   pctx,
	}
	if in.Context.Timestamp.IsZero() {
		in.Context.Timestamp = time.Now()
	}
	for _, d := range decls {
		in.Resources = append(in.Resources, ResourceInput{Declaration: d, ID: d.Identity.String()})
	}
	return in
}
