package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on a later run.
	// Examples: package mirror timeouts, a locked dpkg database.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: a file replaced while it was being written.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid declarations, dependency cycles, permission denied.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the identity of the resource that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred
	// (build, probe, apply or a notification action).
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&sb, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&sb, " (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsBuildError reports whether err was raised while building the resource
// graph, before anything was applied.
func IsBuildError(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Operation == OperationBuild
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeCycle            = "DEPENDENCY_CYCLE"
	ErrCodeUnsupported      = "UNSUPPORTED_ACTION"
	ErrCodeProbeFailed      = "PROBE_FAILED"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// Operations recorded on EngineError.
const (
	OperationBuild = "build"
	OperationProbe = "probe"
	OperationApply = "apply"
	OperationGuard = "guard"
)

// DuplicateResourceError reports a second declaration of the same identity.
type DuplicateResourceError struct {
	Identity Identity
}

func (e *DuplicateResourceError) Error() string {
	return fmt.Sprintf("resource %s is declared more than once", e.Identity)
}

// CycleDetectedError reports a dependency cycle. Members lists every resource
// on the cycle in traversal order.
type CycleDetectedError struct {
	Members []Identity
}

func (e *CycleDetectedError) Error() string {
	if len(e.Members) == 0 {
		return "dependency cycle detected"
	}
	parts := make([]string, 0, len(e.Members)+1)
	for _, id := range e.Members {
		parts = append(parts, id.String())
	}
	parts = append(parts, e.Members[0].String())
	return "dependency cycle detected: " + strings.Join(parts, " -> ")
}

// Contains reports whether id is on the cycle.
func (e *CycleDetectedError) Contains(id Identity) bool {
	for _, m := range e.Members {
		if m == id {
			return true
		}
	}
	return false
}

// UnknownResourceError reports a reference to an undeclared resource.
type UnknownResourceError struct {
	From     Identity
	Target   Identity
	Relation string
}

func (e *UnknownResourceError) Error() string {
	return fmt.Sprintf("%s %s unknown resource %s", e.From, e.Relation, e.Target)
}

// UnsupportedActionError reports an action the resource's provider does not offer.
type UnsupportedActionError struct {
	Identity  Identity
	Action    Action
	Supported []Action
}

func (e *UnsupportedActionError) Error() string {
	names := make([]string, len(e.Supported))
	for i, a := range e.Supported {
		names[i] = string(a)
	}
	return fmt.Sprintf("%s does not support action %q (supported: %s)",
		e.Identity, e.Action, strings.Join(names, ", "))
}

// UnknownTypeError reports a declaration whose type has no registered provider.
type UnknownTypeError struct {
	Identity Identity
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("no provider registered for resource type %q (%s)", e.Identity.Type, e.Identity)
}

// ProviderProbeError wraps a failure to read a resource's current state.
type ProviderProbeError struct {
	Identity Identity
	Err      error
}

func (e *ProviderProbeError) Error() string {
	return fmt.Sprintf("probing %s: %v", e.Identity, e.Err)
}

func (e *ProviderProbeError) Unwrap() error {
	return e.Err
}

// ProviderApplyError wraps a failure to converge a resource or run one of
// its actions.
type ProviderApplyError struct {
	Identity Identity
	Action   Action
	Err      error
}

func (e *ProviderApplyError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("running %s on %s: %v", e.Action, e.Identity, e.Err)
	}
	return fmt.Sprintf("applying %s: %v", e.Identity, e.Err)
}

func (e *ProviderApplyError) Unwrap() error {
	return e.Err
}

// buildError classifies a graph construction failure.
func buildError(id Identity, code string, cause error) *EngineError {
	return NewPermanentError("resource graph build failed", cause).
		WithCode(code).
		WithResource(id.String()).
		WithOperation(OperationBuild)
}

// classify wraps a provider failure, keeping the class of a provider-supplied
// EngineError when there is one.
func classify(id Identity, operation, code string, cause error) *EngineError {
	class := ErrorClassPermanent
	var inner *EngineError
	if errors.As(cause, &inner) {
		class = inner.Class
	}
	return &EngineError{
		Class:     class,
		Message:   "resource convergence failed",
		Code:      code,
		Resource:  id.String(),
		Operation: operation,
		Err:       cause,
	}
}
