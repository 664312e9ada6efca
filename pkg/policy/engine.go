package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/convergo/pkg/engine"
)

// Engine evaluates Rego policies against a run's declarations before the
// resource graph is built.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	deny     rego.PreparedEvalQuery
	warn     rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return e, nil
}

// Evaluate evaluates every enabled policy against decls. A policy that fails
// to evaluate is reported as a blocking violation.
func (e *Engine) Evaluate(ctx context.Context, decls []engine.Declaration, pctx Context) (*Result, error) {
	startTime := time.Now()
	input, err := toInputValue(NewInput(decls, pctx))
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		denies, err := evalSet(ctx, cp.deny, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			result.add(Violation{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityError,
			})
			continue
		}
		for _, d := range denies {
			result.add(newViolation(cp.policy, d, cp.policy.Severity))
		}

		warns, err := evalSet(ctx, cp.warn, input)
		if err != nil {
			e.logger.Warn().Err(err).
				Str("policy", name).
				Msg("Policy warn rules failed")
			continue
		}
		for _, w := range warns {
			result.add(newViolation(cp.policy, w, SeverityWarning))
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Int("resources", len(decls)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

func (r *Result) add(v Violation) {
	if v.Severity.Blocking() {
		r.Violations = append(r.Violations, v)
		r.Allowed = false
		return
	}
	r.Warnings = append(r.Warnings, v)
}

// toInputValue round-trips the input through JSON so OPA sees plain values.
func toInputValue(in *Input) (interface{}, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return v, nil
}

// evalSet evaluates a prepared query whose result is a set. An undefined
// rule yields no elements.
func evalSet(ctx context.Context, query rego.PreparedEvalQuery, input interface{}) ([]interface{}, error) {
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var out []interface{}
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		if set, ok := result.Expressions[0].Value.([]interface{}); ok {
			out = append(out, set...)
		}
	}
	return out, nil
}

// newViolation creates a Violation from a deny or warn element: a message
// string or an object with message, resource and severity.
func newViolation(policy *Policy, result interface{}, severity Severity) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// AddPolicy compiles a policy and adds it, replacing one of the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStorePolicy(ctx, &policy)
}

// LoadPolicies loads policy files and directories.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// compileAndStorePolicy compiles a policy and stores it. The caller holds
// the write lock or owns the engine exclusively.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	pkg := module.Package.Path.String()

	prepare := func(rule string) (rego.PreparedEvalQuery, error) {
		return rego.New(
			rego.Module(policy.Name+".rego", policy.Rego),
			rego.Query(pkg+"."+rule),
		).PrepareForEval(ctx)
	}

	deny, err := prepare("deny")
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}
	warn, err := prepare("warn")
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityError
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		deny:     deny,
		warn:     warn,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", pkg).
		Msg("Policy compiled successfully")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}
