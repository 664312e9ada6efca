package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/convergo/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func decl(typ, name string, props map[string]interface{}, actions ...engine.Action) engine.Declaration {
	return engine.Declaration{
		Identity:   engine.Identity{Type: typ, Name: name},
		Actions:    actions,
		Properties: props,
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"execute-idempotence", "package-actions", "template-owner", "world-writable"}
	if len(policies) != len(expected) {
		t.Fatalf("expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("policy %d = %s, want %s", i, policies[i].Name, name)
		}
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name         string
		decls        []engine.Declaration
		wantAllowed  bool
		wantPolicy   string
		wantResource string
		wantSeverity Severity
	}{
		{
			name: "clean run",
			decls: []engine.Declaration{
				decl("file", "/etc/motd", map[string]interface{}{"mode": "0644"}),
				decl("template", "/etc/cinder/cinder.conf", map[string]interface{}{"owner": "cinder", "mode": "0640"}),
				decl("package", "cinder-common", nil, "upgrade"),
			},
			wantAllowed: true,
		},
		{
			name: "world-writable string mode",
			decls: []engine.Declaration{
				decl("file", "/etc/motd", map[string]interface{}{"mode": "0666"}),
			},
			wantPolicy:   "world-writable",
			wantResource: "file[/etc/motd]",
			wantSeverity: SeverityError,
		},
		{
			name: "world-writable numeric mode",
			decls: []engine.Declaration{
				decl("directory", "/var/cache/cinder", map[string]interface{}{"mode": 511}),
			},
			wantPolicy:   "world-writable",
			wantResource: "directory[/var/cache/cinder]",
			wantSeverity: SeverityError,
		},
		{
			name: "pinned upgrade",
			decls: []engine.Declaration{
				decl("package", "cinder-common", map[string]interface{}{"version": "1:23.0.0"}, "upgrade"),
			},
			wantPolicy:   "package-actions",
			wantResource: "package[cinder-common]",
			wantSeverity: SeverityError,
		},
		{
			name: "protected package removal",
			decls: []engine.Declaration{
				decl("package", "ssh", map[string]interface{}{"package_name": "openssh-server"}, "remove"),
			},
			wantPolicy:   "package-actions",
			wantResource: "package[ssh]",
			wantSeverity: SeverityCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(ctx, tt.decls, Context{Run: "test"})
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Fatalf("Allowed = %v, want %v (violations: %v)", result.Allowed, tt.wantAllowed, result.Violations)
			}
			if tt.wantAllowed {
				if err := result.Err(); err != nil {
					t.Errorf("Err() = %v, want nil", err)
				}
				return
			}

			if len(result.Violations) != 1 {
				t.Fatalf("expected 1 violation, got %v", result.Violations)
			}
			v := result.Violations[0]
			if v.Policy != tt.wantPolicy || v.Resource != tt.wantResource || v.Severity != tt.wantSeverity {
				t.Errorf("unexpected violation %s", v)
			}

			var denied *DeniedError
			if !errors.As(result.Err(), &denied) {
				t.Errorf("expected *DeniedError, got %v", result.Err())
			}
		})
	}
}

func TestEvaluate_Warnings(t *testing.T) {
	eng := newTestEngine(t)

	decls := []engine.Declaration{
		decl("template", "/etc/cinder/api-paste.ini", map[string]interface{}{"source": "api-paste.ini.erb"}),
		decl("execute", "db-sync", map[string]interface{}{"command": "cinder-manage db sync"}),
		decl("execute", "guarded", map[string]interface{}{"command": "true", "creates": "/tmp/done"}),
		decl("execute", "notified", map[string]interface{}{"command": "true"}),
		{
			Identity: engine.Identity{Type: "package", Name: "cinder-common"},
			Notifies: []engine.Notification{{Target: engine.Identity{Type: "execute", Name: "notified"}}},
		},
	}

	result, err := eng.Evaluate(context.Background(), decls, Context{})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Allowed {
		t.Fatalf("warnings must not block the run: %v", result.Violations)
	}

	got := map[string]string{}
	for _, w := range result.Warnings {
		got[w.Resource] = w.Policy
		if w.Severity != SeverityWarning {
			t.Errorf("expected warning severity, got %s", w.Severity)
		}
	}
	want := map[string]string{
		"template[/etc/cinder/api-paste.ini]": "template-owner",
		"execute[db-sync]":                    "execute-idempotence",
	}
	if len(got) != len(want) {
		t.Fatalf("expected warnings %v, got %v", want, got)
	}
	for res, policy := range want {
		if got[res] != policy {
			t.Errorf("warning for %s = %q, want %q", res, got[res], policy)
		}
	}
}

func TestEvaluate_DisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	decls := []engine.Declaration{decl("file", "/tmp/open", map[string]interface{}{"mode": "0777"})}

	if err := eng.DisablePolicy("world-writable"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	result, err := eng.Evaluate(context.Background(), decls, Context{})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("disabled policy still blocked: %v", result.Violations)
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "world-writable" {
			t.Error("disabled policy was evaluated")
		}
	}

	if err := eng.EnablePolicy("world-writable"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	result, _ = eng.Evaluate(context.Background(), decls, Context{})
	if result.Allowed {
		t.Error("re-enabled policy did not block")
	}

	if err := eng.DisablePolicy("nope"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:    "no-dry-run-restarts",
		Enabled: true,
		Rego: `package custom.restarts

deny contains msg if {
	not input.context.dry_run
	some r in input.resources
	r.type == "service"
	"restart" in r.actions
	msg := sprintf("%s restarts on %s", [r.id, input.context.host])
}
`,
	}
	if err := eng.AddPolicy(ctx, custom); err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}
	p, err := eng.GetPolicy("no-dry-run-restarts")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("expected default severity error, got %s", p.Severity)
	}

	decls := []engine.Declaration{decl("service", "cinder-api", nil, "restart")}

	result, err := eng.Evaluate(ctx, decls, Context{Host: "storage-1"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Allowed || len(result.Violations) != 1 {
		t.Fatalf("expected one blocking violation, got %+v", result)
	}
	if !strings.Contains(result.Violations[0].Message, "storage-1") {
		t.Errorf("unexpected message %q", result.Violations[0].Message)
	}

	result, err = eng.Evaluate(ctx, decls, Context{Host: "storage-1", DryRun: true})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("dry run should be allowed: %v", result.Violations)
	}

	if err := eng.AddPolicy(ctx, Policy{Name: "broken", Rego: "package broken\ndeny contains"}); err == nil {
		t.Error("expected compile error")
	}
}

func TestEvaluate_FailingPolicyBlocks(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	failing := Policy{
		Name:    "conflict",
		Enabled: true,
		Rego: `package custom.conflict

deny := "first" if input.context.run == "x"
deny := "second" if input.context.run == "x"
`,
	}
	if err := eng.AddPolicy(ctx, failing); err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}

	result, err := eng.Evaluate(ctx, nil, Context{Run: "x"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Allowed {
		t.Fatal("expected evaluation failure to block the run")
	}
	if result.Violations[0].Policy != "conflict" {
		t.Errorf("unexpected violation %s", result.Violations[0])
	}
}

func TestViolationString(t *testing.T) {
	v := Violation{Policy: "p", Resource: "file[/a]", Message: "bad", Severity: SeverityError}
	if got := v.String(); got != "[error] p: file[/a]: bad" {
		t.Errorf("String() = %q", got)
	}
	v.Resource = ""
	if got := v.String(); got != "[error] p: bad" {
		t.Errorf("String() = %q", got)
	}
}
