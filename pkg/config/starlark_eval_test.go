package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.starlark.net/starlark"
)

func TestStarlarkEvaluator_Exec(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name        string
		script      string
		predeclared starlark.StringDict
		wantErr     bool
		checkFunc   func(*testing.T, starlark.StringDict)
	}{
		{
			name:   "simple arithmetic",
			script: "result = 2 + 2\n",
			checkFunc: func(t *testing.T, globals starlark.StringDict) {
				if n, err := starlark.AsInt32(globals["result"]); err != nil || n != 4 {
					t.Errorf("expected result=4, got %v", globals["result"])
				}
			},
		},
		{
			name:        "predeclared values",
			script:      "doubled = count * 2\n",
			predeclared: starlark.StringDict{"count": starlark.MakeInt(5)},
			checkFunc: func(t *testing.T, globals starlark.StringDict) {
				if n, err := starlark.AsInt32(globals["doubled"]); err != nil || n != 10 {
					t.Errorf("expected doubled=10, got %v", globals["doubled"])
				}
			},
		},
		{
			name: "top-level control flow",
			script: `
kind = "mysql"
if flavour == "postgresql":
    kind = "postgresql"
names = []
for i in range(3):
    names.append("vol-%d" % i)
`,
			predeclared: starlark.StringDict{"flavour": starlark.String("postgresql")},
			checkFunc: func(t *testing.T, globals starlark.StringDict) {
				if globals["kind"] != starlark.String("postgresql") {
					t.Errorf("expected kind=postgresql, got %v", globals["kind"])
				}
				if l, ok := globals["names"].(*starlark.List); !ok || l.Len() != 3 {
					t.Errorf("expected 3 names, got %v", globals["names"])
				}
			},
		},
		{
			name:    "syntax error",
			script:  "x = = 1\n",
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  "x = 1 / 0\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			thread := &starlark.Thread{Name: tt.name}
			globals, err := evaluator.Exec(ctx, thread, tt.name+".star", tt.script, tt.predeclared)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Exec() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, globals)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(100 * time.Millisecond)
	script := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n
spin()
`
	start := time.Now()
	_, err := evaluator.Exec(context.Background(), &starlark.Thread{}, "spin.star", script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestStarlarkEvaluator_Cancelled(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	script := `
def spin():
    for i in range(1000000000):
        pass
spin()
`
	_, err := evaluator.Exec(ctx, &starlark.Thread{}, "spin.star", script, nil)
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Errorf("expected cancellation error, got %v", err)
	}
}

func TestStarlarkValueConversion(t *testing.T) {
	in := map[string]interface{}{
		"name":    "cinder",
		"port":    int64(8776),
		"ratio":   1.5,
		"enabled": true,
		"hosts":   []interface{}{"a", "b"},
		"nested":  map[string]interface{}{"none": nil},
	}
	sv, err := toStarlarkValue(in)
	if err != nil {
		t.Fatalf("toStarlarkValue() error = %v", err)
	}
	out, err := fromStarlarkValue(sv)
	if err != nil {
		t.Fatalf("fromStarlarkValue() error = %v", err)
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map, got %T", out)
	}
	if m["port"] != int64(8776) || m["name"] != "cinder" || m["enabled"] != true {
		t.Errorf("unexpected round trip: %v", m)
	}
	if hosts, ok := m["hosts"].([]interface{}); !ok || len(hosts) != 2 {
		t.Errorf("unexpected hosts: %v", m["hosts"])
	}

	if _, err := toStarlarkValue(struct{}{}); err == nil {
		t.Error("expected error for unsupported type")
	}

	tuple := starlark.Tuple{starlark.String("x"), starlark.MakeInt(1)}
	got, err := fromStarlarkValue(tuple)
	if err != nil {
		t.Fatalf("fromStarlarkValue(tuple) error = %v", err)
	}
	if l, ok := got.([]interface{}); !ok || len(l) != 2 {
		t.Errorf("expected 2-element list, got %v", got)
	}
}
