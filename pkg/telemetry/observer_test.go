package telemetry

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/convergo/pkg/attributes"
	"github.com/openfroyo/convergo/pkg/engine"
)

// switchProvider flips named switches on; names listed in broken fail to
// apply.
type switchProvider struct {
	on     map[string]bool
	broken map[string]bool
}

func (p *switchProvider) Type() string { return "switch" }

func (p *switchProvider) Actions() []engine.Action {
	return []engine.Action{engine.ActionCreate, engine.ActionRestart}
}

func (p *switchProvider) Probe(_ context.Context, res *engine.Resource) (engine.State, error) {
	return engine.State{"on": p.on[res.Name]}, nil
}

func (p *switchProvider) Diff(_ *engine.Resource, actual engine.State) []engine.Change {
	if actual["on"] == true {
		return nil
	}
	return []engine.Change{{Property: "on", Desired: true, Actual: false}}
}

func (p *switchProvider) Apply(_ context.Context, res *engine.Resource, _ []engine.Change) error {
	if p.broken[res.Name] {
		return errors.New("stuck")
	}
	p.on[res.Name] = true
	return nil
}

func (p *switchProvider) Act(context.Context, *engine.Resource, engine.Action) error { return nil }

func switchGraph(t *testing.T, p *switchProvider) *engine.Graph {
	t.Helper()
	reg, err := engine.NewRegistry(p)
	if err != nil {
		t.Fatal(err)
	}
	b := engine.NewGraphBuilder(reg)
	err = b.AddAll([]engine.Declaration{
		{
			Identity: engine.Identity{Type: "switch", Name: "main"},
			Notifies: []engine.Notification{{
				Target: engine.Identity{Type: "switch", Name: "fan"},
				Action: engine.ActionRestart,
				Timing: engine.TimingDelayed,
			}},
		},
		{Identity: engine.Identity{Type: "switch", Name: "fan"}},
		{
			Identity:  engine.Identity{Type: "switch", Name: "heater"},
			DependsOn: []engine.Identity{{Type: "switch", Name: "fan"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	g, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func newTestObserver(t *testing.T) (*Observer, *tracetest.SpanRecorder, *Metrics) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tracer := newTracer(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)), "test", TracingConfig{})
	metrics, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatal(err)
	}
	return NewObserver(nil, tracer, metrics), recorder, metrics
}

func runSwitches(t *testing.T, obs engine.Observer, p *switchProvider, opts engine.Options) *engine.Report {
	t.Helper()
	view := attributes.NewStore().Snapshot()
	report, _ := engine.New(opts, obs).Run(context.Background(), switchGraph(t, p), view)
	return report
}

func TestObserverSpans(t *testing.T) {
	obs, recorder, _ := newTestObserver(t)
	p := &switchProvider{on: map[string]bool{"heater": true}, broken: map[string]bool{}}

	report := runSwitches(t, obs, p, engine.Options{})
	if report.Status != engine.RunStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", report.Status)
	}

	spans := recorder.Ended()
	if len(spans) != 4 {
		t.Fatalf("got %d spans, want 3 resources and 1 run", len(spans))
	}

	var run sdktrace.ReadOnlySpan
	outcomes := map[string]string{}
	for _, s := range spans {
		switch s.Name() {
		case "convergo.run":
			run = s
		case "convergo.resource":
			var id, outcome string
			for _, kv := range s.Attributes() {
				switch kv.Key {
				case AttrResourceID:
					id = kv.Value.AsString()
				case AttrResourceOutcome:
					outcome = kv.Value.AsString()
				}
			}
			outcomes[id] = outcome
		}
	}
	if run == nil {
		t.Fatal("no run span")
	}
	for _, s := range spans {
		if s.Name() == "convergo.resource" && s.Parent().SpanID() != run.SpanContext().SpanID() {
			t.Errorf("resource span %v is not a child of the run span", s.Attributes())
		}
	}

	want := map[string]string{
		"switch[main]":   "updated",
		"switch[fan]":    "updated",
		"switch[heater]": "unchanged",
	}
	for id, outcome := range want {
		if outcomes[id] != outcome {
			t.Errorf("span outcome of %s = %q, want %q", id, outcomes[id], outcome)
		}
	}

	var notified bool
	for _, ev := range run.Events() {
		if ev.Name == "notification" {
			notified = true
		}
	}
	if !notified {
		t.Error("run span has no notification event")
	}
	if run.Status().Code != codes.Ok {
		t.Errorf("run span status = %v, want Ok", run.Status().Code)
	}
}

func TestObserverMetrics(t *testing.T) {
	obs, _, metrics := newTestObserver(t)
	p := &switchProvider{on: map[string]bool{}, broken: map[string]bool{"fan": true}}

	report := runSwitches(t, obs, p, engine.Options{})
	if report.Status != engine.RunStatusFailed {
		t.Fatalf("status = %s, want failed", report.Status)
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"runs started", testutil.ToFloat64(metrics.runsStarted), 1},
		{"runs failed", testutil.ToFloat64(metrics.runsCompleted.WithLabelValues("failed", "false")), 1},
		{"updated", testutil.ToFloat64(metrics.resourcesConverged.WithLabelValues("switch", "updated")), 1},
		{"failed", testutil.ToFloat64(metrics.resourcesConverged.WithLabelValues("switch", "failed")), 1},
		// heater is never reached after the failure and is counted at run end.
		{"skipped", testutil.ToFloat64(metrics.resourcesConverged.WithLabelValues("switch", "skipped")), 1},
		{"changes", testutil.ToFloat64(metrics.resourceChanges.WithLabelValues("switch")), 2},
		{"permanent errors", testutil.ToFloat64(metrics.errorsByClass.WithLabelValues("permanent", engine.ErrCodeProviderFailed)), 1},
		{"active runs", testutil.ToFloat64(metrics.activeRuns), 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestObserverDryRunNotifications(t *testing.T) {
	obs, _, metrics := newTestObserver(t)
	p := &switchProvider{on: map[string]bool{}, broken: map[string]bool{}}

	runSwitches(t, obs, p, engine.Options{DryRun: true})

	if got := testutil.ToFloat64(metrics.notifications.WithLabelValues("delayed", engine.ModeAction, "false")); got != 1 {
		t.Errorf("recorded dry-run notifications = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.runsCompleted.WithLabelValues("succeeded", "true")); got != 1 {
		t.Errorf("dry-run completions = %v, want 1", got)
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	m.RecordRunStarted()
	m.RecordResource("file", "updated", 1, 0)
	m.RecordPolicyViolation("world-writable", "error")
	if m.Registry() != nil {
		t.Error("disabled metrics have a registry")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("disabled handler status = %d, want 404", rec.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatal(err)
	}
	m.RecordPolicyViolation("world-writable", "error")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `convergo_policy_violations_total{policy="world-writable",severity="error"} 1`) {
		t.Errorf("metrics output missing policy violation:\n%s", rec.Body.String())
	}
}
