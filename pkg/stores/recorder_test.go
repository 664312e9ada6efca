package stores

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/convergo/pkg/attributes"
	"github.com/openfroyo/convergo/pkg/engine"
)

// lampProvider keeps a "value" per resource in memory.
type lampProvider struct {
	state   map[string]string
	failing map[string]bool
	acts    []string
}

func newLampProvider() *lampProvider {
	return &lampProvider{state: map[string]string{}, failing: map[string]bool{}}
}

func (p *lampProvider) Type() string { return "lamp" }

func (p *lampProvider) Actions() []engine.Action {
	return []engine.Action{engine.ActionCreate, engine.ActionRestart}
}

func (p *lampProvider) Probe(_ context.Context, res *engine.Resource) (engine.State, error) {
	return engine.State{"value": p.state[res.Name]}, nil
}

func (p *lampProvider) Diff(res *engine.Resource, actual engine.State) []engine.Change {
	want, _ := res.Properties["value"].(string)
	if actual["value"] == want {
		return nil
	}
	return []engine.Change{{Property: "value", Desired: want, Actual: actual["value"]}}
}

func (p *lampProvider) Apply(_ context.Context, res *engine.Resource, _ []engine.Change) error {
	if p.failing[res.Name] {
		return errors.New("bulb blown")
	}
	p.state[res.Name], _ = res.Properties["value"].(string)
	return nil
}

func (p *lampProvider) Act(_ context.Context, res *engine.Resource, action engine.Action) error {
	p.acts = append(p.acts, string(action)+" "+res.Name)
	return nil
}

func buildLampGraph(t *testing.T, p *lampProvider) *engine.Graph {
	t.Helper()
	reg, err := engine.NewRegistry(p)
	if err != nil {
		t.Fatal(err)
	}
	b := engine.NewGraphBuilder(reg)
	decls := []engine.Declaration{
		{
			Identity:   engine.Identity{Type: "lamp", Name: "hall"},
			Properties: map[string]interface{}{"value": "on"},
			Notifies: []engine.Notification{{
				Target: engine.Identity{Type: "lamp", Name: "porch"},
				Action: engine.ActionRestart,
				Timing: engine.TimingDelayed,
			}},
		},
		{
			Identity:   engine.Identity{Type: "lamp", Name: "porch"},
			Properties: map[string]interface{}{"value": "off"},
		},
	}
	if err := b.AddAll(decls); err != nil {
		t.Fatal(err)
	}
	g, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestRecorderRecordsRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	p := newLampProvider()
	view := attributes.NewStore().Snapshot()

	rec := NewRecorder(store, "lights", "localhost", zerolog.Nop())
	report, err := engine.New(engine.Options{RunID: "run-1"}, rec).Run(ctx, buildLampGraph(t, p), view)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != RunStatusSucceeded || run.ExitCode != 0 || run.Name != "lights" {
		t.Errorf("unexpected run %+v", run)
	}
	var summary engine.Summary
	if err := json.Unmarshal([]byte(run.Summary), &summary); err != nil {
		t.Fatalf("invalid summary JSON %q: %v", run.Summary, err)
	}
	if summary != report.Summary {
		t.Errorf("recorded summary %+v, want %+v", summary, report.Summary)
	}

	results, err := store.ListResourceResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(results) != 2 || results[0].ResourceName != "hall" || results[0].Outcome != "updated" {
		t.Fatalf("unexpected results %+v", results)
	}

	events, err := store.ListNotifications(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list notifications: %v", err)
	}
	if len(events) != 1 || events[0].Target != "lamp[porch]" || events[0].Action != "restart" || !events[0].Fired {
		t.Errorf("unexpected notifications %+v", events)
	}

	state, err := store.GetResourceState(ctx, "lamp", "hall")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state.LastChangedAt == nil || state.LastRunID != "run-1" {
		t.Errorf("unexpected state %+v", state)
	}

	// A second run converges nothing and keeps the change time.
	rec = NewRecorder(store, "lights", "localhost", zerolog.Nop())
	if _, err := engine.New(engine.Options{RunID: "run-2"}, rec).Run(ctx, buildLampGraph(t, p), view); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	again, err := store.GetResourceState(ctx, "lamp", "hall")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if again.Outcome != "unchanged" || again.LastRunID != "run-2" {
		t.Errorf("unexpected state after second run %+v", again)
	}
	if again.LastChangedAt == nil || !again.LastChangedAt.Equal(*state.LastChangedAt) {
		t.Errorf("last change moved: %v -> %v", state.LastChangedAt, again.LastChangedAt)
	}
}

func TestRecorderRecordsFailure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	p := newLampProvider()
	p.failing["hall"] = true

	rec := NewRecorder(store, "lights", "storage-1", zerolog.Nop())
	report, err := engine.New(engine.Options{RunID: "run-f"}, rec).Run(ctx, buildLampGraph(t, p), attributes.NewStore().Snapshot())
	if err == nil {
		t.Fatal("expected run error")
	}

	run, err := store.GetRun(ctx, "run-f")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != RunStatusFailed || run.ExitCode != report.ExitCode() || run.Error == nil {
		t.Errorf("unexpected run %+v", run)
	}
	if run.Host != "storage-1" {
		t.Errorf("expected host storage-1, got %s", run.Host)
	}

	results, err := store.ListResourceResults(ctx, "run-f")
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(results) != 2 || results[0].Outcome != "failed" || results[0].Error == nil {
		t.Fatalf("unexpected results %+v", results)
	}
	if results[1].ResourceName != "porch" || results[1].Outcome != "skipped" {
		t.Errorf("expected porch to be recorded as skipped, got %+v", results[1])
	}

	// Skipped resources leave no state behind.
	if _, err := store.GetResourceState(ctx, "lamp", "porch"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no state for skipped resource, got %v", err)
	}
}

func TestRecorderDryRunKeepsState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	p := newLampProvider()

	rec := NewRecorder(store, "lights", "localhost", zerolog.Nop())
	if _, err := engine.New(engine.Options{RunID: "run-d", DryRun: true}, rec).Run(ctx, buildLampGraph(t, p), attributes.NewStore().Snapshot()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	run, err := store.GetRun(ctx, "run-d")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if !run.DryRun {
		t.Error("expected dry run to be recorded")
	}
	events, _ := store.ListNotifications(ctx, "run-d")
	if len(events) != 1 || events[0].Fired {
		t.Errorf("expected one recorded, unfired notification, got %+v", events)
	}
	states, _ := store.ListResourceStates(ctx, 10, 0)
	if len(states) != 0 {
		t.Errorf("dry run must not record resource state, got %d", len(states))
	}
}
