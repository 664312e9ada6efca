package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/openfroyo/convergo/pkg/attributes"
)

// callLog records provider side effects across providers so tests can
// assert on global ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// mockProvider keeps resource state in memory. A resource's desired state is
// its "value" property, defaulting to "present".
type mockProvider struct {
	typ       string
	actions   []Action
	log       *callLog
	state     map[string]string
	failApply map[string]bool
	failProbe map[string]bool
	failAct   map[string]bool
	probes    int
}

func newMockProvider(typ string, log *callLog, actions ...Action) *mockProvider {
	if len(actions) == 0 {
		actions = []Action{ActionCreate, ActionRestart, ActionReload}
	}
	return &mockProvider{
		typ:       typ,
		actions:   actions,
		log:       log,
		state:     make(map[string]string),
		failApply: make(map[string]bool),
		failProbe: make(map[string]bool),
		failAct:   make(map[string]bool),
	}
}

func (m *mockProvider) Type() string      { return m.typ }
func (m *mockProvider) Actions() []Action { return m.actions }

func (m *mockProvider) Probe(ctx context.Context, res *Resource) (State, error) {
	m.probes++
	if m.failProbe[res.Name] {
		return nil, errors.New("probe exploded")
	}
	current, ok := m.state[res.Name]
	if !ok {
		return State{}, nil
	}
	return State{"value": current}, nil
}

func desiredValue(res *Resource) string {
	if v, ok := res.Properties["value"].(string); ok {
		return v
	}
	return "present"
}

func (m *mockProvider) Diff(res *Resource, actual State) []Change {
	want := desiredValue(res)
	if actual["value"] == want {
		return nil
	}
	return []Change{{Property: "value", Desired: want, Actual: actual["value"]}}
}

func (m *mockProvider) Apply(ctx context.Context, res *Resource, changes []Change) error {
	if m.failApply[res.Name] {
		return errors.New("apply exploded")
	}
	m.state[res.Name] = desiredValue(res)
	m.log.add("apply %s", res.Identity)
	return nil
}

func (m *mockProvider) Act(ctx context.Context, res *Resource, action Action) error {
	if m.failAct[res.Name] {
		return errors.New("action exploded")
	}
	m.log.add("%s %s", action, res.Identity)
	return nil
}

type fixture struct {
	log      *callLog
	registry *Registry
	packages *mockProvider
	files    *mockProvider
	services *mockProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := &callLog{}
	f := &fixture{
		log:      log,
		packages: newMockProvider("package", log, ActionInstall, ActionUpgrade, ActionRemove),
		files:    newMockProvider("file", log, ActionCreate, ActionDelete),
		services: newMockProvider("service", log, ActionStart, ActionEnable, ActionRestart, ActionReload),
	}
	registry, err := NewRegistry(f.packages, f.files, f.services)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	f.registry = registry
	return f
}

func (f *fixture) build(t *testing.T, decls ...Declaration) *Graph {
	t.Helper()
	b := NewGraphBuilder(f.registry)
	if err := b.AddAll(decls); err != nil {
		t.Fatalf("Expected no error adding declarations, got: %v", err)
	}
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Expected no error building graph, got: %v", err)
	}
	return g
}

func (f *fixture) run(t *testing.T, g *Graph, opts Options) (*Report, error) {
	t.Helper()
	return New(opts).Run(context.Background(), g, attributes.NewStore().Snapshot())
}

func id(typ, name string) Identity {
	return Identity{Type: typ, Name: name}
}

func decl(typ, name string) Declaration {
	return Declaration{Identity: id(typ, name)}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
