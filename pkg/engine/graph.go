package engine

import (
	"container/heap"
	"fmt"
	"strings"
)

// EdgeKind distinguishes ordering edges from notification edges.
type EdgeKind string

const (
	// EdgeDependsOn orders the dependent after its dependency.
	EdgeDependsOn EdgeKind = "depends_on"

	// EdgeNotifies carries a notification. It does not constrain the visit
	// order: immediate notifications are serviced re-entrantly.
	EdgeNotifies EdgeKind = "notifies"
)

// Edge is a directed relation between two resources.
type Edge struct {
	From   Identity `json:"from"`
	To     Identity `json:"to"`
	Kind   EdgeKind `json:"kind"`
	Action Action   `json:"action,omitempty"`
	Timing Timing   `json:"timing,omitempty"`
}

// Node is a resource in a built graph.
type Node struct {
	Declaration

	// Index is the position of the declaration in the input.
	Index int

	// Dependencies are the resources this one must follow.
	Dependencies []Identity

	// Dependents are the resources that must follow this one.
	Dependents []Identity

	// Notifications are queued, in order, when this resource is updated.
	// Subscriptions declared on other resources are folded in here.
	Notifications []Notification

	provider Provider
	guard    *guard
}

// Graph is an acyclic resource graph with a fixed visit order.
type Graph struct {
	order []*Node
	nodes map[Identity]*Node
	edges []Edge
}

// Order returns resource identities in visit order.
func (g *Graph) Order() []Identity {
	ids := make([]Identity, len(g.order))
	for i, n := range g.order {
		ids[i] = n.Identity
	}
	return ids
}

// Nodes returns the nodes in visit order.
func (g *Graph) Nodes() []*Node {
	return g.order
}

// Node looks up a node by identity.
func (g *Graph) Node(id Identity) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Edges returns every edge of the graph.
func (g *Graph) Edges() []Edge {
	return g.edges
}

// Len returns the number of resources.
func (g *Graph) Len() int {
	return len(g.order)
}

// GraphBuilder collects declarations and turns them into a Graph.
type GraphBuilder struct {
	registry *Registry
	decls    []*Declaration
	index    map[Identity]int
}

// NewGraphBuilder creates a builder that resolves providers and actions
// against registry.
func NewGraphBuilder(registry *Registry) *GraphBuilder {
	return &GraphBuilder{
		registry: registry,
		index:    make(map[Identity]int),
	}
}

// Add appends a declaration. Declaring the same (type, name) twice fails
// with a DuplicateResourceError.
func (b *GraphBuilder) Add(decl Declaration) error {
	id := decl.Identity
	if id.Type == "" || id.Name == "" {
		return buildError(id, ErrCodeValidation,
			fmt.Errorf("resource declaration %q is missing a type or name", id.String()))
	}
	if _, exists := b.index[id]; exists {
		return buildError(id, ErrCodeAlreadyExists, &DuplicateResourceError{Identity: id})
	}

	d := decl
	d.Actions = append([]Action(nil), decl.Actions...)
	d.DependsOn = append([]Identity(nil), decl.DependsOn...)
	d.Notifies = append([]Notification(nil), decl.Notifies...)
	d.Subscribes = append([]Notification(nil), decl.Subscribes...)

	b.index[id] = len(b.decls)
	b.decls = append(b.decls, &d)
	return nil
}

// AddAll adds declarations in order, stopping at the first error.
func (b *GraphBuilder) AddAll(decls []Declaration) error {
	for _, d := range decls {
		if err := b.Add(d); err != nil {
			return err
		}
	}
	return nil
}

// Build resolves providers, actions, references and guards, then orders the
// resources. Declaration order is kept wherever no depends_on edge requires
// otherwise. A dependency cycle fails with a CycleDetectedError naming every
// resource on it.
func (b *GraphBuilder) Build() (*Graph, error) {
	nodes := make([]*Node, len(b.decls))
	byID := make(map[Identity]*Node, len(b.decls))

	for i, decl := range b.decls {
		provider, ok := b.registry.Get(decl.Type)
		if !ok {
			return nil, buildError(decl.Identity, ErrCodeValidation, &UnknownTypeError{Identity: decl.Identity})
		}
		if len(decl.Actions) == 0 {
			decl.Actions = []Action{provider.Actions()[0]}
		}
		for _, a := range decl.Actions {
			if !supportsAction(provider, a) {
				return nil, buildError(decl.Identity, ErrCodeUnsupported, &UnsupportedActionError{
					Identity: decl.Identity, Action: a, Supported: provider.Actions(),
				})
			}
		}
		g, err := compileGuard(decl)
		if err != nil {
			return nil, buildError(decl.Identity, ErrCodeValidation, err)
		}
		n := &Node{Declaration: *decl, Index: i, provider: provider, guard: g}
		nodes[i] = n
		byID[decl.Identity] = n
	}

	var edges []Edge
	adj := make([][]int, len(nodes))
	for i, n := range nodes {
		seen := make(map[Identity]bool)
		for _, dep := range n.DependsOn {
			depNode, ok := byID[dep]
			if !ok {
				return nil, buildError(n.Identity, ErrCodeNotFound, &UnknownResourceError{
					From: n.Identity, Target: dep, Relation: "depends on",
				})
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			adj[depNode.Index] = append(adj[depNode.Index], i)
			n.Dependencies = append(n.Dependencies, dep)
			depNode.Dependents = append(depNode.Dependents, n.Identity)
			edges = append(edges, Edge{From: dep, To: n.Identity, Kind: EdgeDependsOn})
		}
	}

	// Own notifications first, then subscriptions in declaration order.
	for _, n := range nodes {
		for _, note := range n.Notifies {
			note.Source = n.Identity
			if err := b.resolveNotification(byID, n.Identity, &note); err != nil {
				return nil, err
			}
			n.Notifications = append(n.Notifications, note)
			edges = append(edges, Edge{From: note.Source, To: note.Target, Kind: EdgeNotifies, Action: note.Action, Timing: note.Timing})
		}
	}
	for _, n := range nodes {
		for _, sub := range n.Subscribes {
			sub.Target = n.Identity
			if err := b.resolveNotification(byID, n.Identity, &sub); err != nil {
				return nil, err
			}
			source := byID[sub.Source]
			source.Notifications = append(source.Notifications, sub)
			edges = append(edges, Edge{From: sub.Source, To: sub.Target, Kind: EdgeNotifies, Action: sub.Action, Timing: sub.Timing})
		}
	}

	if cycle := findCycle(adj); cycle != nil {
		members := make([]Identity, len(cycle))
		for i, idx := range cycle {
			members[i] = nodes[idx].Identity
		}
		return nil, buildError(members[0], ErrCodeCycle, &CycleDetectedError{Members: members})
	}

	order := topoOrder(adj)
	graph := &Graph{
		order: make([]*Node, len(order)),
		nodes: byID,
		edges: edges,
	}
	for i, idx := range order {
		graph.order[i] = nodes[idx]
	}
	return graph, nil
}

// resolveNotification fills defaults and checks that both ends exist and
// that the target's provider supports the action.
func (b *GraphBuilder) resolveNotification(byID map[Identity]*Node, declaredOn Identity, n *Notification) error {
	if n.Timing == "" {
		n.Timing = TimingDelayed
	}
	if n.Timing != TimingDelayed && n.Timing != TimingImmediate {
		return buildError(declaredOn, ErrCodeValidation, fmt.Errorf("unknown notification timing %q", n.Timing))
	}
	if _, ok := byID[n.Source]; !ok {
		return buildError(declaredOn, ErrCodeNotFound, &UnknownResourceError{
			From: declaredOn, Target: n.Source, Relation: "subscribes to",
		})
	}
	target, ok := byID[n.Target]
	if !ok {
		return buildError(declaredOn, ErrCodeNotFound, &UnknownResourceError{
			From: declaredOn, Target: n.Target, Relation: "notifies",
		})
	}
	if n.Action == "" {
		n.Action = target.provider.Actions()[0]
	}
	if !supportsAction(target.provider, n.Action) {
		return buildError(declaredOn, ErrCodeUnsupported, &UnsupportedActionError{
			Identity: n.Target, Action: n.Action, Supported: target.provider.Actions(),
		})
	}
	return nil
}

// findCycle runs a depth-first search in declaration order and returns the
// node indexes of the first cycle found, or nil.
func findCycle(adj [][]int) []int {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(adj))
	var path []int

	var visit func(int) []int
	visit = func(n int) []int {
		color[n] = grey
		path = append(path, n)
		for _, next := range adj[n] {
			switch color[next] {
			case grey:
				for i, p := range path {
					if p == next {
						return append([]int(nil), path[i:]...)
					}
				}
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil
	}

	for n := range adj {
		if color[n] == white {
			if cycle := visit(n); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// topoOrder is Kahn's algorithm that always picks the ready node declared
// earliest, so declaration order is the tie breaker.
func topoOrder(adj [][]int) []int {
	inDegree := make([]int, len(adj))
	for _, targets := range adj {
		for _, t := range targets {
			inDegree[t]++
		}
	}

	ready := &intHeap{}
	for n, d := range inDegree {
		if d == 0 {
			heap.Push(ready, n)
		}
	}

	order := make([]int, 0, len(adj))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		order = append(order, n)
		for _, t := range adj[n] {
			inDegree[t]--
			if inDegree[t] == 0 {
				heap.Push(ready, t)
			}
		}
	}
	return order
}

type intHeap []int

func (h intHeap) Len() int            { return len(h) }
func (h intHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Resources {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for i, n := range g.order {
		actions := make([]string, len(n.Actions))
		for j, a := range n.Actions {
			actions[j] = string(a)
		}
		sb.WriteString(fmt.Sprintf("  %q [label=\"%d. %s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
			n.Identity.String(), i+1, n.Identity.String(), strings.Join(actions, ","), typeColor(n.Type)))
	}
	sb.WriteString("\n")

	for _, e := range g.edges {
		sb.WriteString(fmt.Sprintf("  %q -> %q [%s];\n", e.From.String(), e.To.String(), edgeStyle(e)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func typeColor(resourceType string) string {
	switch resourceType {
	case "package":
		return "lightgreen"
	case "service":
		return "lightblue"
	case "file", "template", "directory":
		return "lightyellow"
	case "execute":
		return "lightcoral"
	default:
		return "white"
	}
}

func edgeStyle(e Edge) string {
	if e.Kind == EdgeDependsOn {
		return "style=solid, color=black"
	}
	if e.Timing == TimingImmediate {
		return fmt.Sprintf("style=dashed, color=red, label=%q", string(e.Action)+" (immediate)")
	}
	return fmt.Sprintf("style=dashed, color=blue, label=%q", string(e.Action))
}
