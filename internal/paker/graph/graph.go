// Package graph implements the dependency graph (C4): an in-memory DAG of
// package nodes and the edges that justify them, plus cycle and conflict
// diagnosis. The graph only analyzes; it never fetches (spec §4.4).
package graph

import (
	"sort"

	"github.com/paker-dev/paker/internal/paker/pakererr"
	"github.com/paker-dev/paker/internal/paker/version"
)

// Status is a node's position in the lifecycle of spec §3.
type Status uint8

const (
	Declared Status = iota
	Resolved
	Fetched
	Linked
	Conflict
	Failed
)

func (s Status) String() string {
	switch s {
	case Declared:
		return "declared"
	case Resolved:
		return "resolved"
	case Fetched:
		return "fetched"
	case Linked:
		return "linked"
	case Conflict:
		return "conflict"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Node is a graph vertex: a package id, its chosen version once resolved,
// its source url, and its lifecycle status.
type Node struct {
	Package  string
	Version  version.Version
	Source   string
	Status   Status
	Revision string // concrete checkout revision, may differ from Version's tag
	Digest   string // content digest of the fetched checkout, once known
}

// Edge is a directed parent -> child requirement, carrying the
// constraint that justified it.
type Edge struct {
	Parent     string // "" denotes the virtual root
	Child      string
	Constraint version.Constraint
}

// Graph is an arena of nodes plus adjacency maps indexed by package id,
// per spec §4.4.
type Graph struct {
	nodes map[string]*Node
	// inbound[pkg] holds every edge whose Child == pkg.
	inbound map[string][]Edge
	// outbound[pkg] holds every edge whose Parent == pkg.
	outbound map[string][]Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes:    map[string]*Node{},
		inbound:  map[string][]Edge{},
		outbound: map[string][]Edge{},
	}
}

// UpsertNode returns the node for pkg, creating it in Declared status if
// it doesn't already exist. Idempotent.
func (g *Graph) UpsertNode(pkg string) *Node {
	if n, ok := g.nodes[pkg]; ok {
		return n
	}
	n := &Node{Package: pkg, Status: Declared}
	g.nodes[pkg] = n
	return n
}

// Node returns the node for pkg, or nil if it hasn't been created.
func (g *Graph) Node(pkg string) *Node { return g.nodes[pkg] }

// Nodes returns every node, ordered by package id for deterministic
// iteration.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out
}

// AddEdge records a parent -> child requirement. It fails with
// SelfDependency (surfaced as CycleDetected, per spec §8 "Self-dependency
// -> CycleDetected before any fetch") if parent == child.
func (g *Graph) AddEdge(parent, child string, c version.Constraint) error {
	if parent == child && parent != "" {
		return &pakererr.CycleDetected{Witness: []string{parent, child}}
	}
	g.UpsertNode(child)
	if parent != "" {
		g.UpsertNode(parent)
	}
	e := Edge{Parent: parent, Child: child, Constraint: c}
	g.inbound[child] = append(g.inbound[child], e)
	if parent != "" {
		g.outbound[parent] = append(g.outbound[parent], e)
	}
	return nil
}

// ConstraintsOn returns every inbound edge constraint on pkg.
func (g *Graph) ConstraintsOn(pkg string) []version.Constraint {
	edges := g.inbound[pkg]
	cs := make([]version.Constraint, len(edges))
	for i, e := range edges {
		cs[i] = e.Constraint
	}
	return cs
}

// InboundEdges returns the raw inbound edges on pkg, parents included,
// for conflict reporting.
func (g *Graph) InboundEdges(pkg string) []Edge {
	return append([]Edge(nil), g.inbound[pkg]...)
}

// IntersectedConstraint folds every inbound constraint on pkg through
// Intersect, returning version.Any if pkg has no inbound edges.
func (g *Graph) IntersectedConstraint(pkg string) version.Constraint {
	c := version.Constraint(version.Any)
	for _, e := range g.inbound[pkg] {
		c = c.Intersect(e.Constraint)
	}
	return c
}

// three-coloring DFS state.
type color uint8

const (
	white color = iota
	gray
	black
)

// DetectCycle runs a DFS with three-coloring over the outbound adjacency
// and returns a witness cycle (the path from the back-edge's target back
// to itself) if one exists, nil otherwise. Traversal order is
// deterministic: package ids are visited in lexicographic order so the
// witness is reproducible across runs.
func (g *Graph) DetectCycle() []string {
	colors := map[string]color{}
	var path []string
	var witness []string

	var visit func(pkg string) bool
	visit = func(pkg string) bool {
		colors[pkg] = gray
		path = append(path, pkg)

		children := append([]Edge(nil), g.outbound[pkg]...)
		sort.Slice(children, func(i, j int) bool { return children[i].Child < children[j].Child })
		for _, e := range children {
			switch colors[e.Child] {
			case white:
				if visit(e.Child) {
					return true
				}
			case gray:
				// Back-edge found: build the witness from its first
				// occurrence in path to here.
				for i, p := range path {
					if p == e.Child {
						witness = append([]string(nil), path[i:]...)
						witness = append(witness, e.Child)
						return true
					}
				}
			}
		}

		colors[pkg] = black
		path = path[:len(path)-1]
		return false
	}

	roots := make([]string, 0, len(g.nodes))
	for pkg := range g.nodes {
		roots = append(roots, pkg)
	}
	sort.Strings(roots)
	for _, pkg := range roots {
		if colors[pkg] == white {
			if visit(pkg) {
				return witness
			}
		}
	}
	return nil
}

// TopologicalOrder returns nodes in dependency order: a standard
// topological sort of the outbound edges, so every parent precedes its
// children. It is valid only when the graph is acyclic. Ties are broken
// by package id for determinism.
func (g *Graph) TopologicalOrder() ([]string, error) {
	if cyc := g.DetectCycle(); cyc != nil {
		return nil, &pakererr.CycleDetected{Witness: cyc}
	}

	indegree := map[string]int{}
	for pkg := range g.nodes {
		indegree[pkg] = 0
	}
	for _, edges := range g.inbound {
		for _, e := range edges {
			if e.Parent != "" {
				indegree[e.Child]++
			}
		}
	}

	var ready []string
	for pkg, d := range indegree {
		if d == 0 {
			ready = append(ready, pkg)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		pkg := ready[0]
		ready = ready[1:]
		order = append(order, pkg)

		children := append([]Edge(nil), g.outbound[pkg]...)
		sort.Slice(children, func(i, j int) bool { return children[i].Child < children[j].Child })
		for _, e := range children {
			indegree[e.Child]--
			if indegree[e.Child] == 0 {
				ready = insertSorted(ready, e.Child)
			}
		}
	}
	return order, nil
}

func insertSorted(xs []string, x string) []string {
	i := sort.SearchStrings(xs, x)
	xs = append(xs, "")
	copy(xs[i+1:], xs[i:])
	xs[i] = x
	return xs
}

// ConflictReport is one diagnosed conflict: a package whose inbound
// constraints intersect to None, with the offending edges.
type ConflictReport struct {
	Package string
	Edges   []Edge
}

// DiagnoseConflicts returns one report per package whose inbound
// constraints have an empty intersection.
func (g *Graph) DiagnoseConflicts() []ConflictReport {
	var reports []ConflictReport
	for _, pkg := range g.packageIDs() {
		if g.IntersectedConstraint(pkg).Empty() {
			reports = append(reports, ConflictReport{Package: pkg, Edges: g.InboundEdges(pkg)})
		}
	}
	return reports
}

func (g *Graph) packageIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for pkg := range g.nodes {
		ids = append(ids, pkg)
	}
	sort.Strings(ids)
	return ids
}
