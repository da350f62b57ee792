package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyGraph is a DAG over resource identifiers. Edges point from
// a dependent to the dependency it requires. The graph is mutable
// while being built and must pass Validate before any waves are
// issued; once a plan is built the graph is shared read-only.
type DependencyGraph struct {
	// nodes is the set of known resource IDs.
	nodes map[string]struct{}

	// dependencies maps a resource to the IDs it depends on.
	dependencies map[string][]string

	// dependents maps a resource to the IDs that depend on it.
	dependents map[string][]string
}

// NewDependencyGraph creates an empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes:        make(map[string]struct{}),
		dependencies: make(map[string][]string),
		dependents:   make(map[string][]string),
	}
}

// AddNode registers a resource ID. Adding an existing node is a no-op.
func (g *DependencyGraph) AddNode(id string) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = struct{}{}
	g.dependencies[id] = nil
	g.dependents[id] = nil
}

// HasNode reports whether the resource ID is in the graph.
func (g *DependencyGraph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes in the graph.
func (g *DependencyGraph) Len() int {
	return len(g.nodes)
}

// AddEdge records that dependent requires dependency. Both endpoints
// must already be nodes; an edge to an unknown node is a
// MISSING_DEPENDENCY error.
func (g *DependencyGraph) AddEdge(dependent, dependency string) error {
	if _, ok := g.nodes[dependent]; !ok {
		return NewPermanentError(
			fmt.Sprintf("edge references unknown resource %s", dependent), nil).
			WithCode(ErrCodeMissingDependency).WithResource(dependent)
	}
	if _, ok := g.nodes[dependency]; !ok {
		return NewPermanentError(
			fmt.Sprintf("resource %s depends on unknown resource %s", dependent, dependency), nil).
			WithCode(ErrCodeMissingDependency).WithResource(dependent)
	}

	for _, d := range g.dependencies[dependent] {
		if d == dependency {
			return nil
		}
	}
	g.dependencies[dependent] = append(g.dependencies[dependent], dependency)
	g.dependents[dependency] = append(g.dependents[dependency], dependent)
	return nil
}

// Dependencies returns the IDs the resource directly depends on.
func (g *DependencyGraph) Dependencies(id string) []string {
	return append([]string(nil), g.dependencies[id]...)
}

// Dependents returns the IDs that directly depend on the resource.
func (g *DependencyGraph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// node colors for cycle detection.
type dfsColor int

const (
	colorUnvisited dfsColor = iota
	colorInProgress
	colorDone
)

// Validate detects circular dependencies with a three-color DFS: a
// back-edge to an in-progress node signals a cycle. The returned error
// names the offending cycle path. No provisioning call may be issued
// until Validate reports no cycle.
func (g *DependencyGraph) Validate() error {
	colors := make(map[string]dfsColor, len(g.nodes))

	for _, id := range g.sortedNodes() {
		if colors[id] != colorUnvisited {
			continue
		}
		if cycle := g.findCycle(id, colors, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil).
				WithCode(ErrCodeCycle).
				WithDetail("cycle", cycle)
		}
	}
	return nil
}

// findCycle walks the dependency edges depth-first, returning the
// cycle path if one is found.
func (g *DependencyGraph) findCycle(id string, colors map[string]dfsColor, path []string) []string {
	colors[id] = colorInProgress
	path = append(path, id)

	for _, dep := range g.dependencies[id] {
		switch colors[dep] {
		case colorInProgress:
			// Back-edge: slice the path from the first occurrence of
			// dep to close the cycle.
			for i, p := range path {
				if p == dep {
					return append(append([]string(nil), path[i:]...), dep)
				}
			}
			return append(path, dep)
		case colorUnvisited:
			if cycle := g.findCycle(dep, colors, path); cycle != nil {
				return cycle
			}
		}
	}

	colors[id] = colorDone
	return nil
}

// TopologicalOrder returns a full linear ordering via Kahn's
// algorithm: every dependency appears before its dependents.
// Destruction order is the reverse of this.
func (g *DependencyGraph) TopologicalOrder() ([]string, error) {
	waves, err := g.Waves()
	if err != nil {
		return nil, err
	}

	order := make([]string, 0, len(g.nodes))
	for _, wave := range waves {
		order = append(order, wave...)
	}
	return order, nil
}

// Waves returns a leveled Kahn partition: at each step the set of all
// currently zero-in-degree nodes forms one wave. Every node lands in
// the earliest wave consistent with its dependencies, which maximizes
// intra-wave parallelism. Waves are sorted for deterministic output.
func (g *DependencyGraph) Waves() ([][]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.dependencies[id])
	}

	current := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	var waves [][]string
	processed := 0
	for len(current) > 0 {
		waves = append(waves, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(g.nodes) {
		// Leftover nodes all sit on cycles. Validate gives the precise
		// path; this is the guard for callers that skipped it.
		return nil, NewPermanentError("dependency graph contains a cycle", nil).
			WithCode(ErrCodeCycle)
	}
	return waves, nil
}

// sortedNodes returns node IDs in lexical order for deterministic
// traversal.
func (g *DependencyGraph) sortedNodes() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// ToDOT generates a DOT representation of the graph for visualization
// with Graphviz tools.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph DependencyGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, id := range g.sortedNodes() {
		sb.WriteString(fmt.Sprintf("  %q;\n", id))
	}
	sb.WriteString("\n")
	for _, id := range g.sortedNodes() {
		deps := append([]string(nil), g.dependencies[id]...)
		sort.Strings(deps)
		for _, dep := range deps {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", id, dep))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
