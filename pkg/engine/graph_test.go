package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func buildGraph(t *testing.T, deps map[string][]string) *DependencyGraph {
	t.Helper()
	g := NewDependencyGraph()
	for id := range deps {
		g.AddNode(id)
	}
	for id, targets := range deps {
		for _, dep := range targets {
			if err := g.AddEdge(id, dep); err != nil {
				t.Fatalf("AddEdge(%s, %s): %v", id, dep, err)
			}
		}
	}
	return g
}

func TestDependencyGraph_Waves_Diamond(t *testing.T) {
	g := buildGraph(t, map[string][]string{
		"A": nil,
		"B": {"A"},
		"C": {"A"},
		"D": {"B", "C"},
	})

	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	waves, err := g.Waves()
	if err != nil {
		t.Fatalf("Waves: %v", err)
	}

	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if !reflect.DeepEqual(waves, want) {
		t.Errorf("Waves = %v, want %v", waves, want)
	}
}

func TestDependencyGraph_Waves_PartitionsAllNodesOnce(t *testing.T) {
	g := buildGraph(t, map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a"},
		"d": {"b"},
		"e": nil,
		"f": {"d", "c", "e"},
	})

	waves, err := g.Waves()
	if err != nil {
		t.Fatalf("Waves: %v", err)
	}

	seen := make(map[string]int)
	for _, wave := range waves {
		for _, id := range wave {
			seen[id]++
		}
	}
	if len(seen) != g.Len() {
		t.Errorf("waves contain %d distinct nodes, want %d", len(seen), g.Len())
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("node %s appears %d times", id, n)
		}
	}
}

func TestDependencyGraph_Waves_DependenciesAlwaysEarlier(t *testing.T) {
	deps := map[string][]string{
		"net":   nil,
		"db":    {"net"},
		"cache": {"net"},
		"app":   {"db", "cache"},
		"cdn":   {"app"},
	}
	g := buildGraph(t, deps)

	waves, err := g.Waves()
	if err != nil {
		t.Fatalf("Waves: %v", err)
	}

	waveOf := make(map[string]int)
	for i, wave := range waves {
		for _, id := range wave {
			waveOf[id] = i
		}
	}
	for id, targets := range deps {
		for _, dep := range targets {
			if waveOf[dep] >= waveOf[id] {
				t.Errorf("dependency %s (wave %d) not strictly before %s (wave %d)",
					dep, waveOf[dep], id, waveOf[id])
			}
		}
	}
}

func TestDependencyGraph_TopologicalOrder(t *testing.T) {
	deps := map[string][]string{
		"A": nil,
		"B": {"A"},
		"C": {"B"},
		"D": {"A", "C"},
	}
	g := buildGraph(t, deps)

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	if len(order) != 4 {
		t.Fatalf("order has %d entries, want 4", len(order))
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	for id, targets := range deps {
		for _, dep := range targets {
			if pos[dep] >= pos[id] {
				t.Errorf("%s should come before %s in %v", dep, id, order)
			}
		}
	}
}

func TestDependencyGraph_Validate_ReportsCyclePath(t *testing.T) {
	g := buildGraph(t, map[string][]string{
		"A": {"B"},
		"B": {"A"},
	})

	err := g.Validate()
	if err == nil {
		t.Fatal("expected a cycle error")
	}

	var derr *DeployError
	if !errors.As(err, &derr) {
		t.Fatalf("expected *DeployError, got %T", err)
	}
	if derr.Code != ErrCodeCycle {
		t.Errorf("Code = %s, want %s", derr.Code, ErrCodeCycle)
	}

	cycle, ok := derr.Details["cycle"].([]string)
	if !ok {
		t.Fatalf("cycle detail missing: %v", derr.Details)
	}
	// The path closes on its starting node: A -> B -> A or B -> A -> B.
	if len(cycle) != 3 || cycle[0] != cycle[len(cycle)-1] {
		t.Errorf("unexpected cycle path: %v", cycle)
	}
}

func TestDependencyGraph_Validate_SelfLoop(t *testing.T) {
	g := NewDependencyGraph()
	g.AddNode("A")
	if err := g.AddEdge("A", "A"); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	if err := g.Validate(); err == nil {
		t.Error("expected a cycle error for self-dependency")
	}
}

func TestDependencyGraph_Waves_CycleFails(t *testing.T) {
	g := buildGraph(t, map[string][]string{
		"A": {"C"},
		"B": {"A"},
		"C": {"B"},
	})

	if _, err := g.Waves(); err == nil {
		t.Error("expected Waves to fail on a cyclic graph")
	}
}

func TestDependencyGraph_AddEdge_UnknownNode(t *testing.T) {
	g := NewDependencyGraph()
	g.AddNode("A")

	err := g.AddEdge("A", "missing")
	if err == nil {
		t.Fatal("expected an error for unknown dependency")
	}

	var derr *DeployError
	if !errors.As(err, &derr) {
		t.Fatalf("expected *DeployError, got %T", err)
	}
	if derr.Code != ErrCodeMissingDependency {
		t.Errorf("Code = %s, want %s", derr.Code, ErrCodeMissingDependency)
	}
}

func TestDependencyGraph_DependentsAndDependencies(t *testing.T) {
	g := buildGraph(t, map[string][]string{
		"A": nil,
		"B": {"A"},
		"C": {"A"},
	})

	deps := g.Dependencies("B")
	if len(deps) != 1 || deps[0] != "A" {
		t.Errorf("Dependencies(B) = %v, want [A]", deps)
	}

	dependents := g.Dependents("A")
	if len(dependents) != 2 {
		t.Errorf("Dependents(A) = %v, want two entries", dependents)
	}
}

func TestDependencyGraph_Waves_Empty(t *testing.T) {
	g := NewDependencyGraph()
	waves, err := g.Waves()
	if err != nil {
		t.Fatalf("Waves: %v", err)
	}
	if len(waves) != 0 {
		t.Errorf("expected no waves, got %v", waves)
	}
}

func TestDependencyGraph_ToDOT(t *testing.T) {
	g := buildGraph(t, map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a", "b"},
	})

	dot := g.ToDOT()
	if !strings.HasPrefix(dot, "digraph DependencyGraph {") {
		t.Fatalf("unexpected header:\n%s", dot)
	}
	for _, want := range []string{`"a";`, `"b";`, `"c";`, `"b" -> "a";`, `"c" -> "a";`, `"c" -> "b";`} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %s:\n%s", want, dot)
		}
	}
	if strings.Contains(dot, `"a" -> "b"`) {
		t.Error("edge direction must point from dependent to dependency")
	}
}
