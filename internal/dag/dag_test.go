package dag

import (
	"reflect"
	"testing"
)

func TestTopoSortLinear(t *testing.T) {
	g := New[string]()
	g.AddNode("a")
	g.AddNode("b")
	g.AddNode("c")
	if err := g.AddEdge("a", "b"); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("b", "c"); err != nil {
		t.Fatal(err)
	}

	got := g.TopoSort()
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("TopoSort = %v, want %v", got, want)
	}
}

// Mirrors spec §8 scenario 5: A produces e1, B depends on e1 and
// produces e2, C depends on e2, D depends on e1.
func TestTopoSortDiamond(t *testing.T) {
	g := New[string]()
	for _, n := range []string{"A", "B", "C", "D"} {
		g.AddNode(n)
	}
	must(t, g.AddEdge("A", "B"))
	must(t, g.AddEdge("B", "C"))
	must(t, g.AddEdge("A", "D"))

	order := g.TopoSort()
	pos := indexOf(order)

	if pos["A"] > pos["B"] || pos["A"] > pos["D"] || pos["B"] > pos["C"] {
		t.Errorf("topological order violated: %v", order)
	}
}

func TestAddEdgeDetectsCycle(t *testing.T) {
	g := New[string]()
	must(t, g.AddEdge("a", "b"))
	must(t, g.AddEdge("b", "c"))

	err := g.AddEdge("c", "a")
	if err == nil {
		t.Fatal("expected CycleError, got nil")
	}
	var cycleErr *CycleError
	if !isCycleError(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}

	// The graph must be unchanged after a rejected edge.
	if got := g.DirectSuccessors("c"); len(got) != 0 {
		t.Errorf("graph mutated after rejected edge: c -> %v", got)
	}
}

func TestReachableFrom(t *testing.T) {
	g := New[string]()
	must(t, g.AddEdge("A", "B"))
	must(t, g.AddEdge("B", "C"))
	must(t, g.AddEdge("A", "D"))
	g.AddNode("Z") // disconnected

	got := g.ReachableFrom("A")
	want := map[string]bool{"B": true, "C": true, "D": true}
	if len(got) != len(want) {
		t.Fatalf("ReachableFrom(A) = %v, want nodes %v", got, want)
	}
	for _, n := range got {
		if !want[n] {
			t.Errorf("unexpected reachable node %v", n)
		}
	}
}

func TestReplaceNodePreservesEdges(t *testing.T) {
	g := New[string]()
	must(t, g.AddEdge("A", "B"))
	must(t, g.AddEdge("B", "C"))

	if err := g.ReplaceNode("B", "B2"); err != nil {
		t.Fatal(err)
	}

	if got := g.DirectSuccessors("A"); !reflect.DeepEqual(got, []string{"B2"}) {
		t.Errorf("A's successors = %v, want [B2]", got)
	}
	if got := g.DirectPredecessors("C"); !reflect.DeepEqual(got, []string{"B2"}) {
		t.Errorf("C's predecessors = %v, want [B2]", got)
	}
	if g.HasNode("B") {
		t.Error("old node B still present after replace")
	}
}

func TestRemoveNode(t *testing.T) {
	g := New[string]()
	must(t, g.AddEdge("A", "B"))
	must(t, g.AddEdge("B", "C"))

	g.RemoveNode("B")

	if g.HasNode("B") {
		t.Error("B still present after RemoveNode")
	}
	if got := g.DirectSuccessors("A"); len(got) != 0 {
		t.Errorf("A's successors after removing B = %v, want none", got)
	}
	if got := g.DirectPredecessors("C"); len(got) != 0 {
		t.Errorf("C's predecessors after removing B = %v, want none", got)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func indexOf(order []string) map[string]int {
	pos := make(map[string]int, len(order))
	for i, n := range order {
		pos[n] = i
	}
	return pos
}

func isCycleError(err error, target **CycleError) bool {
	ce, ok := err.(*CycleError)
	if ok {
		*target = ce
	}
	return ok
}
