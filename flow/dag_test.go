package flow

import "testing"

func linearDAG() DAG {
	return DAG{
		Nodes: []Node{
			{ID: "a", DependsOn: []string{}, Status: StepPending},
			{ID: "b", DependsOn: []string{"a"}, Status: StepPending},
			{ID: "c", DependsOn: []string{"b"}, Status: StepPending},
		},
		Edges: []Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "c"},
		},
	}
}

func TestNextRunnableDeclarationOrder(t *testing.T) {
	dag := DAG{
		Nodes: []Node{
			{ID: "first", Status: StepPending},
			{ID: "second", Status: StepPending},
		},
	}
	n := dag.NextRunnable()
	if n == nil || n.ID != "first" {
		t.Fatalf("expected first node, got %+v", n)
	}
}

func TestNextRunnableWaitsForDependencies(t *testing.T) {
	dag := linearDAG()
	if n := dag.NextRunnable(); n == nil || n.ID != "a" {
		t.Fatalf("expected a, got %+v", n)
	}
	dag.Nodes[0].Status = StepCompleted
	if n := dag.NextRunnable(); n == nil || n.ID != "b" {
		t.Fatalf("expected b after a completes, got %+v", n)
	}
	// A failed dependency never unblocks its dependents.
	dag.Nodes[1].Status = StepFailed
	if n := dag.NextRunnable(); n != nil {
		t.Fatalf("expected no runnable node, got %s", n.ID)
	}
	if dag.HasRunnable() {
		t.Fatal("HasRunnable should be false")
	}
}

func TestDescendantsIncludesRoots(t *testing.T) {
	dag := linearDAG()
	reach := dag.Descendants(map[string]bool{"b": true})
	if !reach["b"] || !reach["c"] {
		t.Fatalf("expected b and c, got %v", reach)
	}
	if reach["a"] {
		t.Fatal("a is not a descendant of b")
	}
}

func TestValidate(t *testing.T) {
	dag := linearDAG()
	if err := dag.Validate(); err != nil {
		t.Fatalf("valid dag rejected: %v", err)
	}

	dup := linearDAG()
	dup.Nodes = append(dup.Nodes, Node{ID: "a"})
	if err := dup.Validate(); err == nil {
		t.Fatal("duplicate node id accepted")
	}

	missing := linearDAG()
	missing.Nodes[2].DependsOn = []string{"nope"}
	if err := missing.Validate(); err == nil {
		t.Fatal("unknown dependency accepted")
	}

	cyclic := DAG{
		Nodes: []Node{
			{ID: "x", DependsOn: []string{"y"}},
			{ID: "y", DependsOn: []string{"x"}},
		},
	}
	if err := cyclic.Validate(); err == nil {
		t.Fatal("cycle accepted")
	}
}

func TestCloneIsDeep(t *testing.T) {
	dag := linearDAG()
	timeout := 5
	dag.Contracts = map[string]Contract{"a": {TimeoutS: &timeout}}

	clone := dag.Clone()
	clone.Nodes[0].Status = StepCompleted
	clone.Nodes[1].DependsOn[0] = "mutated"
	*clone.Contracts["a"].TimeoutS = 99

	if dag.Nodes[0].Status != StepPending {
		t.Fatal("node status aliased")
	}
	if dag.Nodes[1].DependsOn[0] != "a" {
		t.Fatal("depends_on aliased")
	}
	if *dag.Contracts["a"].TimeoutS != 5 {
		t.Fatal("contract timeout aliased")
	}
}

func TestContractDefaultsWhenUnregistered(t *testing.T) {
	dag := linearDAG()
	ct := dag.Contract("a")
	if ct.TimeoutSeconds() != DefaultTimeoutS {
		t.Fatalf("expected default timeout, got %d", ct.TimeoutSeconds())
	}
	if ct.RetryLimit() != DefaultMaxRetries {
		t.Fatalf("expected default retries, got %d", ct.RetryLimit())
	}
}
