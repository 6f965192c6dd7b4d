package flow

import "fmt"

// Node is one structural element of the DAG snapshot embedded in a run.
// LastOutput and LastError mirror the most recent step outcome for the node.
type Node struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	DependsOn   []string       `json:"depends_on"`
	Status      StepStatus     `json:"status,omitempty"`
	LastOutput  map[string]any `json:"last_output,omitempty"`
	LastError   *StepError     `json:"last_error,omitempty"`
}

// Edge is a directed dependency between two nodes.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// DAG is the run's graph snapshot: an ordered node sequence, edges, per-node
// contracts, and free-text planner notes attached during planning.
type DAG struct {
	Nodes        []Node              `json:"nodes"`
	Edges        []Edge              `json:"edges"`
	Contracts    map[string]Contract `json:"contracts,omitempty"`
	PlannerNotes string              `json:"planner_notes,omitempty"`
}

// Clone returns a deep copy of the DAG. Node outputs are copied shallowly;
// the orchestrator never mutates an output map after it is validated.
func (d DAG) Clone() DAG {
	out := DAG{PlannerNotes: d.PlannerNotes}
	out.Nodes = make([]Node, len(d.Nodes))
	for i, n := range d.Nodes {
		c := n
		c.DependsOn = append([]string(nil), n.DependsOn...)
		out.Nodes[i] = c
	}
	out.Edges = append([]Edge(nil), d.Edges...)
	if d.Contracts != nil {
		out.Contracts = make(map[string]Contract, len(d.Contracts))
		for id, ct := range d.Contracts {
			out.Contracts[id] = ct.clone()
		}
	}
	return out
}

// node returns a pointer to the node with the given id, or nil.
func (d *DAG) node(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// NextRunnable returns the first pending node, in declaration order, whose
// dependencies are all completed. Returns nil when no node is runnable.
func (d *DAG) NextRunnable() *Node {
	status := make(map[string]StepStatus, len(d.Nodes))
	for _, n := range d.Nodes {
		status[n.ID] = n.Status
	}
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.Status != StepPending {
			continue
		}
		if depsCompleted(n.DependsOn, status) {
			return n
		}
	}
	return nil
}

// HasRunnable reports whether any pending node has all dependencies completed.
func (d *DAG) HasRunnable() bool {
	return d.NextRunnable() != nil
}

func depsCompleted(deps []string, status map[string]StepStatus) bool {
	for _, dep := range deps {
		if status[dep] != StepCompleted {
			return false
		}
	}
	return true
}

// Contract returns the node's contract, or the zero contract (all defaults)
// when none is registered.
func (d *DAG) Contract(nodeID string) Contract {
	if d.Contracts == nil {
		return Contract{}
	}
	return d.Contracts[nodeID]
}

// Descendants computes the transitive descendants of the given roots by
// forward BFS over the edge list. The roots themselves are included.
func (d *DAG) Descendants(roots map[string]bool) map[string]bool {
	adjacency := make(map[string][]string, len(d.Edges))
	for _, e := range d.Edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
	}
	seen := make(map[string]bool, len(roots))
	queue := make([]string, 0, len(roots))
	for id := range roots {
		seen[id] = true
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range adjacency[current] {
			if seen[child] {
				continue
			}
			seen[child] = true
			queue = append(queue, child)
		}
	}
	return seen
}

// Validate checks structural invariants: edges reference existing nodes,
// depends_on entries exist, and the graph is acyclic.
func (d *DAG) Validate() error {
	ids := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if ids[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
	}
	for _, n := range d.Nodes {
		for _, dep := range n.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("node %q depends on unknown node %q", n.ID, dep)
			}
		}
	}
	for _, e := range d.Edges {
		if !ids[e.Source] || !ids[e.Target] {
			return fmt.Errorf("edge %s->%s references unknown node", e.Source, e.Target)
		}
	}
	return d.checkAcyclic()
}

// checkAcyclic runs Kahn's algorithm over depends_on relations.
func (d *DAG) checkAcyclic() error {
	indegree := make(map[string]int, len(d.Nodes))
	dependents := make(map[string][]string, len(d.Nodes))
	for _, n := range d.Nodes {
		indegree[n.ID] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}
	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	visited := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited != len(d.Nodes) {
		return fmt.Errorf("dependency cycle detected")
	}
	return nil
}
