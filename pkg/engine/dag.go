package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder builds the dependency graph of an orchestration spec.
// It produces a deterministic topological order and execution levels.
type DAGBuilder struct {
	// nodes maps node IDs to their spec nodes
	nodes map[string]*Node

	// index maps node IDs to their declaration position
	index map[string]int

	// declared holds node IDs in declaration order
	declared []string

	// adjacencyList maps node IDs to the nodes that depend on them
	adjacencyList map[string][]string

	// reverseAdjacencyList maps node IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// order is the computed linear execution order
	order []string

	// levels groups node IDs by dependency depth
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		nodes:                make(map[string]*Node),
		index:                make(map[string]int),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
	}
}

// Order returns the deterministic execution order for spec.
// Without depends_on edges the order is declaration order; otherwise it is a
// topological sort that breaks ties by declaration order.
func Order(spec *OrchestrationSpec) ([]string, error) {
	b := NewDAGBuilder()
	if err := b.Build(spec); err != nil {
		return nil, err
	}
	return b.Order(), nil
}

// Build indexes the spec, rejects cycles and computes order and levels.
func (b *DAGBuilder) Build(spec *OrchestrationSpec) error {
	if spec == nil || len(spec.Nodes) == 0 {
		return nil
	}

	if err := b.initialize(spec); err != nil {
		return err
	}

	if err := b.detectCycles(); err != nil {
		return err
	}

	return b.computeOrder()
}

// initialize sets up the internal data structures from the spec nodes.
func (b *DAGBuilder) initialize(spec *OrchestrationSpec) error {
	for i := range spec.Nodes {
		node := &spec.Nodes[i]
		if node.ID == "" {
			return NewPermanentError(fmt.Sprintf("nodes[%d] has empty id", i), nil).
				WithCode(ErrCodeValidation).WithSmartCode(spec.SmartCode)
		}
		if _, exists := b.nodes[node.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate node id: %s", node.ID), nil).
				WithCode(ErrCodeValidation).WithSmartCode(spec.SmartCode)
		}

		b.nodes[node.ID] = node
		b.index[node.ID] = i
		b.declared = append(b.declared, node.ID)
		b.adjacencyList[node.ID] = make([]string, 0)
		b.reverseAdjacencyList[node.ID] = make([]string, 0)
		b.inDegree[node.ID] = 0
	}

	for _, id := range b.declared {
		node := b.nodes[id]
		for _, dep := range node.DependsOn {
			if _, exists := b.nodes[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("node %s depends on non-existent node %s", id, dep),
					nil,
				).WithCode(ErrCodeValidation).WithSmartCode(spec.SmartCode).WithNode(id)
			}

			// dependency must complete before the node can start
			b.adjacencyList[dep] = append(b.adjacencyList[dep], id)
			b.reverseAdjacencyList[id] = append(b.reverseAdjacencyList[id], dep)
			b.inDegree[id]++
		}
	}

	return nil
}

// detectCycles uses depth-first search in declaration order to find a cycle.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range b.declared {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			cerr := &CyclicGraphError{Cycle: cycle}
			return NewPermanentError("dependency graph is not acyclic", cerr).
				WithCode(ErrCodeCyclicGraph).
				WithDetail("cycle", formatCycle(cycle))
		}
	}

	return nil
}

// detectCyclesUtil returns the cycle path reachable from nodeID, if any.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := make([]string, 0, len(path)-i+1)
					cycle = append(cycle, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeOrder runs Kahn's algorithm. The ready set is kept sorted by
// declaration index so identical specs always yield identical orders.
func (b *DAGBuilder) computeOrder() error {
	inDegree := make(map[string]int, len(b.inDegree))
	depth := make(map[string]int, len(b.inDegree))
	ready := make([]string, 0)
	for _, id := range b.declared {
		inDegree[id] = b.inDegree[id]
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	b.order = make([]string, 0, len(b.declared))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		b.order = append(b.order, id)

		for _, dependent := range b.adjacencyList[id] {
			if depth[id]+1 > depth[dependent] {
				depth[dependent] = depth[id] + 1
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = b.insertReady(ready, dependent)
			}
		}
	}

	if len(b.order) != len(b.declared) {
		return NewPermanentError("failed to order all nodes - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	for _, id := range b.order {
		d := depth[id]
		for len(b.levels) <= d {
			b.levels = append(b.levels, make([]string, 0))
		}
		b.levels[d] = append(b.levels[d], id)
	}

	return nil
}

func (b *DAGBuilder) insertReady(ready []string, id string) []string {
	pos := sort.Search(len(ready), func(i int) bool {
		return b.index[ready[i]] > b.index[id]
	})
	ready = append(ready, "")
	copy(ready[pos+1:], ready[pos:])
	ready[pos] = id
	return ready
}

// Order returns the computed execution order.
func (b *DAGBuilder) Order() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// GetLevels returns node IDs grouped by dependency depth.
// Nodes on the same level do not depend on each other.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// LevelOf returns the dependency depth of a node.
func (b *DAGBuilder) LevelOf(id string) int {
	for level, ids := range b.levels {
		for _, candidate := range ids {
			if candidate == id {
				return level
			}
		}
	}
	return -1
}

// ToDOT generates a DOT format representation of the DAG for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Orchestration {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			node := b.nodes[id]
			label := fmt.Sprintf("%s\\n%s", id, node.Run)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, nodeColor(node)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range b.declared {
		for _, dep := range b.reverseAdjacencyList[id] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, id))
		}
	}

	// Without explicit edges, show declaration order as a dotted chain.
	if len(b.levels) == 1 && len(b.order) > 1 {
		for i := 1; i < len(b.order); i++ {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [style=dotted, color=gray];\n",
				b.order[i-1], b.order[i]))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// nodeColor returns a color for visualizing node kinds.
func nodeColor(node *Node) string {
	switch {
	case node.When != "":
		return "lightyellow"
	case node.ResourceRef() != "":
		return "lightblue"
	case node.Compensation != "":
		return "lightgreen"
	default:
		return "white"
	}
}
