package depgraph

import (
	"fmt"
	"slices"
	"strings"

	"hvjit/internal/ir"
)

// DefectKind enumerates dependency graph builder defects.
type DefectKind uint8

const (
	// DefectCycle indicates the graph is not acyclic.
	DefectCycle DefectKind = iota + 1
	DefectBackEdge
	DefectUnknownBlock
)

// DefectError reports a graph that must not be scheduled. It always
// points at broken input or a builder bug, never at a legal state.
type DefectError struct {
	Kind  DefectKind
	Nodes []NodeID // DefectCycle: nodes left with unresolved predecessors
	Edge  Edge     // DefectBackEdge
	Block ir.BlockID
}

func (e *DefectError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case DefectCycle:
		parts := make([]string, 0, len(e.Nodes))
		for _, n := range e.Nodes {
			parts = append(parts, n.String())
		}
		return fmt.Sprintf("dependency cycle through %s", strings.Join(parts, ", "))
	case DefectBackEdge:
		return fmt.Sprintf("%s edge %s -> %s runs against program order", e.Edge.Kind, e.Edge.From, e.Edge.To)
	case DefectUnknownBlock:
		return fmt.Sprintf("scope references unknown block %s", e.Block)
	default:
		return fmt.Sprintf("dependency graph defect kind=%d", e.Kind)
	}
}

// Topo returns a topological order using Kahn's algorithm with the lowest
// ready NodeID first, so the result equals program order when the graph
// allows it.
func (g *Graph) Topo() ([]NodeID, error) {
	n := len(g.Nodes)
	indeg := make([]int, n)
	for _, e := range g.Edges {
		indeg[e.To]++
	}
	order := make([]NodeID, 0, n)
	current := make([]NodeID, 0, n)
	for i := range n {
		if indeg[i] == 0 {
			current = append(current, nodeID(i))
		}
	}
	for len(current) > 0 {
		next := make([]NodeID, 0)
		for _, id := range current {
			order = append(order, id)
			for _, ei := range g.out[id] {
				to := g.Edges[ei].To
				indeg[to]--
				if indeg[to] == 0 {
					next = append(next, to)
				}
			}
		}
		slices.Sort(next)
		current = next
	}
	if len(order) != n {
		var stuck []NodeID
		for i := range n {
			if indeg[i] > 0 {
				stuck = append(stuck, nodeID(i))
			}
		}
		return nil, &DefectError{Kind: DefectCycle, Nodes: stuck}
	}
	return order, nil
}

// Validate checks that every edge follows program order and that the
// graph is acyclic.
func (g *Graph) Validate() error {
	for _, e := range g.Edges {
		if e.From >= e.To {
			return &DefectError{Kind: DefectBackEdge, Edge: e}
		}
	}
	_, err := g.Topo()
	return err
}
