package sched

import (
	"fmt"

	"hvjit/internal/depgraph"
)

// ContractKind enumerates ways an order can break the scheduling contract.
type ContractKind uint8

const (
	ContractLength ContractKind = iota + 1
	ContractUnknownNode
	ContractDuplicate
	ContractEdge
)

// ContractError reports an order that must not reach code generation.
type ContractError struct {
	Kind ContractKind
	Node depgraph.NodeID
	Edge depgraph.Edge
	Want int
	Got  int
}

func (e *ContractError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case ContractLength:
		return fmt.Sprintf("schedule has %d nodes, graph has %d", e.Got, e.Want)
	case ContractUnknownNode:
		return fmt.Sprintf("schedule references unknown node %s", e.Node)
	case ContractDuplicate:
		return fmt.Sprintf("schedule places %s twice", e.Node)
	case ContractEdge:
		return fmt.Sprintf("schedule places %s before %s against a %s edge", e.Edge.To, e.Edge.From, e.Edge.Kind)
	default:
		return fmt.Sprintf("schedule contract violation kind=%d", e.Kind)
	}
}

// Verify checks that order is a permutation of g's nodes in which every
// edge runs forward.
func Verify(g *depgraph.Graph, order []depgraph.NodeID) error {
	if len(order) != g.Len() {
		return &ContractError{Kind: ContractLength, Want: g.Len(), Got: len(order)}
	}
	pos := make([]int, g.Len())
	for i := range pos {
		pos[i] = -1
	}
	for i, id := range order {
		if int(id) >= g.Len() {
			return &ContractError{Kind: ContractUnknownNode, Node: id}
		}
		if pos[id] >= 0 {
			return &ContractError{Kind: ContractDuplicate, Node: id}
		}
		pos[id] = i
	}
	for _, e := range g.Edges {
		if pos[e.From] >= pos[e.To] {
			return &ContractError{Kind: ContractEdge, Edge: e}
		}
	}
	return nil
}
