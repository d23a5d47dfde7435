package depgraph

import (
	"fmt"

	"fortio.org/safecast"

	"hvjit/internal/ir"
)

// NodeID is a dense index into Graph.Nodes.
type NodeID uint32

func (n NodeID) String() string { return fmt.Sprintf("n%d", uint32(n)) }

func nodeID(i int) NodeID {
	id, err := safecast.Conv[NodeID](i)
	if err != nil {
		panic(fmt.Errorf("node id overflow: %w", err))
	}
	return id
}

// EdgeKind classifies why one instruction must precede another.
type EdgeKind uint8

const (
	EdgeTrue EdgeKind = iota
	EdgeMemory
	EdgeOutput
	EdgeAnti
	EdgeControl
	edgeKinds
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeTrue:
		return "true"
	case EdgeMemory:
		return "memory"
	case EdgeOutput:
		return "output"
	case EdgeAnti:
		return "anti"
	case EdgeControl:
		return "control"
	default:
		return "edge?"
	}
}

// Node is one instruction of the scope. Terminators are nodes too.
type Node struct {
	Instr   ir.Instr
	Block   ir.BlockID
	Trace   int
	Index   int // position in the block; the terminator sits at len(Instrs)
	Term    bool
	Latency int
}

// Edge orders From before To. Distance is 0 for edges of the DAG and 1
// for loop-carried recurrences, which live in Graph.Carried only.
type Edge struct {
	From     NodeID
	To       NodeID
	Kind     EdgeKind
	Latency  int
	Distance int
}

// Graph is an arena of nodes with edges stored as index lists.
// Every edge in Edges runs from a lower to a higher NodeID.
type Graph struct {
	Nodes   []Node
	Edges   []Edge
	Carried []Edge
	Traces  [][]ir.BlockID
	Loop    ir.BlockID
	// Hoisted counts pure instructions left free to move above the
	// terminator of the preceding block in their trace.
	Hoisted int

	out     [][]int
	in      [][]int
	byPair  map[[2]NodeID]int
	blocks  map[ir.BlockID][]NodeID
	heights []int
}

func newGraph() *Graph {
	return &Graph{
		Loop:   ir.NoBlock,
		byPair: make(map[[2]NodeID]int),
		blocks: make(map[ir.BlockID][]NodeID),
	}
}

// Len is the number of nodes.
func (g *Graph) Len() int { return len(g.Nodes) }

// Node returns node n.
func (g *Graph) Node(n NodeID) *Node { return &g.Nodes[n] }

// Out lists indices into Edges leaving n.
func (g *Graph) Out(n NodeID) []int { return g.out[n] }

// In lists indices into Edges entering n.
func (g *Graph) In(n NodeID) []int { return g.in[n] }

// BlockNodes lists the nodes of block b in original order, terminator last.
func (g *Graph) BlockNodes(b ir.BlockID) []NodeID { return g.blocks[b] }

func (g *Graph) addNode(n Node) NodeID {
	id := nodeID(len(g.Nodes))
	g.Nodes = append(g.Nodes, n)
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	g.blocks[n.Block] = append(g.blocks[n.Block], id)
	return id
}

// addEdge records from -> to. A second edge between the same pair keeps
// the larger latency and the stronger kind.
func (g *Graph) addEdge(from, to NodeID, kind EdgeKind, lat int) {
	if from == to {
		return
	}
	key := [2]NodeID{from, to}
	if i, ok := g.byPair[key]; ok {
		e := &g.Edges[i]
		e.Latency = max(e.Latency, lat)
		e.Kind = min(e.Kind, kind)
		return
	}
	g.byPair[key] = len(g.Edges)
	g.Edges = append(g.Edges, Edge{From: from, To: to, Kind: kind, Latency: lat})
	g.out[from] = append(g.out[from], len(g.Edges)-1)
	g.in[to] = append(g.in[to], len(g.Edges)-1)
	g.heights = nil
}

// Heights returns, for every node, the longest latency-weighted path from
// the node to any sink, counting the node's own latency.
func (g *Graph) Heights() []int {
	if g.heights != nil {
		return g.heights
	}
	order, err := g.Topo()
	if err != nil {
		return nil
	}
	h := make([]int, len(g.Nodes))
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		best := g.Nodes[n].Latency
		for _, ei := range g.out[n] {
			e := g.Edges[ei]
			best = max(best, e.Latency+h[e.To])
		}
		h[n] = best
	}
	g.heights = h
	return h
}

// CriticalPath is the largest node height.
func (g *Graph) CriticalPath() int {
	cp := 0
	for _, h := range g.Heights() {
		cp = max(cp, h)
	}
	return cp
}

// Stats summarizes the graph.
type Stats struct {
	Nodes        int
	Edges        int
	ByKind       [edgeKinds]int
	Carried      int
	CriticalPath int
	// ILP is total latency divided by the critical path.
	ILP          float64
}

// Stats computes summary figures.
func (g *Graph) Stats() Stats {
	s := Stats{Nodes: len(g.Nodes), Edges: len(g.Edges), Carried: len(g.Carried), CriticalPath: g.CriticalPath()}
	for _, e := range g.Edges {
		s.ByKind[e.Kind]++
	}
	total := 0
	for i := range g.Nodes {
		total += g.Nodes[i].Latency
	}
	if s.CriticalPath > 0 {
		s.ILP = float64(total) / float64(s.CriticalPath)
	}
	return s
}
