package sched

import (
	"hvjit/internal/depgraph"
	"hvjit/internal/ir"
)

// Origin locates an instruction in the unscheduled unit.
type Origin struct {
	Block ir.BlockID
	Index int
}

// ScheduledBlock is a block of the scope with its body in scheduled order.
// Origin[i] is where Block.Instrs[i] came from; hoisted instructions come
// from a later block of the same trace.
type ScheduledBlock struct {
	Block  *ir.Block
	Origin []Origin
}

// Materialize rewrites the blocks of g's traces in the given order. Each
// node lands in the first block of its trace whose terminator has not
// been emitted yet, so an instruction scheduled above an earlier
// terminator moves into that earlier block.
func Materialize(u *ir.Unit, g *depgraph.Graph, order []depgraph.NodeID) []ScheduledBlock {
	var out []ScheduledBlock
	first := make([]int, len(g.Traces))
	for ti, tr := range g.Traces {
		first[ti] = len(out)
		for _, id := range tr {
			src := u.Block(id)
			out = append(out, ScheduledBlock{Block: &ir.Block{
				ID:     id,
				Func:   src.Func,
				Site:   src.Site,
				Instrs: make([]ir.Instr, 0, len(src.Instrs)),
			}})
		}
	}
	cur := make([]int, len(g.Traces))
	for _, n := range order {
		nd := g.Node(n)
		sb := &out[first[nd.Trace]+cur[nd.Trace]]
		if nd.Term {
			sb.Block.Exit = u.Block(nd.Block).Exit
			cur[nd.Trace]++
			continue
		}
		sb.Block.Instrs = append(sb.Block.Instrs, nd.Instr.Clone())
		sb.Origin = append(sb.Origin, Origin{Block: nd.Block, Index: nd.Index})
	}
	return out
}
