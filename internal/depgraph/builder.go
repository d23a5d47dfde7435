package depgraph

import (
	"hvjit/internal/ir"
	"hvjit/internal/scope"
)

// Options tunes graph construction.
type Options struct {
	// Alias may be nil, in which case every pair of memory accesses is ordered.
	Alias     AliasOracle
	Latencies Latencies
}

type effect uint8

const (
	effRead effect = 1 << iota
	effWrite
	effTrap
	effDeopt
	effBarrier
)

func effectsOf(in *ir.Instr) effect {
	var e effect
	if in.Flags.Has(ir.FlagMemRead) {
		e |= effRead
	}
	if in.Flags.Has(ir.FlagMemWrite) {
		e |= effWrite
	}
	if in.Flags.Has(ir.FlagMayTrap) {
		e |= effTrap
	}
	if in.Flags.Has(ir.FlagMayDeopt) {
		e |= effDeopt
	}
	if in.Flags.Has(ir.FlagSideEffect) {
		e |= effBarrier
	}
	// speculation may guard the result, and a failed guard replays
	// everything after it, so nothing effectful may move above it
	if in.Op == ir.OpTypeOf || in.Flags.Has(ir.FlagValueProfiled) {
		e |= effDeopt
	}
	return e
}

// memLatency is the latency of a memory edge from p to n: a load waits
// for a store it may read from, every other pair only keeps its order.
func (b *builder) memLatency(p, n NodeID) int {
	if b.g.Nodes[p].Instr.Op == ir.OpStore && b.g.Nodes[n].Instr.Op == ir.OpLoad {
		return b.opts.Latencies.Forward
	}
	return 0
}

type regState struct {
	writer    NodeID
	hasWriter bool
	readers   []NodeID
	version   int
}

type builder struct {
	g       *Graph
	opts    Options
	hoist   bool
	defs    map[ir.VReg]int
	regs    map[ir.VReg]*regState
	ordered []NodeID
	effects map[NodeID]effect
	refs    map[NodeID]MemRef
	useBuf  []ir.VReg
}

// Build constructs the dependency graph of s in a single forward pass over
// program order: traces in order, blocks in trace order, each block's
// terminator last. Every edge therefore runs forward and the result is a
// DAG by construction; Validate is still run before returning.
func Build(u *ir.Unit, s *scope.Scope, opts Options) (*Graph, error) {
	if opts.Latencies == (Latencies{}) {
		opts.Latencies = DefaultLatencies()
	}
	b := &builder{
		g:       newGraph(),
		opts:    opts,
		hoist:   s.Level >= scope.LevelRegion,
		defs:    countDefs(u),
		regs:    make(map[ir.VReg]*regState),
		effects: make(map[NodeID]effect),
		refs:    make(map[NodeID]MemRef),
	}
	b.g.Traces = s.Traces

	for ti, trace := range s.Traces {
		var prevTerm NodeID
		hasPrev := false
		for _, id := range trace {
			blk := u.Block(id)
			if blk == nil {
				return nil, &DefectError{Kind: DefectUnknownBlock, Block: id}
			}
			body := make([]NodeID, 0, len(blk.Instrs))
			for i := range blk.Instrs {
				in := blk.Instrs[i].Clone()
				n := b.g.addNode(Node{Instr: in, Block: id, Trace: ti, Index: i, Latency: opts.Latencies.Of(in.Op)})
				b.addDeps(n)
				if hasPrev {
					if b.hoist && b.hoistable(&in) {
						b.g.Hoisted++
					} else {
						b.g.addEdge(prevTerm, n, EdgeControl, 0)
					}
				}
				body = append(body, n)
			}
			termIn := blk.Exit.Instr()
			term := b.g.addNode(Node{Instr: termIn, Block: id, Trace: ti, Index: len(blk.Instrs), Term: true, Latency: opts.Latencies.Of(termIn.Op)})
			b.addDeps(term)
			for _, n := range body {
				b.g.addEdge(n, term, EdgeControl, 0)
			}
			if hasPrev {
				b.g.addEdge(prevTerm, term, EdgeControl, 0)
			}
			prevTerm, hasPrev = term, true
		}
	}

	if s.Loop != ir.NoBlock {
		b.g.Loop = s.Loop
		b.addCarried(s.Loop)
	}

	if err := b.g.Validate(); err != nil {
		return nil, err
	}
	return b.g, nil
}

func countDefs(u *ir.Unit) map[ir.VReg]int {
	defs := make(map[ir.VReg]int)
	for _, f := range u.Funcs {
		if f == nil {
			continue
		}
		for _, p := range f.Params {
			defs[p]++
		}
	}
	for _, blk := range u.Blocks {
		if blk == nil {
			continue
		}
		for i := range blk.Instrs {
			if blk.Instrs[i].HasDst() {
				defs[blk.Instrs[i].Dst]++
			}
		}
	}
	return defs
}

// hoistable instructions may run before the branch that guards their
// block: they cannot fault or touch memory, and their destination has no
// other definition that an off-trace path could observe.
func (b *builder) hoistable(in *ir.Instr) bool {
	return in.Pure() && in.HasDst() && b.defs[in.Dst] == 1
}

func (b *builder) reg(v ir.VReg) *regState {
	st := b.regs[v]
	if st == nil {
		st = &regState{}
		b.regs[v] = st
	}
	return st
}

func (b *builder) addDeps(n NodeID) {
	nd := &b.g.Nodes[n]
	in := &nd.Instr

	b.useBuf = in.Uses(b.useBuf[:0])
	for _, r := range b.useBuf {
		st := b.reg(r)
		if st.hasWriter {
			b.g.addEdge(st.writer, n, EdgeTrue, b.g.Nodes[st.writer].Latency)
		}
		st.readers = append(st.readers, n)
	}

	if eff := effectsOf(in); eff != 0 {
		if in.Op == ir.OpLoad || in.Op == ir.OpStore {
			if len(in.Args) > 0 && in.Args[0].Kind == ir.OperandReg {
				base := in.Args[0].Reg
				size := int64(in.Size)
				if size == 0 {
					size = 8
				}
				b.refs[n] = MemRef{Known: true, Base: base, Version: b.reg(base).version, Off: in.Off, Size: size}
			}
		}
		b.effects[n] = eff
		for _, p := range b.ordered {
			if b.conflict(p, n, true) {
				b.g.addEdge(p, n, EdgeMemory, b.memLatency(p, n))
			}
		}
		b.ordered = append(b.ordered, n)
	}

	if in.HasDst() {
		st := b.reg(in.Dst)
		if st.hasWriter {
			b.g.addEdge(st.writer, n, EdgeOutput, 0)
		}
		for _, r := range st.readers {
			b.g.addEdge(r, n, EdgeAnti, 0)
		}
		st.writer, st.hasWriter = n, true
		st.readers = st.readers[:0]
		st.version++
	}
}

// conflict decides whether two effectful nodes must keep their order.
func (b *builder) conflict(p, n NodeID, useAlias bool) bool {
	ep, en := b.effects[p], b.effects[n]
	if (ep|en)&(effBarrier|effDeopt) != 0 {
		return true
	}
	memP, memN := ep&(effRead|effWrite) != 0, en&(effRead|effWrite) != 0
	if memP && memN {
		if !useAlias || b.opts.Alias == nil {
			return true
		}
		rp, okp := b.refs[p]
		rn, okn := b.refs[n]
		return !(okp && okn && b.opts.Alias.Disjoint(rp, rn))
	}
	if ep&effTrap != 0 && en&effWrite != 0 {
		return true
	}
	if en&effTrap != 0 && ep&effWrite != 0 {
		return true
	}
	return false
}

// addCarried records distance-1 recurrences of the innermost loop block.
func (b *builder) addCarried(loop ir.BlockID) {
	nodes := b.g.blocks[loop]
	for _, w := range nodes {
		wn := &b.g.Nodes[w]
		if !wn.Instr.HasDst() {
			continue
		}
		d := wn.Instr.Dst
		for _, r := range nodes {
			rn := &b.g.Nodes[r]
			if !rn.Instr.Reads(d) {
				continue
			}
			if r <= w {
				// next iteration reads what this one wrote
				b.g.Carried = append(b.g.Carried, Edge{From: w, To: r, Kind: EdgeTrue, Latency: wn.Latency, Distance: 1})
			} else {
				// this iteration's read must happen before the next overwrite
				b.g.Carried = append(b.g.Carried, Edge{From: r, To: w, Kind: EdgeAnti, Distance: 1})
			}
		}
	}
	for _, p := range nodes {
		if _, ok := b.effects[p]; !ok {
			continue
		}
		for _, q := range nodes {
			if q > p {
				break
			}
			if _, ok := b.effects[q]; !ok {
				continue
			}
			var dep bool
			if p == q {
				dep = b.effects[p]&effWrite != 0
			} else {
				// base registers may move between iterations, so no alias proof
				dep = b.conflict(p, q, false)
			}
			if dep {
				b.g.Carried = append(b.g.Carried, Edge{From: p, To: q, Kind: EdgeMemory, Latency: b.memLatency(p, q), Distance: 1})
			}
		}
	}
}
