package sched

import (
	"cmp"
	"slices"

	"hvjit/internal/depgraph"
)

// Slot places one node of the kernel: it issues in Row (0..II-1) of the
// steady state on behalf of the iteration that started Stage periods ago.
type Slot struct {
	Node  depgraph.NodeID
	Row   int
	Stage int
}

// ModuloSchedule is a software-pipelined loop body.
type ModuloSchedule struct {
	II     int
	ResMII int
	RecMII int
	Stages int
	Kernel []Slot
	// Prologue[k] runs stages 0..k while the pipeline fills; Epilogue[k]
	// runs stages k+1.. while it drains.
	Prologue [][]depgraph.NodeID
	Epilogue [][]depgraph.NodeID

	order []depgraph.NodeID
	times []int
}

// moduloSchedule returns nil when g is not a single loop body or no
// initiation interval in [MII, MII+ModuloSearch] can be realized.
func moduloSchedule(g *depgraph.Graph, heights []int, cfg Config) *ModuloSchedule {
	if !loopBody(g) {
		return nil
	}
	resMII := resourceMII(g, cfg)
	recMII := recurrenceMII(g)
	mii := max(resMII, recMII, 1)

	prio := criticalPathOrder(g, heights)
	for ii := mii; ii <= mii+cfg.ModuloSearch; ii++ {
		times, ok := placeModulo(g, prio, ii, cfg)
		if !ok {
			continue
		}
		ms := &ModuloSchedule{II: ii, ResMII: resMII, RecMII: recMII, times: times}
		ms.build(g)
		return ms
	}
	return nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func resourceMII(g *depgraph.Graph, cfg Config) int {
	var per [numClasses]int
	for i := range g.Nodes {
		per[classOf(g.Nodes[i].Instr.Op)]++
	}
	mii := ceilDiv(g.Len(), cfg.IssueWidth)
	for cl := range numClasses {
		mii = max(mii, ceilDiv(per[cl], cfg.Units.of(cl)))
	}
	return mii
}

// recurrenceMII bounds II from below by every cycle a carried edge
// closes: the longest path r ~> w inside one iteration plus the edge
// w -> r into the next one.
func recurrenceMII(g *depgraph.Graph) int {
	mii := 0
	dist := make([]int, g.Len())
	for _, ce := range g.Carried {
		if ce.From == ce.To {
			mii = max(mii, ceilDiv(ce.Latency, ce.Distance))
			continue
		}
		// longest path from ce.To forward; NodeIDs are already topological
		for i := range dist {
			dist[i] = -1
		}
		dist[ce.To] = 0
		for id := int(ce.To); id <= int(ce.From); id++ {
			if dist[id] < 0 {
				continue
			}
			for _, ei := range g.Out(depgraph.NodeID(id)) {
				e := g.Edges[ei]
				dist[e.To] = max(dist[e.To], dist[id]+e.Latency)
			}
		}
		if dist[ce.From] < 0 {
			continue
		}
		mii = max(mii, ceilDiv(dist[ce.From]+ce.Latency, ce.Distance))
	}
	return mii
}

// placeModulo greedily places nodes in priority order into a modulo
// reservation table of ii rows, then checks the carried edges.
func placeModulo(g *depgraph.Graph, prio []depgraph.NodeID, ii int, cfg Config) ([]int, bool) {
	rows := make([]cycleBudget, ii)
	for r := range rows {
		rows[r].cfg = &cfg
	}
	times := make([]int, g.Len())
	placed := make([]bool, g.Len())
	for _, id := range prio {
		earliest := 0
		for _, ei := range g.In(id) {
			e := g.Edges[ei]
			earliest = max(earliest, times[e.From]+e.Latency)
		}
		for _, ce := range g.Carried {
			if ce.To == id && placed[ce.From] {
				earliest = max(earliest, times[ce.From]+ce.Latency-ii*ce.Distance)
			}
		}
		cl := classOf(g.Node(id).Instr.Op)
		ok := false
		for t := earliest; t < earliest+ii; t++ {
			if rows[t%ii].fits(cl) {
				rows[t%ii].take(cl)
				times[id] = t
				ok = true
				break
			}
		}
		if !ok {
			return nil, false
		}
		placed[id] = true
	}
	for _, ce := range g.Carried {
		if times[ce.To]+ii*ce.Distance < times[ce.From]+ce.Latency {
			return nil, false
		}
	}
	return times, true
}

func (ms *ModuloSchedule) build(g *depgraph.Graph) {
	ii := ms.II
	last := 0
	for _, t := range ms.times {
		last = max(last, t)
	}
	ms.Stages = last/ii + 1

	ms.Kernel = make([]Slot, 0, g.Len())
	for i, t := range ms.times {
		ms.Kernel = append(ms.Kernel, Slot{Node: depgraph.NodeID(i), Row: t % ii, Stage: t / ii})
	}
	slices.SortFunc(ms.Kernel, func(a, b Slot) int {
		if c := cmp.Compare(a.Row, b.Row); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Stage, b.Stage); c != 0 {
			return c
		}
		return cmp.Compare(a.Node, b.Node)
	})

	for k := 0; k < ms.Stages-1; k++ {
		var pro, epi []depgraph.NodeID
		for _, s := range ms.Kernel {
			if s.Stage <= k {
				pro = append(pro, s.Node)
			} else {
				epi = append(epi, s.Node)
			}
		}
		ms.Prologue = append(ms.Prologue, pro)
		ms.Epilogue = append(ms.Epilogue, epi)
	}

	ms.order = make([]depgraph.NodeID, g.Len())
	for i := range ms.order {
		ms.order[i] = depgraph.NodeID(i)
	}
	slices.SortStableFunc(ms.order, func(a, b depgraph.NodeID) int {
		return cmp.Compare(ms.times[a], ms.times[b])
	})
}
