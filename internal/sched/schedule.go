package sched

import (
	"container/heap"
	"slices"

	"hvjit/internal/depgraph"
	"hvjit/internal/scope"
)

// Result is a verified schedule.
type Result struct {
	// Algorithm is what produced Order. It differs from Requested only
	// when modulo scheduling fell back to list scheduling.
	Algorithm Algorithm
	Requested Algorithm
	Order     []depgraph.NodeID
	// Issue is the estimated issue cycle of each node, indexed by NodeID.
	Issue        []int
	CriticalPath int
	Cycles       int
	Modulo       *ModuloSchedule
	// Reordered counts nodes whose position differs from program order.
	Reordered int
}

// Fallback reports whether the requested algorithm could not be used.
func (r *Result) Fallback() bool { return r.Algorithm != r.Requested }

// ILP is nodes issued per estimated cycle.
func (r *Result) ILP() float64 {
	if r.Cycles == 0 {
		return 0
	}
	return float64(len(r.Order)) / float64(r.Cycles)
}

// Schedule orders g with alg. AlgAuto is resolved through Select as if
// g came from a block scope; callers that know the scope level should
// call Select themselves.
func Schedule(g *depgraph.Graph, alg Algorithm, cfg Config) (*Result, error) {
	if alg == AlgAuto {
		alg = Select(ShapeOf(g, scope.LevelBlock), cfg)
	}
	heights := g.Heights()
	if heights == nil {
		// Heights only fails on a cyclic graph; report the cycle itself.
		_, err := g.Topo()
		return nil, err
	}
	res := &Result{Algorithm: alg, Requested: alg, CriticalPath: g.CriticalPath()}
	switch alg {
	case AlgCriticalPath:
		res.Order = criticalPathOrder(g, heights)
		res.Issue = asap(g, res.Order)
	case AlgResource:
		res.Order, res.Issue = listSchedule(g, heights, &cfg)
	case AlgModulo:
		if ms := moduloSchedule(g, heights, cfg); ms != nil {
			res.Modulo = ms
			res.Order, res.Issue = ms.order, ms.times
			break
		}
		res.Algorithm = AlgList
		res.Order, res.Issue = listSchedule(g, heights, nil)
	default:
		res.Algorithm = AlgList
		res.Order, res.Issue = listSchedule(g, heights, nil)
	}
	if err := Verify(g, res.Order); err != nil {
		return nil, err
	}
	for i, id := range res.Order {
		if int(id) != i {
			res.Reordered++
		}
		res.Cycles = max(res.Cycles, res.Issue[id]+g.Node(id).Latency)
	}
	return res, nil
}

// readyQueue orders ready nodes by height, then by program order.
type readyQueue struct {
	ids     []depgraph.NodeID
	heights []int
}

func (q *readyQueue) Len() int { return len(q.ids) }

func (q *readyQueue) Less(i, j int) bool {
	a, b := q.ids[i], q.ids[j]
	if q.heights[a] != q.heights[b] {
		return q.heights[a] > q.heights[b]
	}
	return a < b
}

func (q *readyQueue) Swap(i, j int) { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }

func (q *readyQueue) Push(x any) { q.ids = append(q.ids, x.(depgraph.NodeID)) }

func (q *readyQueue) Pop() any {
	n := len(q.ids)
	id := q.ids[n-1]
	q.ids = q.ids[:n-1]
	return id
}

// cycleBudget tracks what is still free in the current cycle.
type cycleBudget struct {
	cfg    *Config
	issued int
	used   [numClasses]int
}

func (b *cycleBudget) fits(c unitClass) bool {
	return b.issued < b.cfg.IssueWidth && b.used[c] < b.cfg.Units.of(c)
}

func (b *cycleBudget) take(c unitClass) {
	b.issued++
	b.used[c]++
}

func (b *cycleBudget) reset() { *b = cycleBudget{cfg: b.cfg} }

// listSchedule is latency-aware list scheduling. With a nil resource
// model any number of ready nodes issue per cycle; otherwise a node that
// finds no free unit waits for the next cycle.
func listSchedule(g *depgraph.Graph, heights []int, res *Config) ([]depgraph.NodeID, []int) {
	n := g.Len()
	pending := make([]int, n)
	for _, e := range g.Edges {
		pending[e.To]++
	}
	avail := make([]int, n)
	issue := make([]int, n)
	order := make([]depgraph.NodeID, 0, n)

	q := &readyQueue{heights: heights}
	for i := range n {
		if pending[i] == 0 {
			q.ids = append(q.ids, depgraph.NodeID(i))
		}
	}
	heap.Init(q)

	var budget *cycleBudget
	if res != nil {
		budget = &cycleBudget{cfg: res}
	}
	cycle := 0
	var deferred []depgraph.NodeID
	for len(order) < n {
		deferred = deferred[:0]
		for q.Len() > 0 {
			id := heap.Pop(q).(depgraph.NodeID)
			cl := classOf(g.Node(id).Instr.Op)
			if avail[id] > cycle || (budget != nil && !budget.fits(cl)) {
				deferred = append(deferred, id)
				continue
			}
			if budget != nil {
				budget.take(cl)
			}
			issue[id] = cycle
			order = append(order, id)
			for _, ei := range g.Out(id) {
				e := g.Edges[ei]
				avail[e.To] = max(avail[e.To], cycle+e.Latency)
				pending[e.To]--
				if pending[e.To] == 0 {
					heap.Push(q, e.To)
				}
			}
		}
		if len(deferred) == 0 {
			continue
		}
		next := -1
		for _, id := range deferred {
			at := max(avail[id], cycle+1)
			if next < 0 || at < next {
				next = at
			}
			heap.Push(q, id)
		}
		cycle = next
		if budget != nil {
			budget.reset()
		}
	}
	return order, issue
}

// criticalPathOrder sorts by height alone. Every edge a -> b has
// height(a) >= height(b) and a < b, so the result is topological.
func criticalPathOrder(g *depgraph.Graph, heights []int) []depgraph.NodeID {
	order := make([]depgraph.NodeID, g.Len())
	for i := range order {
		order[i] = depgraph.NodeID(i)
	}
	slices.SortStableFunc(order, func(a, b depgraph.NodeID) int {
		return heights[b] - heights[a]
	})
	return order
}

// asap assigns each node the earliest cycle its operands allow, walking
// a topological order.
func asap(g *depgraph.Graph, order []depgraph.NodeID) []int {
	issue := make([]int, g.Len())
	for _, id := range order {
		for _, ei := range g.In(id) {
			e := g.Edges[ei]
			issue[id] = max(issue[id], issue[e.From]+e.Latency)
		}
	}
	return issue
}
