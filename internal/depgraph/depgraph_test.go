package depgraph

import (
	"errors"
	"math/rand"
	"testing"

	"hvjit/internal/ir"
	"hvjit/internal/profile"
	"hvjit/internal/scope"
)

func blockScope(t *testing.T, u *ir.Unit, seed ir.BlockID) *scope.Scope {
	t.Helper()
	cfg := scope.DefaultConfig()
	cfg.MaxLevel = scope.LevelBlock
	s, err := scope.NewBuilder(cfg).Build(u, seed, profile.NewTable())
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	return s
}

func findEdge(g *Graph, from, to NodeID) (Edge, bool) {
	for _, ei := range g.Out(from) {
		if g.Edges[ei].To == to {
			return g.Edges[ei], true
		}
	}
	return Edge{}, false
}

func TestRegisterDependencies(t *testing.T) {
	b := ir.NewBuilder()
	f := b.Func("f")
	b0 := b.Block(f)
	v1, v2, v3 := b.Reg(), b.Reg(), b.Reg()
	b.Const(b0, v1, 7)                               // n0
	b.Op2(b0, ir.OpMul, v2, ir.Reg(v1), ir.Imm(3))   // n1 true on n0
	b.Const(b0, v1, 9)                               // n2 output on n0, anti on n1
	b.Op2(b0, ir.OpAdd, v3, ir.Reg(v2), ir.Reg(v1))  // n3 true on n1 and n2
	b.Return(b0, ir.Reg(v3))                         // n4
	u := b.Unit()

	g, err := Build(u, blockScope(t, u, b0), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	tests := []struct {
		from, to NodeID
		kind     EdgeKind
		lat      int
	}{
		{0, 1, EdgeTrue, 1},
		{0, 2, EdgeOutput, 0},
		{1, 2, EdgeAnti, 0},
		{1, 3, EdgeTrue, 3},
		{2, 3, EdgeTrue, 1},
		{3, 4, EdgeTrue, 1},
		{0, 4, EdgeControl, 0},
	}
	for _, tt := range tests {
		e, ok := findEdge(g, tt.from, tt.to)
		if !ok {
			t.Errorf("missing edge %s -> %s", tt.from, tt.to)
			continue
		}
		if e.Kind != tt.kind || e.Latency != tt.lat {
			t.Errorf("edge %s -> %s = %s/%d, want %s/%d", tt.from, tt.to, e.Kind, e.Latency, tt.kind, tt.lat)
		}
	}
	if _, ok := findEdge(g, 0, 3); ok {
		t.Error("n3 reads the second definition of v1 only")
	}
}

func memoryBlock() (*ir.Unit, ir.BlockID) {
	b := ir.NewBuilder()
	p := b.Reg()
	f := b.Func("mem", p)
	b0 := b.Block(f)
	x, y := b.Reg(), b.Reg()
	b.Store(b0, p, 0, ir.Imm(1)) // n0
	b.Load(b0, x, p, 8)          // n1
	b.Load(b0, y, p, 0)          // n2
	b.Return(b0, ir.Reg(x))      // n3
	return b.Unit(), b0
}

func TestMemoryEdgesAreConservative(t *testing.T) {
	u, b0 := memoryBlock()
	g, err := Build(u, blockScope(t, u, b0), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, pair := range [][2]NodeID{{0, 1}, {0, 2}, {1, 2}} {
		e, ok := findEdge(g, pair[0], pair[1])
		if !ok || e.Kind != EdgeMemory {
			t.Errorf("want memory edge %s -> %s without alias info, got %+v %v", pair[0], pair[1], e, ok)
		}
	}
}

func TestAliasOracleRemovesDisjointEdges(t *testing.T) {
	u, b0 := memoryBlock()
	g, err := Build(u, blockScope(t, u, b0), Options{Alias: BaseOffsetOracle{}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := findEdge(g, 0, 1); ok {
		t.Error("store [p+0] and load [p+8] are disjoint, edge should be gone")
	}
	if _, ok := findEdge(g, 1, 2); ok {
		t.Error("loads [p+8] and [p+0] are disjoint, edge should be gone")
	}
	if e, ok := findEdge(g, 0, 2); !ok || e.Kind != EdgeMemory || e.Latency != DefaultLatencies().Forward {
		t.Errorf("store [p+0] -> load [p+0] = %+v %v", e, ok)
	}
}

func TestMemoryEdgeLatencies(t *testing.T) {
	b := ir.NewBuilder()
	p := b.Reg()
	f := b.Func("f", p)
	callee := b.Func("g")
	b0 := b.Block(f)
	x, y, r := b.Reg(), b.Reg(), b.Reg()
	b.Store(b0, p, 0, ir.Imm(1)) // n0
	b.Load(b0, x, p, 0)          // n1
	b.Store(b0, p, 8, ir.Imm(2)) // n2
	b.Call(b0, r, callee)        // n3
	b.Load(b0, y, p, 16)         // n4
	b.Return(b0, ir.Reg(r))      // n5
	u := b.Unit()

	lat := DefaultLatencies()
	lat.Forward = 6
	g, err := Build(u, blockScope(t, u, b0), Options{Latencies: lat})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	tests := []struct {
		name     string
		from, to NodeID
		want     int
	}{
		{"store to load", 0, 1, 6},
		{"load to store", 1, 2, 0},
		{"store to store", 0, 2, 0},
		{"store to call", 2, 3, 0},
		{"call to load", 3, 4, 0},
		{"store to later load", 2, 4, 6},
	}
	for _, tt := range tests {
		e, ok := findEdge(g, tt.from, tt.to)
		if !ok || e.Kind != EdgeMemory {
			t.Errorf("%s: edge %s -> %s = %+v %v", tt.name, tt.from, tt.to, e, ok)
			continue
		}
		if e.Latency != tt.want {
			t.Errorf("%s: latency %d, want %d", tt.name, e.Latency, tt.want)
		}
	}
}

func TestSpeculationCandidatesKeepTheirPlace(t *testing.T) {
	b := ir.NewBuilder()
	x, p := b.Reg(), b.Reg()
	f := b.Func("f", x, p)
	callee := b.Func("g")
	b0 := b.Block(f)
	tag, v, w, r := b.Reg(), b.Reg(), b.Reg(), b.Reg()
	b.TypeOf(b0, tag, x)                         // n0
	b.Call(b0, r, callee)                        // n1
	b.Op2(b0, ir.OpAdd, v, ir.Reg(x), ir.Imm(1)) // n2
	b.Profiled(b0)
	b.Store(b0, p, 0, ir.Imm(0))                 // n3
	b.Op2(b0, ir.OpAdd, w, ir.Reg(x), ir.Imm(2)) // n4
	b.Return(b0, ir.Reg(r))                      // n5
	u := b.Unit()

	g, err := Build(u, blockScope(t, u, b0), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, pair := range [][2]NodeID{{0, 1}, {1, 2}, {2, 3}} {
		if e, ok := findEdge(g, pair[0], pair[1]); !ok || e.Kind != EdgeMemory {
			t.Errorf("edge %s -> %s = %+v %v, want a memory edge", pair[0], pair[1], e, ok)
		}
	}
	for _, n := range []NodeID{0, 1, 2, 3} {
		if _, ok := findEdge(g, n, 4); ok {
			t.Errorf("plain add n4 is ordered after %s", n)
		}
	}
}

func TestBaseOffsetOracle(t *testing.T) {
	var o BaseOffsetOracle
	a := MemRef{Known: true, Base: 1, Off: 0, Size: 8}
	tests := []struct {
		name string
		b    MemRef
		want bool
	}{
		{"adjacent", MemRef{Known: true, Base: 1, Off: 8, Size: 8}, true},
		{"overlap", MemRef{Known: true, Base: 1, Off: 4, Size: 8}, false},
		{"other base", MemRef{Known: true, Base: 2, Off: 64, Size: 8}, false},
		{"base redefined", MemRef{Known: true, Base: 1, Version: 1, Off: 64, Size: 8}, false},
		{"unknown", MemRef{Off: 64, Size: 8}, false},
	}
	for _, tt := range tests {
		if got := o.Disjoint(a, tt.b); got != tt.want {
			t.Errorf("%s: Disjoint = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBarriersOrderEverything(t *testing.T) {
	b := ir.NewBuilder()
	f := b.Func("f")
	b0 := b.Block(f)
	x, y, z := b.Reg(), b.Reg(), b.Reg()
	b.Op2(b0, ir.OpDiv, x, ir.Imm(10), ir.Imm(2)) // n0 may trap
	b.Fence(b0)                                   // n1
	b.Op2(b0, ir.OpDiv, y, ir.Imm(10), ir.Imm(5)) // n2 may trap
	b.Op2(b0, ir.OpAdd, z, ir.Imm(1), ir.Imm(2))  // n3 pure
	b.Return(b0, ir.Reg(z))
	u := b.Unit()

	g, err := Build(u, blockScope(t, u, b0), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := findEdge(g, 0, 1); !ok {
		t.Error("trap before fence must stay before it")
	}
	if _, ok := findEdge(g, 1, 2); !ok {
		t.Error("trap after fence must stay after it")
	}
	if _, ok := findEdge(g, 1, 3); ok {
		t.Error("pure instruction should not be ordered against the fence")
	}
}

func TestControlEdgesAndHoisting(t *testing.T) {
	b := ir.NewBuilder()
	p := b.Reg()
	f := b.Func("f", p)
	b0, b1, b2 := b.Block(f), b.Block(f), b.Block(f)
	c, k, v := b.Reg(), b.Reg(), b.Reg()
	b.Op2(b0, ir.OpCmp, c, ir.Reg(p), ir.Imm(0)) // n0
	b.Branch(b0, c, b1, b2)                      // n1
	b.Op2(b1, ir.OpShl, k, ir.Reg(p), ir.Imm(2)) // n2 pure, single def
	b.Load(b1, v, p, 0)                          // n3 may trap
	b.Return(b1, ir.Reg(v))                      // n4
	b.Return(b2, ir.Imm(0))
	u := b.Unit()

	tab := profile.NewTable()
	tab.AddBlock(ir.BlockSite(b0), 5000)
	tab.AddBlock(ir.BlockSite(b1), 4950)
	tab.AddBranch(u.Block(b0).Exit.Site, 4950, 50)

	region, err := scope.NewBuilder(scope.DefaultConfig()).Build(u, b0, tab)
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if region.Level != scope.LevelRegion {
		t.Fatalf("level = %s, want region", region.Level)
	}
	g, err := Build(u, region, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := findEdge(g, 1, 2); ok {
		t.Error("pure single-definition instruction should be hoistable above the branch")
	}
	if e, ok := findEdge(g, 1, 3); !ok || e.Kind != EdgeControl {
		t.Errorf("load must stay below the branch, got %+v %v", e, ok)
	}
	if _, ok := findEdge(g, 1, 4); !ok {
		t.Error("terminators of a trace must stay ordered")
	}
	if g.Hoisted != 1 {
		t.Errorf("Hoisted = %d, want 1", g.Hoisted)
	}

	// Same blocks as a function scope: each block is its own trace, so
	// nothing crosses block boundaries.
	cfg := scope.DefaultConfig()
	cfg.MaxLevel = scope.LevelFunction
	fn, err := scope.NewBuilder(cfg).Build(u, b0, tab)
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	g, err = Build(u, fn, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.Hoisted != 0 {
		t.Errorf("function scope Hoisted = %d, want 0", g.Hoisted)
	}
}

func TestHeightsAndCriticalPath(t *testing.T) {
	b := ir.NewBuilder()
	p := b.Reg()
	f := b.Func("f", p)
	b0 := b.Block(f)
	x, y, z := b.Reg(), b.Reg(), b.Reg()
	b.Load(b0, x, p, 0)                           // n0 lat 4
	b.Op2(b0, ir.OpMul, y, ir.Reg(x), ir.Imm(3))  // n1 lat 3
	b.Op2(b0, ir.OpAdd, z, ir.Reg(y), ir.Imm(1))  // n2 lat 1
	b.Return(b0, ir.Reg(z))                       // n3 lat 1
	u := b.Unit()

	g, err := Build(u, blockScope(t, u, b0), Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := []int{4 + 3 + 1 + 1, 3 + 1 + 1, 1 + 1, 1}
	got := g.Heights()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("heights = %v, want %v", got, want)
		}
	}
	if cp := g.CriticalPath(); cp != 9 {
		t.Fatalf("CriticalPath = %d, want 9", cp)
	}
	st := g.Stats()
	if st.Nodes != 4 || st.ByKind[EdgeTrue] != 3 || st.CriticalPath != 9 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestLoopCarriedEdges(t *testing.T) {
	b := ir.NewBuilder()
	p := b.Reg()
	f := b.Func("f", p)
	body := b.Block(f)
	exit := b.Block(f)
	i, x, c := b.Reg(), b.Reg(), b.Reg()
	b.Load(body, x, p, 0)                           // n0
	b.Op2(body, ir.OpAdd, i, ir.Reg(i), ir.Reg(x))  // n1 i += x
	b.Store(body, p, 0, ir.Reg(i))                  // n2
	b.Op2(body, ir.OpCmp, c, ir.Reg(i), ir.Imm(99)) // n3
	b.Branch(body, c, body, exit)                   // n4
	b.Return(exit, ir.Reg(i))
	u := b.Unit()

	s := blockScope(t, u, body)
	if s.Loop != body {
		t.Fatalf("loop = %s", s.Loop)
	}
	g, err := Build(u, s, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.Loop != body {
		t.Fatalf("graph loop = %s", g.Loop)
	}
	var selfRec, storeToLoad bool
	for _, e := range g.Carried {
		if e.Distance != 1 {
			t.Fatalf("carried edge with distance %d", e.Distance)
		}
		if e.From == 1 && e.To == 1 && e.Kind == EdgeTrue {
			selfRec = true
		}
		if e.From == 2 && e.To == 0 && e.Kind == EdgeMemory {
			storeToLoad = true
		}
	}
	if !selfRec {
		t.Error("missing i += x recurrence")
	}
	if !storeToLoad {
		t.Error("missing store -> next iteration load recurrence")
	}
}

func TestValidateRejectsBadGraphs(t *testing.T) {
	g := newGraph()
	a := g.addNode(Node{Latency: 1})
	b := g.addNode(Node{Latency: 1})
	g.addEdge(b, a, EdgeTrue, 1)
	var de *DefectError
	if err := g.Validate(); !errors.As(err, &de) || de.Kind != DefectBackEdge {
		t.Fatalf("Validate = %v, want back edge defect", err)
	}

	g.addEdge(a, b, EdgeTrue, 1)
	_, err := g.Topo()
	if !errors.As(err, &de) || de.Kind != DefectCycle || len(de.Nodes) != 2 {
		t.Fatalf("Topo = %v, want cycle over both nodes", err)
	}
	if g.Heights() != nil {
		t.Fatal("Heights of a cyclic graph must be nil")
	}
}

// randomUnit builds a single function with random straight-line blocks
// chained by jumps and biased branches.
func randomUnit(rng *rand.Rand, blocks, instrs int) *ir.Unit {
	b := ir.NewBuilder()
	regs := b.Regs(6)
	f := b.Func("rnd", regs[0])
	ids := make([]ir.BlockID, blocks)
	for i := range ids {
		ids[i] = b.Block(f)
	}
	ops := []ir.Op{ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpDiv, ir.OpXor, ir.OpLoad, ir.OpStore, ir.OpCall, ir.OpFence, ir.OpConst}
	for bi, id := range ids {
		for range instrs {
			dst := regs[rng.Intn(len(regs))]
			src := regs[rng.Intn(len(regs))]
			switch op := ops[rng.Intn(len(ops))]; op {
			case ir.OpLoad:
				b.Load(id, dst, src, int64(8*rng.Intn(4)))
			case ir.OpStore:
				b.Store(id, src, int64(8*rng.Intn(4)), ir.Reg(dst))
			case ir.OpCall:
				b.Call(id, dst, f, ir.Reg(src))
			case ir.OpFence:
				b.Fence(id)
			case ir.OpConst:
				b.Const(id, dst, rng.Int63n(100))
			default:
				b.Op2(id, op, dst, ir.Reg(src), ir.Reg(regs[rng.Intn(len(regs))]))
			}
		}
		if bi == len(ids)-1 {
			b.Return(id, ir.Reg(regs[1]))
			continue
		}
		if rng.Intn(2) == 0 {
			b.Jump(id, ids[bi+1])
		} else {
			b.Branch(id, regs[rng.Intn(len(regs))], ids[bi+1], ids[len(ids)-1])
		}
	}
	return b.Unit()
}

func TestRandomGraphsAreAcyclic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		u := randomUnit(rng, 1+rng.Intn(5), 1+rng.Intn(12))
		if err := ir.Validate(u); err != nil {
			t.Fatalf("iter %d: random unit invalid: %v", iter, err)
		}
		tab := profile.NewTable()
		for _, blk := range u.Blocks {
			tab.AddBlock(blk.Site, 5000)
			if blk.Exit.Kind == ir.ExitBranch {
				tab.AddBranch(blk.Exit.Site, 990, 10)
			}
		}
		s, err := scope.NewBuilder(scope.DefaultConfig()).Build(u, 0, tab)
		if err != nil {
			t.Fatalf("iter %d: scope: %v", iter, err)
		}
		var oracle AliasOracle
		if iter%2 == 0 {
			oracle = BaseOffsetOracle{}
		}
		g, err := Build(u, s, Options{Alias: oracle})
		if err != nil {
			t.Fatalf("iter %d: Build: %v", iter, err)
		}
		for _, e := range g.Edges {
			if e.From >= e.To {
				t.Fatalf("iter %d: edge %s -> %s against program order", iter, e.From, e.To)
			}
		}
		order, err := g.Topo()
		if err != nil || len(order) != g.Len() {
			t.Fatalf("iter %d: Topo = %d nodes, %v", iter, len(order), err)
		}
		if g.Len() != s.InstrCount {
			t.Fatalf("iter %d: %d nodes for %d scope instructions", iter, g.Len(), s.InstrCount)
		}
	}
}
