package sched

import (
	"errors"
	"math/rand"
	"slices"
	"testing"

	"hvjit/internal/depgraph"
	"hvjit/internal/ir"
	"hvjit/internal/profile"
	"hvjit/internal/scope"
)

var allAlgorithms = []Algorithm{AlgList, AlgCriticalPath, AlgResource, AlgModulo}

func graphOf(t *testing.T, u *ir.Unit, seed ir.BlockID, level scope.Level) *depgraph.Graph {
	t.Helper()
	cfg := scope.DefaultConfig()
	cfg.MaxLevel = level
	s, err := scope.NewBuilder(cfg).Build(u, seed, profile.NewTable())
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	g, err := depgraph.Build(u, s, depgraph.Options{})
	if err != nil {
		t.Fatalf("depgraph: %v", err)
	}
	return g
}

func positions(order []depgraph.NodeID) map[depgraph.NodeID]int {
	pos := make(map[depgraph.NodeID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	return pos
}

// chainBlock holds A -> B -> C plus two instructions D and E that depend
// on nothing.
func chainBlock() (*ir.Unit, ir.BlockID) {
	b := ir.NewBuilder()
	f := b.Func("chain")
	b0 := b.Block(f)
	a, bb, c, d, e := b.Reg(), b.Reg(), b.Reg(), b.Reg(), b.Reg()
	b.Const(b0, a, 1)
	b.Op2(b0, ir.OpMul, bb, ir.Reg(a), ir.Imm(2))
	b.Op2(b0, ir.OpAdd, c, ir.Reg(bb), ir.Imm(3))
	b.Const(b0, d, 4)
	b.Const(b0, e, 5)
	b.Return(b0, ir.Imm(0))
	return b.Unit(), b0
}

func TestChainScheduleAnyTopologicalOrder(t *testing.T) {
	u, b0 := chainBlock()
	g := graphOf(t, u, b0, scope.LevelBlock)
	for _, alg := range allAlgorithms {
		res, err := Schedule(g, alg, DefaultConfig())
		if err != nil {
			t.Fatalf("%s: %v", alg, err)
		}
		pos := positions(res.Order)
		if !(pos[0] < pos[1] && pos[1] < pos[2]) {
			t.Errorf("%s: order %v breaks A before B before C", alg, res.Order)
		}
		if len(res.Order) != 6 {
			t.Errorf("%s: %d nodes scheduled, want 6", alg, len(res.Order))
		}
		if err := Verify(g, res.Order); err != nil {
			t.Errorf("%s: %v", alg, err)
		}
	}
}

func TestCriticalPathPutsLongChainFirst(t *testing.T) {
	u, b0 := chainBlock()
	g := graphOf(t, u, b0, scope.LevelBlock)
	res, err := Schedule(g, AlgCriticalPath, DefaultConfig())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if res.Order[0] != 0 {
		t.Fatalf("order = %v, want the chain head first", res.Order)
	}
	if res.CriticalPath != g.CriticalPath() {
		t.Fatalf("CriticalPath = %d, want %d", res.CriticalPath, g.CriticalPath())
	}
	if res.Cycles < res.CriticalPath {
		t.Fatalf("Cycles = %d shorter than the critical path %d", res.Cycles, res.CriticalPath)
	}
}

func TestSelect(t *testing.T) {
	cfg := DefaultConfig()
	forced := cfg
	forced.Force = AlgList
	noModulo := cfg
	noModulo.Modulo = false
	tests := []struct {
		name string
		sh   Shape
		cfg  Config
		want Algorithm
	}{
		{"loop", Shape{Nodes: 40, Level: scope.LevelBlock, Loop: true}, cfg, AlgModulo},
		{"loop without modulo", Shape{Nodes: 40, Level: scope.LevelBlock, Loop: true}, noModulo, AlgList},
		{"small", Shape{Nodes: 8, Level: scope.LevelRegion}, cfg, AlgCriticalPath},
		{"region", Shape{Nodes: 9, Level: scope.LevelRegion}, cfg, AlgResource},
		{"callgraph", Shape{Nodes: 90, Level: scope.LevelCallGraph}, cfg, AlgResource},
		{"function", Shape{Nodes: 90, Level: scope.LevelFunction}, cfg, AlgList},
		{"forced", Shape{Nodes: 2, Loop: true}, forced, AlgList},
	}
	for _, tt := range tests {
		if got := Select(tt.sh, tt.cfg); got != tt.want {
			t.Errorf("%s: Select = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestParseAlgorithm(t *testing.T) {
	for _, alg := range []Algorithm{AlgAuto, AlgList, AlgCriticalPath, AlgResource, AlgModulo} {
		got, err := ParseAlgorithm(alg.String())
		if err != nil || got != alg {
			t.Errorf("ParseAlgorithm(%q) = %s, %v", alg.String(), got, err)
		}
	}
	if _, err := ParseAlgorithm("greedy"); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Units.Div = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero divide units must be rejected")
	}
	cfg = DefaultConfig()
	cfg.IssueWidth = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero issue width must be rejected")
	}
}

func TestResourceLimitsPerCycle(t *testing.T) {
	b := ir.NewBuilder()
	p := b.Reg()
	f := b.Func("loads", p)
	b0 := b.Block(f)
	for i := range 6 {
		b.Load(b0, b.Reg(), p, int64(8*i))
	}
	b.Return(b0, ir.Imm(0))
	u := b.Unit()

	g, err := depgraph.Build(u, mustScope(t, u, b0, scope.LevelBlock), depgraph.Options{Alias: depgraph.BaseOffsetOracle{}})
	if err != nil {
		t.Fatalf("depgraph: %v", err)
	}
	cfg := DefaultConfig()
	res, err := Schedule(g, AlgResource, cfg)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	perCycle := map[int]int{}
	for id := range g.Nodes {
		if g.Nodes[id].Instr.Op == ir.OpLoad {
			perCycle[res.Issue[id]]++
		}
	}
	for cycle, n := range perCycle {
		if n > cfg.Units.Load {
			t.Errorf("cycle %d issues %d loads with %d load units", cycle, n, cfg.Units.Load)
		}
	}
	if len(perCycle) != 3 {
		t.Errorf("6 independent loads on 2 units should take 3 cycles, got %v", perCycle)
	}

	unlimited, err := Schedule(g, AlgList, cfg)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if unlimited.Cycles > res.Cycles {
		t.Errorf("list (%d cycles) slower than resource-constrained (%d)", unlimited.Cycles, res.Cycles)
	}
}

func mustScope(t *testing.T, u *ir.Unit, seed ir.BlockID, level scope.Level) *scope.Scope {
	t.Helper()
	cfg := scope.DefaultConfig()
	cfg.MaxLevel = level
	s, err := scope.NewBuilder(cfg).Build(u, seed, profile.NewTable())
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	return s
}

func loopUnit() (*ir.Unit, ir.BlockID) {
	b := ir.NewBuilder()
	p := b.Reg()
	f := b.Func("sum", p)
	body := b.Block(f)
	exit := b.Block(f)
	i, x, y, c := b.Reg(), b.Reg(), b.Reg(), b.Reg()
	b.Load(body, x, p, 0)
	b.Op2(body, ir.OpMul, y, ir.Reg(x), ir.Imm(3))
	b.Op2(body, ir.OpAdd, i, ir.Reg(i), ir.Reg(y))
	b.Op2(body, ir.OpCmp, c, ir.Reg(i), ir.Imm(1000))
	b.Branch(body, c, body, exit)
	b.Return(exit, ir.Reg(i))
	return b.Unit(), body
}

func TestModuloSchedule(t *testing.T) {
	u, body := loopUnit()
	g := graphOf(t, u, body, scope.LevelBlock)
	if !ShapeOf(g, scope.LevelBlock).Loop {
		t.Fatal("loop body not recognized")
	}
	cfg := DefaultConfig()
	if alg := Select(ShapeOf(g, scope.LevelBlock), cfg); alg != AlgModulo {
		t.Fatalf("Select = %s, want modulo", alg)
	}
	res, err := Schedule(g, AlgModulo, cfg)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if res.Fallback() {
		t.Fatal("modulo scheduling fell back")
	}
	ms := res.Modulo
	if ms.II < max(ms.ResMII, ms.RecMII) {
		t.Fatalf("II %d below MII (res %d, rec %d)", ms.II, ms.ResMII, ms.RecMII)
	}
	if ms.RecMII < 1 {
		t.Fatalf("RecMII = %d, the i += y recurrence needs at least one cycle", ms.RecMII)
	}
	for _, e := range g.Edges {
		if res.Issue[e.To] < res.Issue[e.From]+e.Latency {
			t.Errorf("edge %s -> %s violated: %d < %d + %d", e.From, e.To, res.Issue[e.To], res.Issue[e.From], e.Latency)
		}
	}
	for _, e := range g.Carried {
		if res.Issue[e.To]+ms.II*e.Distance < res.Issue[e.From]+e.Latency {
			t.Errorf("carried edge %s -> %s violated at II %d", e.From, e.To, ms.II)
		}
	}
	if len(ms.Kernel) != g.Len() {
		t.Fatalf("kernel has %d slots for %d nodes", len(ms.Kernel), g.Len())
	}
	rows := map[int]int{}
	for _, s := range ms.Kernel {
		if s.Row < 0 || s.Row >= ms.II || s.Stage >= ms.Stages {
			t.Fatalf("slot %+v outside II %d / %d stages", s, ms.II, ms.Stages)
		}
		rows[s.Row]++
	}
	for row, n := range rows {
		if n > cfg.IssueWidth {
			t.Errorf("kernel row %d issues %d nodes", row, n)
		}
	}
	if len(ms.Prologue) != ms.Stages-1 || len(ms.Epilogue) != ms.Stages-1 {
		t.Fatalf("prologue %d / epilogue %d for %d stages", len(ms.Prologue), len(ms.Epilogue), ms.Stages)
	}
}

func TestModuloFallsBackOutsideLoops(t *testing.T) {
	u, b0 := chainBlock()
	g := graphOf(t, u, b0, scope.LevelBlock)
	res, err := Schedule(g, AlgModulo, DefaultConfig())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !res.Fallback() || res.Algorithm != AlgList || res.Requested != AlgModulo {
		t.Fatalf("algorithm %s requested %s, want list fallback", res.Algorithm, res.Requested)
	}
	if res.Modulo != nil {
		t.Fatal("fallback must not carry a modulo schedule")
	}
}

func TestVerifyRejectsBrokenOrders(t *testing.T) {
	u, b0 := chainBlock()
	g := graphOf(t, u, b0, scope.LevelBlock)
	good, err := Schedule(g, AlgList, DefaultConfig())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	tests := []struct {
		name  string
		order []depgraph.NodeID
		kind  ContractKind
	}{
		{"short", good.Order[1:], ContractLength},
		{"unknown", append(slices.Clone(good.Order[:len(good.Order)-1]), 99), ContractUnknownNode},
		{"duplicate", append(slices.Clone(good.Order[:len(good.Order)-1]), good.Order[0]), ContractDuplicate},
		{"reversed", reversed(good.Order), ContractEdge},
	}
	for _, tt := range tests {
		var ce *ContractError
		err := Verify(g, tt.order)
		if !errors.As(err, &ce) || ce.Kind != tt.kind {
			t.Errorf("%s: Verify = %v, want kind %d", tt.name, err, tt.kind)
		}
	}
}

func reversed(in []depgraph.NodeID) []depgraph.NodeID {
	out := slices.Clone(in)
	slices.Reverse(out)
	return out
}

func randomUnit(rng *rand.Rand, instrs int) (*ir.Unit, ir.BlockID) {
	b := ir.NewBuilder()
	regs := b.Regs(5)
	f := b.Func("rnd", regs[0])
	b0 := b.Block(f)
	ops := []ir.Op{ir.OpAdd, ir.OpMul, ir.OpDiv, ir.OpLoad, ir.OpStore, ir.OpConst, ir.OpCall}
	for range instrs {
		dst := regs[rng.Intn(len(regs))]
		src := regs[rng.Intn(len(regs))]
		switch op := ops[rng.Intn(len(ops))]; op {
		case ir.OpLoad:
			b.Load(b0, dst, src, int64(8*rng.Intn(3)))
		case ir.OpStore:
			b.Store(b0, src, int64(8*rng.Intn(3)), ir.Reg(dst))
		case ir.OpConst:
			b.Const(b0, dst, rng.Int63n(50))
		case ir.OpCall:
			b.Call(b0, dst, f, ir.Reg(src))
		default:
			b.Op2(b0, op, dst, ir.Reg(src), ir.Reg(regs[rng.Intn(len(regs))]))
		}
	}
	if rng.Intn(3) == 0 {
		b.Branch(b0, regs[1], b0, b0)
	} else {
		b.Return(b0, ir.Reg(regs[2]))
	}
	return b.Unit(), b0
}

func TestEveryAlgorithmIsTopologicalAndDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 150; iter++ {
		u, b0 := randomUnit(rng, 1+rng.Intn(30))
		g := graphOf(t, u, b0, scope.LevelBlock)
		for _, alg := range allAlgorithms {
			first, err := Schedule(g, alg, DefaultConfig())
			if err != nil {
				t.Fatalf("iter %d %s: %v", iter, alg, err)
			}
			if err := Verify(g, first.Order); err != nil {
				t.Fatalf("iter %d %s: %v", iter, alg, err)
			}
			pos := positions(first.Order)
			for _, e := range g.Edges {
				if pos[e.From] >= pos[e.To] {
					t.Fatalf("iter %d %s: edge %s -> %s out of order", iter, alg, e.From, e.To)
				}
			}
			again, err := Schedule(g, alg, DefaultConfig())
			if err != nil {
				t.Fatalf("iter %d %s: %v", iter, alg, err)
			}
			if !slices.Equal(first.Order, again.Order) {
				t.Fatalf("iter %d %s: orders differ: %v vs %v", iter, alg, first.Order, again.Order)
			}
		}
	}
}

func TestVerifyChecksEveryEdge(t *testing.T) {
	u, b0 := chainBlock()
	g := graphOf(t, u, b0, scope.LevelBlock)
	g.Edges = append(g.Edges, depgraph.Edge{From: 2, To: 0})
	if err := Verify(g, []depgraph.NodeID{0, 1, 2, 3, 4, 5}); err == nil {
		t.Fatal("Verify accepted an order violating 2 -> 0")
	}
}
