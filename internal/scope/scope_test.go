package scope

import (
	"bytes"
	"path/filepath"
	"slices"
	"testing"

	"hvjit/internal/ir"
	"hvjit/internal/profile"
)

func TestCapabilitiesAreMonotonic(t *testing.T) {
	levels := []Level{LevelBlock, LevelFunction, LevelRegion, LevelCallGraph}
	for i, lo := range levels {
		for _, hi := range levels[i:] {
			if !hi.Capabilities().Has(lo.Capabilities()) {
				t.Fatalf("%s (%s) is not a superset of %s (%s)", hi, hi.Capabilities(), lo, lo.Capabilities())
			}
		}
	}
	if LevelBlock.Capabilities().Has(CapDevirt) {
		t.Fatal("block scope must not allow devirtualization")
	}
	if !LevelRegion.Capabilities().Has(CapDevirt | CapInline | CapReorder) {
		t.Fatalf("region caps = %s", LevelRegion.Capabilities())
	}
	if got := LevelBlock.Capabilities().String(); got != "reorder|dce|cse" {
		t.Fatalf("block caps = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	for _, l := range []Level{LevelBlock, LevelFunction, LevelRegion, LevelCallGraph} {
		got, err := ParseLevel(l.String())
		if err != nil || got != l {
			t.Fatalf("ParseLevel(%q) = %v, %v", l.String(), got, err)
		}
	}
	if _, err := ParseLevel("module"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

// chain builds f: b0 -br-> b1 -> b2 -> b3 (ret), with b0's not-taken side b4.
// It also declares leaf functions g and h reachable through an indirect
// call in b1.
type chain struct {
	u       *ir.Unit
	callInd ir.Site
	g, h    ir.FuncID
}

func buildChain(t *testing.T) chain {
	t.Helper()
	b := ir.NewBuilder()
	f := b.Func("f")
	g := b.Func("g")
	h := b.Func("h")

	b0, b1, b2, b3, b4 := b.Block(f), b.Block(f), b.Block(f), b.Block(f), b.Block(f)
	x, c, fp, r := b.Reg(), b.Reg(), b.Reg(), b.Reg()
	b.Const(b0, x, 1)
	b.Op2(b0, ir.OpCmp, c, ir.Reg(x), ir.Imm(0))
	b.Branch(b0, c, b1, b4)

	b.Load(b1, fp, x, 0)
	site := b.CallInd(b1, r, fp, ir.Reg(x))
	b.Jump(b1, b2)

	b.Op2(b2, ir.OpAdd, x, ir.Reg(x), ir.Imm(1))
	b.Jump(b2, b3)
	b.Return(b3, ir.Reg(x))
	b.Return(b4, ir.Imm(0))

	gb := b.Block(g)
	b.Return(gb, ir.Imm(1))
	hb := b.Block(h)
	b.Return(hb, ir.Imm(2))

	u := b.Unit()
	if err := ir.Validate(u); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return chain{u: u, callInd: site, g: g, h: h}
}

func hotChainProfile(c chain) *profile.Table {
	tab := profile.NewTable()
	tab.AddBlock(ir.BlockSite(0), 5000)
	tab.AddBlock(ir.BlockSite(1), 4800)
	tab.AddBlock(ir.BlockSite(2), 10) // cold
	tab.AddBlock(ir.BlockSite(3), 4800)
	tab.AddBranch(c.u.Block(0).Exit.Site, 4800, 200)
	return tab
}

func TestBuildWithoutProfileDefaultsToFunction(t *testing.T) {
	c := buildChain(t)
	s, err := NewBuilder(DefaultConfig()).Build(c.u, 0, profile.NewTable())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.Level != LevelFunction {
		t.Fatalf("level = %s, want function", s.Level)
	}
	if s.Len() != 5 || s.Contains(5) {
		t.Fatalf("function scope blocks = %v", s.Blocks())
	}
	if s.Caps != LevelFunction.Capabilities() {
		t.Fatalf("caps = %s", s.Caps)
	}
}

func TestBuildColdSeedStaysBlock(t *testing.T) {
	c := buildChain(t)
	tab := profile.NewTable()
	tab.AddBlock(ir.BlockSite(0), 3)
	s, err := NewBuilder(DefaultConfig()).Build(c.u, 0, tab)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.Level != LevelBlock || s.Len() != 1 || !s.Contains(0) {
		t.Fatalf("scope = %s %v", s.Level, s.Blocks())
	}
}

func TestRegionIncludesColdBlockButStopsThere(t *testing.T) {
	c := buildChain(t)
	s, err := NewBuilder(DefaultConfig()).Build(c.u, 0, hotChainProfile(c))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.Level != LevelRegion {
		t.Fatalf("level = %s, want region", s.Level)
	}
	want := []ir.BlockID{0, 1, 2}
	if got := s.Blocks(); !slices.Equal(got, want) {
		t.Fatalf("blocks = %v, want %v", got, want)
	}
	if s.Contains(3) || s.Contains(4) {
		t.Fatal("region grew past the cold block or into the cold side")
	}
}

func TestRegionNeedsDominantPath(t *testing.T) {
	c := buildChain(t)
	tab := hotChainProfile(c)
	tab.AddBranch(c.u.Block(0).Exit.Site, 0, 3000) // now 4800:3200
	s, err := NewBuilder(DefaultConfig()).Build(c.u, 0, tab)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.Level != LevelFunction {
		t.Fatalf("level = %s, want function", s.Level)
	}
}

func TestRegionBiasSensitivity(t *testing.T) {
	c := buildChain(t)
	tab := hotChainProfile(c) // 96% taken
	tests := []struct {
		bias float64
		want Level
	}{
		{0.80, LevelRegion},
		{0.95, LevelRegion},
		{0.97, LevelFunction},
		{0.99, LevelFunction},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.RegionBias = tt.bias
		s, err := NewBuilder(cfg).Build(c.u, 0, tab)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		if s.Level != tt.want {
			t.Errorf("bias %.2f: level = %s, want %s", tt.bias, s.Level, tt.want)
		}
	}
}

func TestCallGraphPromotionOnDominantCallee(t *testing.T) {
	c := buildChain(t)
	tab := hotChainProfile(c)
	tab.AddCall(c.callInd, c.g, 950)
	tab.AddCall(c.callInd, c.h, 50)
	tab.AddBlock(c.u.Block(c.u.Func(c.g).Entry).Site, 950)

	s, err := NewBuilder(DefaultConfig()).Build(c.u, 0, tab)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.Level != LevelCallGraph {
		t.Fatalf("level = %s, want callgraph", s.Level)
	}
	if len(s.Devirt) != 1 || s.Devirt[0].Callee != c.g || s.Devirt[0].Site != c.callInd {
		t.Fatalf("devirt = %+v", s.Devirt)
	}
	if !s.Contains(c.u.Func(c.g).Entry) || s.Contains(c.u.Func(c.h).Entry) {
		t.Fatalf("blocks = %v", s.Blocks())
	}
	if len(s.Traces) != 2 {
		t.Fatalf("traces = %v, want main chain plus callee", s.Traces)
	}
}

func TestCallGraphNeedsDominance(t *testing.T) {
	c := buildChain(t)
	tab := hotChainProfile(c)
	tab.AddCall(c.callInd, c.g, 600)
	tab.AddCall(c.callInd, c.h, 400)

	s, err := NewBuilder(DefaultConfig()).Build(c.u, 0, tab)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.Level != LevelRegion || len(s.Devirt) != 0 {
		t.Fatalf("level = %s devirt = %+v", s.Level, s.Devirt)
	}
}

func TestBudgetCapsAtLowerLevel(t *testing.T) {
	c := buildChain(t)
	cfg := DefaultConfig()
	cfg.MaxInstrs = 4 // b0 alone is 3 instrs, the function is far larger
	s, err := NewBuilder(cfg).Build(c.u, 0, profile.NewTable())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.Level != LevelBlock || !s.Capped || s.Wanted != LevelFunction {
		t.Fatalf("level = %s wanted = %s capped = %v", s.Level, s.Wanted, s.Capped)
	}
}

func TestCallGraphCappedToRegion(t *testing.T) {
	c := buildChain(t)
	tab := hotChainProfile(c)
	tab.AddCall(c.callInd, c.g, 1000)
	cfg := DefaultConfig()
	// region b0..b2 holds 3+3+2 = 8 instructions, callee g adds 1 more
	cfg.MaxInstrs = 8
	s, err := NewBuilder(cfg).Build(c.u, 0, tab)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.Level != LevelRegion || !s.Capped || s.Wanted != LevelCallGraph {
		t.Fatalf("level = %s wanted = %s capped = %v", s.Level, s.Wanted, s.Capped)
	}
}

func TestMaxLevelClamp(t *testing.T) {
	c := buildChain(t)
	cfg := DefaultConfig()
	cfg.MaxLevel = LevelFunction
	s, err := NewBuilder(cfg).Build(c.u, 0, hotChainProfile(c))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.Level != LevelFunction || s.Capped {
		t.Fatalf("level = %s capped = %v", s.Level, s.Capped)
	}
}

func TestLoopDetection(t *testing.T) {
	b := ir.NewBuilder()
	f := b.Func("loop")
	head, body, exit := b.Block(f), b.Block(f), b.Block(f)
	i, c := b.Reg(), b.Reg()
	b.Const(head, i, 0)
	b.Jump(head, body)
	b.Op2(body, ir.OpAdd, i, ir.Reg(i), ir.Imm(1))
	b.Op2(body, ir.OpCmp, c, ir.Reg(i), ir.Imm(100))
	b.Branch(body, c, body, exit)
	b.Return(exit, ir.Reg(i))
	u := b.Unit()

	tab := profile.NewTable()
	tab.AddBlock(ir.BlockSite(body), 20)
	s, err := NewBuilder(DefaultConfig()).Build(u, body, tab)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.Level != LevelBlock || s.Loop != body {
		t.Fatalf("level = %s loop = %s", s.Level, s.Loop)
	}
}

func TestBuildUnknownSeed(t *testing.T) {
	c := buildChain(t)
	if _, err := NewBuilder(DefaultConfig()).Build(c.u, 99, profile.NewTable()); err == nil {
		t.Fatal("expected error for unknown seed")
	}
}

func TestRequire(t *testing.T) {
	c := buildChain(t)
	tab := profile.NewTable()
	tab.AddBlock(ir.BlockSite(0), 3)
	s, _ := NewBuilder(DefaultConfig()).Build(c.u, 0, tab)
	if err := s.Require(CapReorder, "schedule"); err != nil {
		t.Fatalf("Require(reorder) = %v", err)
	}
	err := s.Require(CapDevirt, "devirtualize")
	if err == nil {
		t.Fatal("block scope allowed devirtualization")
	}
	if _, ok := err.(*CapabilityError); !ok {
		t.Fatalf("err = %T, want *CapabilityError", err)
	}
}

func TestRecordStore(t *testing.T) {
	c := buildChain(t)
	tab := hotChainProfile(c)
	tab.AddCall(c.callInd, c.g, 1000)
	s, err := NewBuilder(DefaultConfig()).Build(c.u, 0, tab)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	st := NewStore()
	rec := NewRecord(c.u, s)
	rec.Graph = GraphStats{Nodes: 12, Edges: 20}
	st.Put(rec)

	var buf bytes.Buffer
	if err := st.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := DecodeStore(&buf)
	if err != nil {
		t.Fatalf("DecodeStore: %v", err)
	}
	got, ok := back.Get(ir.BlockSite(0))
	if !ok {
		t.Fatal("record missing after round trip")
	}
	if got.Level != LevelCallGraph || len(got.Devirt) != 1 || got.Graph.Nodes != 12 {
		t.Fatalf("record = %+v", got)
	}

	path := filepath.Join(t.TempDir(), "scopes.mp")
	if err := back.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	loaded, err := LoadStoreFile(path)
	if err != nil {
		t.Fatalf("LoadStoreFile: %v", err)
	}
	if len(loaded.Records()) != 1 {
		t.Fatalf("records = %d", len(loaded.Records()))
	}
	empty, err := LoadStoreFile(filepath.Join(t.TempDir(), "missing.mp"))
	if err != nil || len(empty.Records()) != 0 {
		t.Fatalf("missing file: %v %d", err, len(empty.Records()))
	}
}
