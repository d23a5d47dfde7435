package fixture

import (
	"path/filepath"
	"strings"
	"testing"

	"hvjit/internal/ir"
)

func TestLoadChain(t *testing.T) {
	fx, err := Load(filepath.Join("testdata", "chain.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	u := fx.Unit
	if len(u.Funcs) != 3 || len(u.Blocks) != 6 {
		t.Fatalf("funcs=%d blocks=%d", len(u.Funcs), len(u.Blocks))
	}
	if len(fx.Seeds) != 1 || fx.Seeds[0] != 0 {
		t.Fatalf("seeds = %v", fx.Seeds)
	}
	if got := fx.Name(1); got != "f.body" {
		t.Fatalf("Name(1) = %q", got)
	}
	if id, ok := fx.Lookup("g.entry"); !ok || id != 4 || u.Func(1).Entry != id {
		t.Fatalf("Lookup(g.entry) = %s, %v", id, ok)
	}

	entry := u.Block(0)
	if len(entry.Instrs) != 3 || entry.Exit.Kind != ir.ExitBranch || entry.Exit.Taken != 1 || entry.Exit.Next != 3 {
		t.Fatalf("entry = %+v", entry)
	}
	typeOf := entry.Instrs[1]
	if typeOf.Op != ir.OpTypeOf || !typeOf.Flags.Has(ir.FlagValueProfiled) {
		t.Fatalf("typeof = %+v", typeOf)
	}
	if typeOf.Args[0].Reg != u.Func(0).Params[0] {
		t.Fatal("typeof does not read parameter a")
	}

	prof := fx.Profile
	if n, ok := prof.Hotness(entry.Site); !ok || n != 5000 {
		t.Fatalf("entry hotness = %d, %v", n, ok)
	}
	if _, ok := prof.Hotness(u.Block(3).Site); ok {
		t.Fatal("cold block has hotness")
	}
	bias, ok := prof.BranchBias(entry.Exit.Site)
	if !ok || bias.Taken != 4800 || bias.NotTaken != 200 {
		t.Fatalf("bias = %+v, %v", bias, ok)
	}
	calls := prof.CallTargets(u.Block(1).Instrs[1].Site)
	if len(calls) != 2 || calls[0].Callee != 1 || calls[0].Count != 950 {
		t.Fatalf("call targets = %+v", calls)
	}
	vals := prof.ValueHistogram(typeOf.Site)
	if len(vals) != 2 || vals[0].Value != 3 || vals[0].Count != 990 {
		t.Fatalf("values = %+v", vals)
	}

	store := u.Block(2).Instrs[1]
	if store.Op != ir.OpStore || store.Off != 16 || store.Dst != ir.NoVReg {
		t.Fatalf("store = %+v", store)
	}
}

func TestDefaultSeedsAreEntries(t *testing.T) {
	fx, err := Parse([]byte(`
[[func]]
name = "a"
  [[func.block]]
  label = "e"
  code = "jmp x"
  [[func.block]]
  label = "x"
  code = "ret"
[[func]]
name = "b"
  [[func.block]]
  label = "e"
  code = "ret 7"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(fx.Seeds) != 2 || fx.Seeds[0] != 0 || fx.Seeds[1] != 2 {
		t.Fatalf("seeds = %v", fx.Seeds)
	}
	if v := fx.Unit.Block(2).Exit.Value; v.Kind != ir.OperandImm || v.Imm != 7 {
		t.Fatalf("ret value = %+v", v)
	}
}

func TestParseErrors(t *testing.T) {
	fn := func(code string) string {
		return "[[func]]\nname = \"f\"\n[[func.block]]\nlabel = \"e\"\ncode = \"\"\"\n" + code + "\n\"\"\"\n[[func.block]]\nlabel = \"x\"\ncode = \"ret\"\n"
	}
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown instruction", fn("y = frob a\nret"), `f.e line 1: unknown instruction "frob"`},
		{"unknown label", fn("jmp nowhere"), `unknown block "nowhere"`},
		{"after terminator", fn("ret\ny = add a, 1"), "f.e line 2: instruction after terminator"},
		{"no terminator", fn("y = add a, 1"), "f.e: block has no terminator"},
		{"arity", fn("y = add a\nret"), "add takes 2 operands, got 1"},
		{"bias on jump", fn("jmp x @bias 1:2"), "@bias goes on br"},
		{"values without result", fn("store a, 0, 1 @values 1:2\nret"), "@values needs an instruction with a result"},
		{"unknown callee", fn("r = callind a() @calls nope:3\nret"), `unknown callee "nope"`},
		{"call unknown", fn("r = call nope()\nret"), `call to unknown function "nope"`},
		{"bad count", fn("br a, x, x @bias 1:many"), `bad count "many"`},
		{"unknown key", "colour = 1\n", "unknown key colour"},
		{"unknown seed", "seeds = [\"f.q\"]\n" + fn("ret"), `seed "f.q": unknown block`},
		{"duplicate label", "[[func]]\nname = \"f\"\n[[func.block]]\nlabel = \"e\"\ncode = \"ret\"\n[[func.block]]\nlabel = \"e\"\ncode = \"ret\"\n", "repeated block label"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestNamesAreNormalized(t *testing.T) {
	src := "[[func]]\nname = \"cafe\u0301\"\nparams = [\"e\u0301\"]\n[[func.block]]\nlabel = \"e\"\ncode = \"ret \u00e9\"\n"
	fx, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	for _, name := range []string{"caf\u00e9.e", "cafe\u0301.e"} {
		if _, ok := fx.Lookup(name); !ok {
			t.Fatalf("Lookup(%q) failed", name)
		}
	}
	if fx.Unit.Block(0).Exit.Value.Reg != fx.Unit.Func(0).Params[0] {
		t.Fatal("return does not read the parameter")
	}
}
