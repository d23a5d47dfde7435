// Package fixture reads guest code and its profile from a TOML file.
//
// Each function lists its blocks in order; the first block is the entry.
// Block bodies use one instruction per line:
//
//	x = const 1
//	c = cmp a, 0
//	v = load p, 8
//	store p, 8, v
//	r = call g(x)
//	r = callind fp(x) @calls g:950, h:50
//	t = typeof x @values 3:990, 4:10
//	br c, body, exit @bias 4800:200
//	ret x
//
// Registers are named; integers are immediates. Annotations after '@'
// feed the profile table at the instruction's site. Names may use any
// Unicode letters and are compared in NFC form.
package fixture

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/BurntSushi/toml"
	"golang.org/x/text/unicode/norm"

	"hvjit/internal/ir"
	"hvjit/internal/profile"
)

type fileFunc struct {
	Name   string      `toml:"name"`
	Params []string    `toml:"params"`
	Blocks []fileBlock `toml:"block"`
}

type fileBlock struct {
	Label string `toml:"label"`
	Hot   uint64 `toml:"hot"`
	Code  string `toml:"code"`
}

type file struct {
	Seeds []string   `toml:"seeds"`
	Funcs []fileFunc `toml:"func"`
}

// Fixture is a parsed file.
type Fixture struct {
	Unit    *ir.Unit
	Profile *profile.Table
	// Seeds are the blocks listed under seeds, or every function entry.
	Seeds []ir.BlockID
	names map[ir.BlockID]string
}

// Name returns the "func.label" name of block id.
func (f *Fixture) Name(id ir.BlockID) string {
	if n, ok := f.names[id]; ok {
		return n
	}
	return id.String()
}

// Lookup resolves a "func.label" name.
func (f *Fixture) Lookup(name string) (ir.BlockID, bool) {
	name = norm.NFC.String(name)
	for id, n := range f.names {
		if n == name {
			return id, true
		}
	}
	return ir.NoBlock, false
}

// Load reads and parses path.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fx, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fx, nil
}

// Parse builds a unit and profile from TOML source.
func Parse(data []byte) (*Fixture, error) {
	var f file
	meta, err := toml.Decode(norm.NFC.String(string(data)), &f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}

	p := &parser{
		b:      ir.NewBuilder(),
		prof:   profile.NewTable(),
		funcs:  make(map[string]ir.FuncID),
		blocks: make(map[string]ir.BlockID),
		fx:     &Fixture{names: make(map[ir.BlockID]string)},
	}
	if err := p.declare(f.Funcs); err != nil {
		return nil, err
	}
	for fi := range f.Funcs {
		if err := p.function(&f.Funcs[fi]); err != nil {
			return nil, err
		}
	}

	fx := p.fx
	fx.Unit = p.b.Unit()
	fx.Profile = p.prof
	if err := ir.Validate(fx.Unit); err != nil {
		return nil, err
	}
	if len(f.Seeds) == 0 {
		for _, fn := range fx.Unit.Funcs {
			fx.Seeds = append(fx.Seeds, fn.Entry)
		}
		return fx, nil
	}
	for _, s := range f.Seeds {
		id, ok := p.blocks[s]
		if !ok {
			return nil, fmt.Errorf("seed %q: unknown block", s)
		}
		fx.Seeds = append(fx.Seeds, id)
	}
	return fx, nil
}

type parser struct {
	b      *ir.Builder
	prof   *profile.Table
	funcs  map[string]ir.FuncID
	blocks map[string]ir.BlockID
	regs   map[string]ir.VReg
	fx     *Fixture

	fn   string
	lbl  string
	blk  ir.BlockID
	line int
}

func (p *parser) declare(funcs []fileFunc) error {
	for _, ff := range funcs {
		if ff.Name == "" {
			return fmt.Errorf("function without a name")
		}
		if _, dup := p.funcs[ff.Name]; dup {
			return fmt.Errorf("function %q declared twice", ff.Name)
		}
		if len(ff.Blocks) == 0 {
			return fmt.Errorf("function %q has no blocks", ff.Name)
		}
		p.regs = make(map[string]ir.VReg)
		params := make([]ir.VReg, 0, len(ff.Params))
		for _, name := range ff.Params {
			params = append(params, p.reg(name))
		}
		id := p.b.Func(ff.Name, params...)
		p.funcs[ff.Name] = id
		for _, fb := range ff.Blocks {
			name := ff.Name + "." + fb.Label
			if _, dup := p.blocks[name]; dup || fb.Label == "" {
				return fmt.Errorf("function %q: missing or repeated block label %q", ff.Name, fb.Label)
			}
			blk := p.b.Block(id)
			p.blocks[name] = blk
			p.fx.names[blk] = name
			if fb.Hot > 0 {
				p.prof.AddBlock(ir.BlockSite(blk), fb.Hot)
			}
		}
	}
	return nil
}

func (p *parser) function(ff *fileFunc) error {
	p.fn = ff.Name
	p.regs = make(map[string]ir.VReg)
	fn := p.b.Unit().Func(p.funcs[ff.Name])
	for i, name := range ff.Params {
		p.regs[name] = fn.Params[i]
	}
	for _, fb := range ff.Blocks {
		p.blk, p.lbl = p.blocks[ff.Name+"."+fb.Label], fb.Label
		terminated := false
		for i, raw := range strings.Split(fb.Code, "\n") {
			p.line = i + 1
			text := raw
			if k := strings.IndexByte(text, '#'); k >= 0 {
				text = text[:k]
			}
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			if terminated {
				return p.errorf("instruction after terminator")
			}
			var err error
			terminated, err = p.instr(text)
			if err != nil {
				return err
			}
		}
		if !terminated {
			return fmt.Errorf("%s.%s: block has no terminator", ff.Name, fb.Label)
		}
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%s.%s line %d: %s", p.fn, p.lbl, p.line, fmt.Sprintf(format, args...))
}

// reg names a register of the current function, allocating it on first use.
func (p *parser) reg(name string) ir.VReg {
	if v, ok := p.regs[name]; ok {
		return v
	}
	v := p.b.Reg()
	p.regs[name] = v
	return v
}

func (p *parser) operand(tok string) (ir.Operand, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return ir.Operand{}, p.errorf("missing operand")
	}
	if n, err := strconv.ParseInt(tok, 0, 64); err == nil {
		return ir.Imm(n), nil
	}
	if !isIdent(tok) {
		return ir.Operand{}, p.errorf("bad operand %q", tok)
	}
	return ir.Reg(p.reg(tok)), nil
}

func (p *parser) regOperand(tok string) (ir.VReg, error) {
	op, err := p.operand(tok)
	if err != nil {
		return ir.NoVReg, err
	}
	if op.Kind != ir.OperandReg {
		return ir.NoVReg, p.errorf("%q must be a register", tok)
	}
	return op.Reg, nil
}

func (p *parser) operands(list string) ([]ir.Operand, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}
	var out []ir.Operand
	for _, tok := range strings.Split(list, ",") {
		op, err := p.operand(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (p *parser) label(tok string) (ir.BlockID, error) {
	tok = strings.TrimSpace(tok)
	id, ok := p.blocks[p.fn+"."+tok]
	if !ok {
		return ir.NoBlock, p.errorf("unknown block %q", tok)
	}
	return id, nil
}

var binaryOps = map[string]ir.Op{
	"add": ir.OpAdd, "sub": ir.OpSub, "mul": ir.OpMul, "div": ir.OpDiv,
	"and": ir.OpAnd, "or": ir.OpOr, "xor": ir.OpXor,
	"shl": ir.OpShl, "shr": ir.OpShr, "cmp": ir.OpCmp,
}

// instr parses one line. It reports whether the line ended the block.
func (p *parser) instr(text string) (bool, error) {
	text, note, _ := strings.Cut(text, "@")
	text = strings.TrimSpace(text)

	dst := ir.NoVReg
	if lhs, rhs, ok := strings.Cut(text, "="); ok {
		name := strings.TrimSpace(lhs)
		if !isIdent(name) {
			return false, p.errorf("bad destination %q", name)
		}
		dst = p.reg(name)
		text = strings.TrimSpace(rhs)
	}
	mnemonic, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)

	var site ir.Site
	switch mnemonic {
	case "const":
		n, err := strconv.ParseInt(rest, 0, 64)
		if err != nil {
			return false, p.errorf("const needs an integer, got %q", rest)
		}
		site = p.b.Const(p.blk, dst, n)
	case "mov":
		src, err := p.operand(rest)
		if err != nil {
			return false, err
		}
		site = p.b.Mov(p.blk, dst, src)
	case "load":
		base, off, err := p.address(rest)
		if err != nil {
			return false, err
		}
		site = p.b.Load(p.blk, dst, base, off)
	case "store":
		parts := strings.Split(rest, ",")
		if len(parts) != 3 {
			return false, p.errorf("store takes base, offset, value")
		}
		base, off, err := p.address(parts[0] + "," + parts[1])
		if err != nil {
			return false, err
		}
		val, err := p.operand(parts[2])
		if err != nil {
			return false, err
		}
		site = p.b.Store(p.blk, base, off, val)
	case "call", "callind":
		target, args, err := p.call(rest)
		if err != nil {
			return false, err
		}
		if mnemonic == "call" {
			callee, ok := p.funcs[target]
			if !ok {
				return false, p.errorf("call to unknown function %q", target)
			}
			site = p.b.Call(p.blk, dst, callee, args...)
			break
		}
		fp, err := p.regOperand(target)
		if err != nil {
			return false, err
		}
		site = p.b.CallInd(p.blk, dst, fp, args...)
	case "typeof":
		src, err := p.regOperand(rest)
		if err != nil {
			return false, err
		}
		site = p.b.TypeOf(p.blk, dst, src)
	case "fence":
		site = p.b.Fence(p.blk)
	case "syscall":
		args, err := p.operands(rest)
		if err != nil {
			return false, err
		}
		site = p.b.Syscall(p.blk, dst, args...)
	case "jmp":
		to, err := p.label(rest)
		if err != nil {
			return false, err
		}
		site = p.b.Jump(p.blk, to)
		return true, p.annotate(note, site, mnemonic)
	case "br":
		parts := strings.Split(rest, ",")
		if len(parts) != 3 {
			return false, p.errorf("br takes cond, taken, next")
		}
		cond, err := p.regOperand(parts[0])
		if err != nil {
			return false, err
		}
		taken, err := p.label(parts[1])
		if err != nil {
			return false, err
		}
		next, err := p.label(parts[2])
		if err != nil {
			return false, err
		}
		site = p.b.Branch(p.blk, cond, taken, next)
		return true, p.annotate(note, site, mnemonic)
	case "jmpind":
		target, err := p.regOperand(rest)
		if err != nil {
			return false, err
		}
		site = p.b.JumpInd(p.blk, target)
		return true, p.annotate(note, site, mnemonic)
	case "ret":
		val := ir.Imm(0)
		if rest != "" {
			var err error
			if val, err = p.operand(rest); err != nil {
				return false, err
			}
		}
		site = p.b.Return(p.blk, val)
		return true, p.annotate(note, site, mnemonic)
	default:
		op, ok := binaryOps[mnemonic]
		if !ok {
			return false, p.errorf("unknown instruction %q", mnemonic)
		}
		args, err := p.operands(rest)
		if err != nil {
			return false, err
		}
		if len(args) != 2 {
			return false, p.errorf("%s takes 2 operands, got %d", mnemonic, len(args))
		}
		site = p.b.Op2(p.blk, op, dst, args[0], args[1])
	}
	return false, p.annotate(note, site, mnemonic)
}

func (p *parser) address(text string) (ir.VReg, int64, error) {
	baseTok, offTok, hasOff := strings.Cut(text, ",")
	base, err := p.regOperand(baseTok)
	if err != nil {
		return ir.NoVReg, 0, err
	}
	if !hasOff {
		return base, 0, nil
	}
	off, err := strconv.ParseInt(strings.TrimSpace(offTok), 0, 64)
	if err != nil {
		return ir.NoVReg, 0, p.errorf("bad offset %q", offTok)
	}
	return base, off, nil
}

// call splits "target(a, b)".
func (p *parser) call(text string) (string, []ir.Operand, error) {
	open := strings.IndexByte(text, '(')
	if open < 0 || !strings.HasSuffix(text, ")") {
		return "", nil, p.errorf("call needs target(args)")
	}
	args, err := p.operands(text[open+1 : len(text)-1])
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSpace(text[:open]), args, nil
}

type count struct {
	key string
	n   uint64
}

// counts parses "k:n, k:n".
func (p *parser) counts(body string) ([]count, error) {
	var out []count
	for _, item := range strings.Split(body, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(item), ":")
		if !ok {
			return nil, p.errorf("annotation entry %q is not key:count", item)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, p.errorf("bad count %q", v)
		}
		out = append(out, count{key: strings.TrimSpace(k), n: n})
	}
	return out, nil
}

// annotate records a profile annotation for the instruction at site.
func (p *parser) annotate(note string, site ir.Site, mnemonic string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil
	}
	kind, body, _ := strings.Cut(note, " ")
	counts, err := p.counts(body)
	if err != nil {
		return err
	}
	switch kind {
	case "bias":
		if mnemonic != "br" || len(counts) != 1 {
			return p.errorf("@bias goes on br as taken:not-taken")
		}
		taken, err := strconv.ParseUint(counts[0].key, 10, 64)
		if err != nil {
			return p.errorf("bad taken count %q", counts[0].key)
		}
		p.prof.AddBranch(site, taken, counts[0].n)
	case "calls":
		if mnemonic != "callind" {
			return p.errorf("@calls goes on callind")
		}
		for _, c := range counts {
			callee, ok := p.funcs[c.key]
			if !ok {
				return p.errorf("unknown callee %q", c.key)
			}
			p.prof.AddCall(site, callee, c.n)
		}
	case "values":
		blk := p.b.Unit().Block(p.blk)
		n := len(blk.Instrs)
		if n == 0 || blk.Instrs[n-1].Site != site || !blk.Instrs[n-1].HasDst() {
			return p.errorf("@values needs an instruction with a result")
		}
		p.b.Profiled(p.blk)
		for _, c := range counts {
			v, err := strconv.ParseInt(c.key, 0, 64)
			if err != nil {
				return p.errorf("bad value %q", c.key)
			}
			p.prof.AddValue(site, v, c.n)
		}
	default:
		return p.errorf("unknown annotation @%s", kind)
	}
	return nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case i > 0 && unicode.IsDigit(r):
		default:
			return false
		}
	}
	return true
}
