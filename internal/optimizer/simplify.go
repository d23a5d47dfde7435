package optimizer

import (
	"slices"

	"hvjit/internal/ir"
	"hvjit/internal/scope"
)

// simplify cleans up the speculated blocks in place: local common
// subexpressions become moves, and pure instructions whose result nobody
// reads are dropped. It returns how many instructions each rewrite hit.
//
// A register counts as read if any instruction or exit of the unit reads
// it, so everything a lower tier may need after a deopt survives.
func simplify(u *ir.Unit, s *scope.Scope, blocks []*ir.Block) (cse, dce int) {
	if s.Caps.Has(scope.CapCSE) {
		for _, b := range blocks {
			cse += localCSE(b)
		}
	}
	if s.Caps.Has(scope.CapDCE) {
		live := readRegs(u, blocks)
		for _, b := range blocks {
			dce += deadCode(b, live)
		}
	}
	return cse, dce
}

type exprKey struct {
	op   ir.Op
	args string
	off  int64
	size uint8
}

func keyOf(in *ir.Instr) exprKey {
	k := exprKey{op: in.Op, off: in.Off, size: in.Size}
	buf := make([]byte, 0, len(in.Args)*10)
	for _, a := range in.Args {
		buf = append(buf, a.String()...)
		buf = append(buf, ',')
	}
	k.args = string(buf)
	return k
}

func cseCandidate(in *ir.Instr) bool {
	if !in.HasDst() || !in.Pure() {
		return false
	}
	switch in.Op {
	case ir.OpNop, ir.OpMov, ir.OpGuard:
		return false
	}
	return !in.Reads(in.Dst)
}

type availExpr struct {
	dst   ir.VReg
	reads []ir.VReg
}

// localCSE replaces a pure instruction recomputing an available value
// with a move from the register that already holds it.
func localCSE(b *ir.Block) int {
	avail := make(map[exprKey]availExpr)
	n := 0
	for i := range b.Instrs {
		in := &b.Instrs[i]
		if cseCandidate(in) {
			if prev, ok := avail[keyOf(in)]; ok && prev.dst != in.Dst {
				b.Instrs[i] = ir.Instr{
					Op:     ir.OpMov,
					Dst:    in.Dst,
					Args:   []ir.Operand{ir.Reg(prev.dst)},
					Flags:  ir.DefaultFlags(ir.OpMov),
					Site:   in.Site,
					Callee: ir.NoFunc,
				}
				n++
			}
		}
		if !in.HasDst() {
			continue
		}
		// a redefinition kills every expression that reads or produced it
		for k, e := range avail {
			if e.dst == in.Dst || slices.Contains(e.reads, in.Dst) {
				delete(avail, k)
			}
		}
		if cseCandidate(in) {
			avail[keyOf(in)] = availExpr{dst: in.Dst, reads: in.Uses(nil)}
		}
	}
	return n
}

// readRegs collects every register read anywhere in u or in blocks.
func readRegs(u *ir.Unit, blocks []*ir.Block) map[ir.VReg]bool {
	live := make(map[ir.VReg]bool)
	var buf []ir.VReg
	add := func(b *ir.Block) {
		for i := range b.Instrs {
			buf = b.Instrs[i].Uses(buf[:0])
			for _, v := range buf {
				live[v] = true
			}
		}
		exit := b.Exit.Instr()
		buf = exit.Uses(buf[:0])
		for _, v := range buf {
			live[v] = true
		}
	}
	for _, b := range u.Blocks {
		if b != nil {
			add(b)
		}
	}
	for _, b := range blocks {
		add(b)
	}
	return live
}

// deadCode drops nops and pure instructions whose result is never read.
func deadCode(b *ir.Block, live map[ir.VReg]bool) int {
	before := len(b.Instrs)
	b.Instrs = slices.DeleteFunc(b.Instrs, func(in ir.Instr) bool {
		if in.Op == ir.OpNop {
			return true
		}
		return in.HasDst() && in.Pure() && !live[in.Dst]
	})
	return before - len(b.Instrs)
}
