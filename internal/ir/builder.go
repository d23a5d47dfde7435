package ir

import (
	"fmt"

	"fortio.org/safecast"
)

// siteStride separates the guest addresses of consecutive blocks.
const siteStride = 0x1000

// Builder assembles a Unit. Sites are assigned deterministically from
// block ids so profile fixtures can address them.
type Builder struct {
	u    *Unit
	regs VReg
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{u: &Unit{}}
}

func toID[T ~uint32](n int) T {
	id, err := safecast.Conv[T](n)
	if err != nil {
		panic(fmt.Errorf("ir id overflow: %w", err))
	}
	return id
}

// BlockSite is the site the builder gives block id.
func BlockSite(id BlockID) Site { return Site(uint64(id)+1) * siteStride }

// Reg allocates a fresh register.
func (b *Builder) Reg() VReg {
	v := b.regs
	b.regs++
	return v
}

// Regs allocates n fresh registers.
func (b *Builder) Regs(n int) []VReg {
	out := make([]VReg, n)
	for i := range out {
		out[i] = b.Reg()
	}
	return out
}

// Func declares a function. Its first block becomes the entry.
func (b *Builder) Func(name string, params ...VReg) FuncID {
	id := toID[FuncID](len(b.u.Funcs))
	b.u.Funcs = append(b.u.Funcs, &Func{ID: id, Name: name, Entry: NoBlock, Params: params})
	return id
}

// Block opens a new block in function f.
func (b *Builder) Block(f FuncID) BlockID {
	fn := b.u.Func(f)
	if fn == nil {
		panic(fmt.Sprintf("ir builder: unknown function %s", f))
	}
	id := toID[BlockID](len(b.u.Blocks))
	b.u.Blocks = append(b.u.Blocks, &Block{ID: id, Func: f, Site: BlockSite(id)})
	fn.Blocks = append(fn.Blocks, id)
	if fn.Entry == NoBlock {
		fn.Entry = id
	}
	return id
}

func (b *Builder) block(id BlockID) *Block {
	blk := b.u.Block(id)
	if blk == nil {
		panic(fmt.Sprintf("ir builder: unknown block %s", id))
	}
	return blk
}

// Emit appends in to block id, filling in its site and intrinsic flags.
func (b *Builder) Emit(id BlockID, in Instr) Site {
	blk := b.block(id)
	if in.Site == 0 {
		in.Site = blk.Site + Site(4*len(blk.Instrs))
	}
	in.Flags |= DefaultFlags(in.Op)
	if in.Op != OpCall {
		in.Callee = NoFunc
	}
	blk.Instrs = append(blk.Instrs, in)
	b.observe(in.Dst)
	for _, a := range in.Args {
		if a.Kind == OperandReg {
			b.observe(a.Reg)
		}
	}
	return in.Site
}

func (b *Builder) observe(v VReg) {
	if v != NoVReg && v >= b.regs {
		b.regs = v + 1
	}
}

// Profiled marks the last instruction of block id as value-profiled.
func (b *Builder) Profiled(id BlockID) {
	blk := b.block(id)
	if len(blk.Instrs) == 0 {
		panic("ir builder: Profiled on empty block")
	}
	blk.Instrs[len(blk.Instrs)-1].Flags |= FlagValueProfiled
}

// Const emits dst = const imm.
func (b *Builder) Const(id BlockID, dst VReg, imm int64) Site {
	return b.Emit(id, Instr{Op: OpConst, Dst: dst, Args: []Operand{Imm(imm)}})
}

// Mov emits dst = mov src.
func (b *Builder) Mov(id BlockID, dst VReg, src Operand) Site {
	return b.Emit(id, Instr{Op: OpMov, Dst: dst, Args: []Operand{src}})
}

// Op2 emits a binary operation.
func (b *Builder) Op2(id BlockID, op Op, dst VReg, x, y Operand) Site {
	return b.Emit(id, Instr{Op: op, Dst: dst, Args: []Operand{x, y}})
}

// Load emits dst = load [base+off].
func (b *Builder) Load(id BlockID, dst, base VReg, off int64) Site {
	return b.Emit(id, Instr{Op: OpLoad, Dst: dst, Args: []Operand{Reg(base)}, Off: off, Size: 8})
}

// Store emits store [base+off], val.
func (b *Builder) Store(id BlockID, base VReg, off int64, val Operand) Site {
	return b.Emit(id, Instr{Op: OpStore, Dst: NoVReg, Args: []Operand{Reg(base), val}, Off: off, Size: 8})
}

// Call emits a direct call.
func (b *Builder) Call(id BlockID, dst VReg, callee FuncID, args ...Operand) Site {
	return b.Emit(id, Instr{Op: OpCall, Dst: dst, Callee: callee, Args: args})
}

// CallInd emits an indirect call through target.
func (b *Builder) CallInd(id BlockID, dst, target VReg, args ...Operand) Site {
	return b.Emit(id, Instr{Op: OpCallInd, Dst: dst, Args: append([]Operand{Reg(target)}, args...)})
}

// TypeOf emits dst = typeof src.
func (b *Builder) TypeOf(id BlockID, dst, src VReg) Site {
	return b.Emit(id, Instr{Op: OpTypeOf, Dst: dst, Args: []Operand{Reg(src)}})
}

// Fence emits a memory barrier.
func (b *Builder) Fence(id BlockID) Site {
	return b.Emit(id, Instr{Op: OpFence, Dst: NoVReg})
}

// Syscall emits a host call with side effects.
func (b *Builder) Syscall(id BlockID, dst VReg, args ...Operand) Site {
	return b.Emit(id, Instr{Op: OpSyscall, Dst: dst, Args: args})
}

func (b *Builder) terminate(id BlockID, e Exit) Site {
	blk := b.block(id)
	e.Site = blk.Site + Site(4*len(blk.Instrs))
	blk.Exit = e
	return e.Site
}

// Jump ends block id with an unconditional jump.
func (b *Builder) Jump(id, to BlockID) Site {
	return b.terminate(id, Exit{Kind: ExitJump, Cond: NoVReg, Taken: NoBlock, Next: to, Target: NoVReg})
}

// Branch ends block id with a conditional branch.
func (b *Builder) Branch(id BlockID, cond VReg, taken, next BlockID) Site {
	b.observe(cond)
	return b.terminate(id, Exit{Kind: ExitBranch, Cond: cond, Taken: taken, Next: next, Target: NoVReg})
}

// JumpInd ends block id with an indirect jump.
func (b *Builder) JumpInd(id BlockID, target VReg) Site {
	b.observe(target)
	return b.terminate(id, Exit{Kind: ExitIndirect, Cond: NoVReg, Taken: NoBlock, Next: NoBlock, Target: target})
}

// Return ends block id with a return.
func (b *Builder) Return(id BlockID, val Operand) Site {
	if val.Kind == OperandReg {
		b.observe(val.Reg)
	}
	return b.terminate(id, Exit{Kind: ExitReturn, Cond: NoVReg, Taken: NoBlock, Next: NoBlock, Target: NoVReg, Value: val})
}

// Unit returns the assembled unit.
func (b *Builder) Unit() *Unit { return b.u }
