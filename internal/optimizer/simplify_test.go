package optimizer

import (
	"testing"

	"hvjit/internal/ir"
)

func op2(op ir.Op, dst ir.VReg, x, y ir.Operand) ir.Instr {
	return ir.Instr{Op: op, Dst: dst, Args: []ir.Operand{x, y}, Flags: ir.DefaultFlags(op), Callee: ir.NoFunc}
}

func TestLocalCSE(t *testing.T) {
	tests := []struct {
		name   string
		instrs []ir.Instr
		want   int
		movAt  int
		movSrc ir.VReg
	}{
		{
			name: "repeat",
			instrs: []ir.Instr{
				op2(ir.OpAdd, 2, ir.Reg(1), ir.Imm(1)),
				op2(ir.OpAdd, 3, ir.Reg(1), ir.Imm(1)),
			},
			want: 1, movAt: 1, movSrc: 2,
		},
		{
			name: "operand redefined",
			instrs: []ir.Instr{
				op2(ir.OpAdd, 2, ir.Reg(1), ir.Imm(1)),
				op2(ir.OpSub, 1, ir.Reg(1), ir.Imm(1)),
				op2(ir.OpAdd, 3, ir.Reg(1), ir.Imm(1)),
			},
			want: 0, movAt: -1,
		},
		{
			name: "holder redefined",
			instrs: []ir.Instr{
				op2(ir.OpAdd, 2, ir.Reg(1), ir.Imm(1)),
				op2(ir.OpMul, 2, ir.Reg(4), ir.Imm(3)),
				op2(ir.OpAdd, 3, ir.Reg(1), ir.Imm(1)),
			},
			want: 0, movAt: -1,
		},
		{
			name: "different immediates",
			instrs: []ir.Instr{
				op2(ir.OpAdd, 2, ir.Reg(1), ir.Imm(1)),
				op2(ir.OpAdd, 3, ir.Reg(1), ir.Imm(2)),
			},
			want: 0, movAt: -1,
		},
		{
			name: "loads are not merged",
			instrs: []ir.Instr{
				{Op: ir.OpLoad, Dst: 2, Args: []ir.Operand{ir.Reg(1)}, Size: 8, Flags: ir.DefaultFlags(ir.OpLoad), Callee: ir.NoFunc},
				{Op: ir.OpLoad, Dst: 3, Args: []ir.Operand{ir.Reg(1)}, Size: 8, Flags: ir.DefaultFlags(ir.OpLoad), Callee: ir.NoFunc},
			},
			want: 0, movAt: -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &ir.Block{Instrs: tt.instrs}
			if got := localCSE(b); got != tt.want {
				t.Fatalf("localCSE = %d, want %d", got, tt.want)
			}
			if tt.movAt < 0 {
				return
			}
			in := b.Instrs[tt.movAt]
			if in.Op != ir.OpMov || len(in.Args) != 1 || in.Args[0].Reg != tt.movSrc {
				t.Fatalf("instr %d = %+v, want mov from %s", tt.movAt, in, tt.movSrc)
			}
		})
	}
}

func TestDeadCodeKeepsEffects(t *testing.T) {
	b := &ir.Block{
		Instrs: []ir.Instr{
			{Op: ir.OpNop, Dst: ir.NoVReg, Callee: ir.NoFunc},
			op2(ir.OpAdd, 2, ir.Reg(1), ir.Imm(1)),
			op2(ir.OpAdd, 3, ir.Reg(1), ir.Imm(2)),
			{Op: ir.OpStore, Dst: ir.NoVReg, Args: []ir.Operand{ir.Reg(1), ir.Reg(3)}, Size: 8, Flags: ir.DefaultFlags(ir.OpStore), Callee: ir.NoFunc},
			{Op: ir.OpSyscall, Dst: 4, Flags: ir.DefaultFlags(ir.OpSyscall), Callee: ir.NoFunc},
		},
		Exit: ir.Exit{Kind: ir.ExitReturn, Cond: ir.NoVReg, Taken: ir.NoBlock, Next: ir.NoBlock, Target: ir.NoVReg, Value: ir.Imm(0)},
	}
	live := readRegs(&ir.Unit{}, []*ir.Block{b})
	if got := deadCode(b, live); got != 2 {
		t.Fatalf("deadCode = %d, want 2 (nop and unread add)", got)
	}
	if len(b.Instrs) != 3 || b.Instrs[0].Dst != 3 || b.Instrs[1].Op != ir.OpStore || b.Instrs[2].Op != ir.OpSyscall {
		t.Fatalf("left %v", b.Instrs)
	}
}
