package ir

import (
	"fmt"
	"math"
)

// VReg is a virtual register of the translated guest code.
type VReg uint32

// NoVReg marks an absent register.
const NoVReg VReg = math.MaxUint32

func (v VReg) String() string {
	if v == NoVReg {
		return "_"
	}
	return fmt.Sprintf("v%d", uint32(v))
}

// BlockID indexes Unit.Blocks.
type BlockID uint32

// NoBlock marks an absent block.
const NoBlock BlockID = math.MaxUint32

func (b BlockID) String() string {
	if b == NoBlock {
		return "b?"
	}
	return fmt.Sprintf("b%d", uint32(b))
}

// FuncID indexes Unit.Funcs.
type FuncID uint32

// NoFunc marks an absent function.
const NoFunc FuncID = math.MaxUint32

func (f FuncID) String() string {
	if f == NoFunc {
		return "f?"
	}
	return fmt.Sprintf("f%d", uint32(f))
}

// Site is the guest code address an instruction or block was translated from.
// Profile data is keyed by Site.
type Site uint64

func (s Site) String() string { return fmt.Sprintf("@%#x", uint64(s)) }

// OperandKind distinguishes register and immediate operands.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandImm
)

// Operand is a register or an immediate argument.
type Operand struct {
	Kind OperandKind
	Reg  VReg
	Imm  int64
}

// Reg builds a register operand.
func Reg(v VReg) Operand { return Operand{Kind: OperandReg, Reg: v} }

// Imm builds an immediate operand.
func Imm(x int64) Operand { return Operand{Kind: OperandImm, Reg: NoVReg, Imm: x} }

// IsReg reports whether the operand reads register v.
func (o Operand) IsReg(v VReg) bool { return o.Kind == OperandReg && o.Reg == v }

func (o Operand) String() string {
	switch o.Kind {
	case OperandReg:
		return o.Reg.String()
	case OperandImm:
		return fmt.Sprintf("%d", o.Imm)
	default:
		return "<none>"
	}
}
