package ir

// Op is an IR opcode.
type Op uint8

const (
	OpNop Op = iota
	OpConst
	OpMov
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpCmp
	OpLoad
	OpStore
	OpCall
	OpCallInd
	OpTypeOf
	OpSyscall
	OpFence
	OpGuard
	OpDispatch

	// terminators, only produced through Exit.Instr
	OpBr
	OpJmp
	OpJmpInd
	OpRet
)

var opNames = [...]string{
	OpNop:      "nop",
	OpConst:    "const",
	OpMov:      "mov",
	OpAdd:      "add",
	OpSub:      "sub",
	OpMul:      "mul",
	OpDiv:      "div",
	OpAnd:      "and",
	OpOr:       "or",
	OpXor:      "xor",
	OpShl:      "shl",
	OpShr:      "shr",
	OpCmp:      "cmp",
	OpLoad:     "load",
	OpStore:    "store",
	OpCall:     "call",
	OpCallInd:  "callind",
	OpTypeOf:   "typeof",
	OpSyscall:  "syscall",
	OpFence:    "fence",
	OpGuard:    "guard",
	OpDispatch: "dispatch",
	OpBr:       "br",
	OpJmp:      "jmp",
	OpJmpInd:   "jmpind",
	OpRet:      "ret",
}

func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return "op?"
}

// ParseOp maps a mnemonic back to its opcode.
func ParseOp(s string) (Op, bool) {
	for i, name := range opNames {
		if name == s {
			return Op(i), true
		}
	}
	return OpNop, false
}

// IsTerminator reports whether op ends a block.
func (op Op) IsTerminator() bool {
	switch op {
	case OpBr, OpJmp, OpJmpInd, OpRet:
		return true
	}
	return false
}

// IsBinary reports whether op takes exactly two value operands.
func (op Op) IsBinary() bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpAnd, OpOr, OpXor, OpShl, OpShr, OpCmp:
		return true
	}
	return false
}

// Flags describe the effects of an instruction.
type Flags uint8

const (
	FlagMemRead Flags = 1 << iota
	FlagMemWrite
	FlagMayTrap
	FlagMayDeopt
	FlagSideEffect
	// FlagValueProfiled marks producers whose results are recorded in value histograms.
	FlagValueProfiled
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Any reports whether any bit in mask is set.
func (f Flags) Any(mask Flags) bool { return f&mask != 0 }

// Memory reports whether the instruction touches memory.
func (f Flags) Memory() bool { return f.Any(FlagMemRead | FlagMemWrite) }

// DefaultFlags returns the intrinsic effects of op.
func DefaultFlags(op Op) Flags {
	switch op {
	case OpLoad:
		return FlagMemRead | FlagMayTrap
	case OpStore:
		return FlagMemWrite | FlagMayTrap
	case OpDiv:
		return FlagMayTrap
	case OpCall, OpCallInd, OpDispatch, OpSyscall:
		return FlagMemRead | FlagMemWrite | FlagSideEffect
	case OpFence:
		return FlagSideEffect
	case OpGuard:
		return FlagMayDeopt
	default:
		return 0
	}
}
