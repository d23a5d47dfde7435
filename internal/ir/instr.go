package ir

// Instr is a single IR instruction. Passes treat instructions as values:
// rewriting means producing a new Instr, never mutating one in place.
type Instr struct {
	Op     Op
	Dst    VReg
	Args   []Operand
	Flags  Flags
	Site   Site
	Callee FuncID // OpCall
	Off    int64  // OpLoad/OpStore displacement from Args[0]
	Size   uint8  // OpLoad/OpStore access width in bytes
	Guard  uint32 // OpGuard

	// Targets are the callees an OpDispatch selects from by Args[0].
	Targets []FuncID
}

// HasDst reports whether the instruction defines a register.
func (in *Instr) HasDst() bool { return in.Dst != NoVReg }

// Uses appends the registers read by the instruction to buf.
func (in *Instr) Uses(buf []VReg) []VReg {
	for _, a := range in.Args {
		if a.Kind == OperandReg {
			buf = append(buf, a.Reg)
		}
	}
	return buf
}

// Reads reports whether the instruction reads v.
func (in *Instr) Reads(v VReg) bool {
	for _, a := range in.Args {
		if a.IsReg(v) {
			return true
		}
	}
	return false
}

// Pure reports whether the instruction can be moved freely as long as
// its register dependencies hold.
func (in *Instr) Pure() bool {
	if in.Op.IsTerminator() {
		return false
	}
	return !in.Flags.Any(FlagMemRead | FlagMemWrite | FlagMayTrap | FlagMayDeopt | FlagSideEffect)
}

// Clone returns a copy that shares no slices with in.
func (in Instr) Clone() Instr {
	if in.Args != nil {
		in.Args = append([]Operand(nil), in.Args...)
	}
	if in.Targets != nil {
		in.Targets = append([]FuncID(nil), in.Targets...)
	}
	return in
}

// ExitKind enumerates block terminators.
type ExitKind uint8

const (
	ExitJump ExitKind = iota + 1
	ExitBranch
	ExitIndirect
	ExitReturn
)

func (k ExitKind) String() string {
	switch k {
	case ExitJump:
		return "jump"
	case ExitBranch:
		return "branch"
	case ExitIndirect:
		return "indirect"
	case ExitReturn:
		return "return"
	default:
		return "exit?"
	}
}

// Exit is the terminator of a block. Successors are always explicit.
type Exit struct {
	Kind   ExitKind
	Cond   VReg    // ExitBranch
	Taken  BlockID // ExitBranch target when Cond is non-zero
	Next   BlockID // ExitJump target, ExitBranch fall-through
	Target VReg    // ExitIndirect
	Value  Operand // ExitReturn
	Site   Site
}

// Succs lists the statically known successors.
func (e Exit) Succs() []BlockID {
	switch e.Kind {
	case ExitJump:
		return []BlockID{e.Next}
	case ExitBranch:
		return []BlockID{e.Taken, e.Next}
	default:
		return nil
	}
}

// Instr renders the terminator as an instruction so it can take part in
// dependency analysis.
func (e Exit) Instr() Instr {
	in := Instr{Dst: NoVReg, Site: e.Site, Callee: NoFunc}
	switch e.Kind {
	case ExitJump:
		in.Op = OpJmp
	case ExitBranch:
		in.Op = OpBr
		in.Args = []Operand{Reg(e.Cond)}
	case ExitIndirect:
		in.Op = OpJmpInd
		in.Args = []Operand{Reg(e.Target)}
	case ExitReturn:
		in.Op = OpRet
		if e.Value.Kind != OperandNone {
			in.Args = []Operand{e.Value}
		}
	}
	return in
}
