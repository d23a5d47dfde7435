package ir

import (
	"errors"
	"fmt"
)

// Validate checks the structural invariants the optimizer relies on.
// Returns error if any invariant is violated.
func Validate(u *Unit) error {
	if u == nil {
		return errors.New("nil unit")
	}
	var errs []error
	for i, b := range u.Blocks {
		if b == nil {
			errs = append(errs, fmt.Errorf("b%d: missing block", i))
			continue
		}
		if int(b.ID) != i {
			errs = append(errs, fmt.Errorf("b%d: id mismatch (%s)", i, b.ID))
		}
	}
	for i, f := range u.Funcs {
		if f == nil {
			errs = append(errs, fmt.Errorf("f%d: missing function", i))
			continue
		}
		if int(f.ID) != i {
			errs = append(errs, fmt.Errorf("f%d: id mismatch (%s)", i, f.ID))
		}
		if err := validateFunc(u, f); err != nil {
			errs = append(errs, fmt.Errorf("function %s: %w", f.Name, err))
		}
	}
	return errors.Join(errs...)
}

func validateFunc(u *Unit, f *Func) error {
	var errs []error

	if len(f.Blocks) == 0 {
		return errors.New("no blocks")
	}
	members := make(map[BlockID]bool, len(f.Blocks))
	for _, id := range f.Blocks {
		b := u.Block(id)
		if b == nil {
			errs = append(errs, fmt.Errorf("%s: unknown block", id))
			continue
		}
		if b.Func != f.ID {
			errs = append(errs, fmt.Errorf("%s: belongs to %s", id, b.Func))
		}
		members[id] = true
	}
	if !members[f.Entry] {
		errs = append(errs, fmt.Errorf("entry %s is not a block of the function", f.Entry))
	}

	for _, id := range f.Blocks {
		b := u.Block(id)
		if b == nil {
			continue
		}
		if err := validateBlock(u, b, members); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateBlock(u *Unit, b *Block, members map[BlockID]bool) error {
	var errs []error
	for i := range b.Instrs {
		in := &b.Instrs[i]
		if in.Op.IsTerminator() {
			errs = append(errs, fmt.Errorf("%s[%d]: terminator %s inside block body", b.ID, i, in.Op))
		}
		for j, a := range in.Args {
			if a.Kind == OperandNone || (a.Kind == OperandReg && a.Reg == NoVReg) {
				errs = append(errs, fmt.Errorf("%s[%d]: malformed operand %d", b.ID, i, j))
			}
		}
		switch in.Op {
		case OpCall:
			if u.Func(in.Callee) == nil {
				errs = append(errs, fmt.Errorf("%s[%d]: call to unknown %s", b.ID, i, in.Callee))
			}
		case OpCallInd, OpTypeOf, OpLoad, OpStore:
			if len(in.Args) == 0 || in.Args[0].Kind != OperandReg {
				errs = append(errs, fmt.Errorf("%s[%d]: %s needs a register operand", b.ID, i, in.Op))
			}
		case OpDispatch:
			if len(in.Args) == 0 || in.Args[0].Kind != OperandReg {
				errs = append(errs, fmt.Errorf("%s[%d]: %s needs a register operand", b.ID, i, in.Op))
			}
			if len(in.Targets) == 0 {
				errs = append(errs, fmt.Errorf("%s[%d]: dispatch without targets", b.ID, i))
			}
			for _, fn := range in.Targets {
				if u.Func(fn) == nil {
					errs = append(errs, fmt.Errorf("%s[%d]: dispatch to unknown %s", b.ID, i, fn))
				}
			}
		}
		if in.Op.IsBinary() && len(in.Args) != 2 {
			errs = append(errs, fmt.Errorf("%s[%d]: %s takes 2 operands, got %d", b.ID, i, in.Op, len(in.Args)))
		}
	}

	e := b.Exit
	switch e.Kind {
	case ExitJump, ExitBranch:
		if e.Kind == ExitBranch && e.Cond == NoVReg {
			errs = append(errs, fmt.Errorf("%s: branch without condition", b.ID))
		}
		for _, s := range e.Succs() {
			if !members[s] {
				errs = append(errs, fmt.Errorf("%s: successor %s outside the function", b.ID, s))
			}
		}
	case ExitIndirect:
		if e.Target == NoVReg {
			errs = append(errs, fmt.Errorf("%s: indirect jump without target", b.ID))
		}
	case ExitReturn:
	default:
		errs = append(errs, fmt.Errorf("%s: unterminated block", b.ID))
	}
	return errors.Join(errs...)
}
