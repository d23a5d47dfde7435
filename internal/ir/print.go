package ir

import (
	"fmt"
	"io"
	"strings"
)

// FormatInstr renders one instruction, e.g. "v3 = add v1, v2" or
// "store [v1+8], v2".
func FormatInstr(u *Unit, in *Instr) string {
	var sb strings.Builder
	if in.HasDst() {
		sb.WriteString(in.Dst.String())
		sb.WriteString(" = ")
	}
	sb.WriteString(in.Op.String())

	args := make([]string, 0, len(in.Args)+1)
	switch in.Op {
	case OpLoad:
		args = append(args, memOperand(in))
	case OpStore:
		args = append(args, memOperand(in))
		for _, a := range in.Args[1:] {
			args = append(args, a.String())
		}
	case OpCall:
		args = append(args, "@"+funcName(u, in.Callee))
		for _, a := range in.Args {
			args = append(args, a.String())
		}
	case OpDispatch:
		names := make([]string, len(in.Targets))
		for i, fn := range in.Targets {
			names[i] = "@" + funcName(u, fn)
		}
		args = append(args, "["+strings.Join(names, " ")+"]")
		for _, a := range in.Args {
			args = append(args, a.String())
		}
	case OpGuard:
		args = append(args, fmt.Sprintf("#%d", in.Guard))
		for _, a := range in.Args {
			args = append(args, a.String())
		}
	default:
		for _, a := range in.Args {
			args = append(args, a.String())
		}
	}
	if len(args) > 0 {
		sb.WriteByte(' ')
		sb.WriteString(strings.Join(args, ", "))
	}
	if in.Flags.Has(FlagValueProfiled) {
		sb.WriteString(" !profile")
	}
	return sb.String()
}

func memOperand(in *Instr) string {
	if len(in.Args) == 0 {
		return "[?]"
	}
	if in.Off == 0 {
		return "[" + in.Args[0].String() + "]"
	}
	return fmt.Sprintf("[%s%+d]", in.Args[0], in.Off)
}

func funcName(u *Unit, id FuncID) string {
	if f := u.Func(id); f != nil && f.Name != "" {
		return f.Name
	}
	return id.String()
}

// FormatExit renders a terminator.
func FormatExit(e Exit) string {
	switch e.Kind {
	case ExitJump:
		return "jmp " + e.Next.String()
	case ExitBranch:
		return fmt.Sprintf("br %s, %s, %s", e.Cond, e.Taken, e.Next)
	case ExitIndirect:
		return "jmpind " + e.Target.String()
	case ExitReturn:
		if e.Value.Kind == OperandNone {
			return "ret"
		}
		return "ret " + e.Value.String()
	default:
		return "<unterminated>"
	}
}

// Print writes the whole unit in textual form.
func Print(w io.Writer, u *Unit) error {
	for _, f := range u.Funcs {
		if f == nil {
			continue
		}
		params := make([]string, len(f.Params))
		for i, p := range f.Params {
			params[i] = p.String()
		}
		if _, err := fmt.Fprintf(w, "func %s(%s) entry %s\n", f.Name, strings.Join(params, ", "), f.Entry); err != nil {
			return err
		}
		for _, id := range f.Blocks {
			if err := PrintBlock(w, u, u.Block(id)); err != nil {
				return err
			}
		}
	}
	return nil
}

// PrintBlock writes a single block.
func PrintBlock(w io.Writer, u *Unit, b *Block) error {
	if b == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "%s %s:\n", b.ID, b.Site); err != nil {
		return err
	}
	for i := range b.Instrs {
		if _, err := fmt.Fprintf(w, "  %s\n", FormatInstr(u, &b.Instrs[i])); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "  %s\n", FormatExit(b.Exit))
	return err
}
