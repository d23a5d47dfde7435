package speculate

import (
	"fmt"
	"strings"

	"hvjit/internal/deopt"
	"hvjit/internal/ir"
)

// Record is one speculation that made it into the output.
type Record struct {
	Key   Key
	Block ir.BlockID
	// Reg is the register the guard checks; NoVReg for paths.
	Reg ir.VReg
	// Fact is the predicted type tag, value, branch direction (1 taken,
	// 0 not taken) or callee id. For a path it is the block the path
	// leads to, for a range its lower bound.
	Fact int64
	// Hi is the upper bound of a range.
	Hi         int64
	Confidence float64
	Samples    uint64
	Guard      deopt.GuardID
	Inlined    bool
	// Parts lists the branch speculations merged into a path.
	Parts []Key
	// Targets lists the callees of a polymorphic dispatch.
	Targets []ir.FuncID
}

func (r Record) String() string {
	fact := fmt.Sprintf("%d", r.Fact)
	switch r.Key.Kind {
	case deopt.SpecCallTarget:
		fact = ir.FuncID(r.Fact).String()
		if r.Inlined {
			fact += " (inlined)"
		}
		if len(r.Targets) > 1 {
			names := make([]string, len(r.Targets))
			for i, fn := range r.Targets {
				names[i] = fn.String()
			}
			fact = "one of " + strings.Join(names, ", ")
		}
	case deopt.SpecRange:
		fact = fmt.Sprintf("[%d, %d]", r.Fact, r.Hi)
	case deopt.SpecBranch:
		fact = "not-taken"
		if r.Fact != 0 {
			fact = "taken"
		}
	case deopt.SpecPath:
		fact = fmt.Sprintf("%d branches to %s", len(r.Parts), ir.BlockID(r.Fact))
	}
	return fmt.Sprintf("%s in %s: %s %.1f%% of %d guarded by %s", r.Key, r.Block, fact, 100*r.Confidence, r.Samples, r.Guard)
}

// SkipReason says why a dominant outcome was not speculated on.
type SkipReason uint8

const (
	SkipExcluded SkipReason = iota + 1
	SkipBudget
	SkipCapability
	SkipReordered
)

func (r SkipReason) String() string {
	switch r {
	case SkipExcluded:
		return "excluded"
	case SkipBudget:
		return "guard budget exhausted"
	case SkipCapability:
		return "not allowed at this scope level"
	case SkipReordered:
		return "a fallback would replay work that already ran"
	default:
		return fmt.Sprintf("skip(%d)", uint8(r))
	}
}

// Skip is a candidate that qualified on profile but was left alone.
type Skip struct {
	Key    Key
	Block  ir.BlockID
	Reason SkipReason
}

func (s Skip) String() string { return fmt.Sprintf("%s in %s: %s", s.Key, s.Block, s.Reason) }
