// Package deopt owns the guards that protect speculative code and the
// recovery path taken when one of them fails.
//
// Guards are grouped in one Table per native block. A table is filled
// while the block compiles, sealed, installed in a Manager, and dropped
// as a whole when the block is invalidated. Guard.Check is the only call
// made from translated code and never takes a lock.
package deopt

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"hvjit/internal/ir"
)

// GuardID is unique across every table a Manager hands out.
type GuardID uint32

// NoGuard marks an instruction or record without a guard.
const NoGuard GuardID = 0

func (id GuardID) String() string { return fmt.Sprintf("g%d", uint32(id)) }

// SpecKind is the kind of assumption a guard protects.
type SpecKind uint8

const (
	SpecType SpecKind = iota + 1
	SpecValue
	SpecBranch
	SpecCallTarget
	SpecPath
	SpecRange
)

func (k SpecKind) String() string {
	switch k {
	case SpecType:
		return "type"
	case SpecValue:
		return "value"
	case SpecBranch:
		return "branch"
	case SpecCallTarget:
		return "call-target"
	case SpecPath:
		return "path"
	case SpecRange:
		return "range"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseSpecKind converts a string to a SpecKind.
func ParseSpecKind(s string) (SpecKind, error) {
	switch strings.ToLower(s) {
	case "type":
		return SpecType, nil
	case "value":
		return SpecValue, nil
	case "branch":
		return SpecBranch, nil
	case "call-target", "call", "calltarget":
		return SpecCallTarget, nil
	case "path":
		return SpecPath, nil
	case "range":
		return SpecRange, nil
	}
	return 0, fmt.Errorf("invalid speculation kind: %q (expected: type|value|branch|call-target|path|range)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k SpecKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *SpecKind) UnmarshalText(b []byte) error {
	v, err := ParseSpecKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Key identifies one speculation across recompilations of a block.
type Key struct {
	Kind SpecKind `msgpack:"kind"`
	Site ir.Site  `msgpack:"site"`
}

func (k Key) String() string { return fmt.Sprintf("%s%s", k.Kind, k.Site) }

// ParseKey reads the form printed by Key.String, e.g. "branch@0x1008".
func ParseKey(s string) (Key, error) {
	kind, site, ok := strings.Cut(s, "@")
	if !ok {
		return Key{}, fmt.Errorf("invalid speculation key %q (expected kind@site)", s)
	}
	k, err := ParseSpecKind(kind)
	if err != nil {
		return Key{}, err
	}
	v, err := strconv.ParseUint(site, 0, 64)
	if err != nil {
		return Key{}, fmt.Errorf("invalid speculation site %q: %w", site, err)
	}
	return Key{Kind: k, Site: ir.Site(v)}, nil
}

// Reason says why a guard might fail.
type Reason uint8

const (
	ReasonTypeMismatch Reason = iota + 1
	ReasonValueMismatch
	ReasonBranchMispredict
	ReasonCallTargetMismatch
	ReasonPathDiverged
	ReasonRangeViolation
)

func (r Reason) String() string {
	switch r {
	case ReasonTypeMismatch:
		return "type_mismatch"
	case ReasonValueMismatch:
		return "value_mismatch"
	case ReasonBranchMispredict:
		return "branch_mispredict"
	case ReasonCallTargetMismatch:
		return "call_target_mismatch"
	case ReasonPathDiverged:
		return "path_diverged"
	case ReasonRangeViolation:
		return "range_violation"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// ReasonFor maps a speculation kind to the failure it can produce.
func ReasonFor(k SpecKind) Reason {
	switch k {
	case SpecType:
		return ReasonTypeMismatch
	case SpecValue:
		return ReasonValueMismatch
	case SpecBranch:
		return ReasonBranchMispredict
	case SpecCallTarget:
		return ReasonCallTargetMismatch
	case SpecRange:
		return ReasonRangeViolation
	default:
		return ReasonPathDiverged
	}
}

// CondKind selects what a Condition compares.
type CondKind uint8

const (
	CondEq CondKind = iota + 1
	CondTypeIs
	CondTargetIs
	CondAll
	CondNonZero
	CondAny
	CondInRange
)

// Condition is re-checked every time the guarded path runs. Expected and
// Hi bound a CondInRange condition inclusively.
type Condition struct {
	Kind     CondKind
	Reg      ir.VReg
	Expected int64
	Hi       int64
	Parts    []Condition
}

// Eq holds when r equals v.
func Eq(r ir.VReg, v int64) Condition { return Condition{Kind: CondEq, Reg: r, Expected: v} }

// NonZero holds when r is not zero, the way a conditional branch reads it.
func NonZero(r ir.VReg) Condition { return Condition{Kind: CondNonZero, Reg: r} }

// InRange holds when lo <= r <= hi.
func InRange(r ir.VReg, lo, hi int64) Condition {
	return Condition{Kind: CondInRange, Reg: r, Expected: lo, Hi: hi}
}

// TypeIs holds when the runtime type tag of r equals tag.
func TypeIs(r ir.VReg, tag int64) Condition {
	return Condition{Kind: CondTypeIs, Reg: r, Expected: tag}
}

// TargetIs holds when the call target in r is fn.
func TargetIs(r ir.VReg, fn ir.FuncID) Condition {
	return Condition{Kind: CondTargetIs, Reg: r, Expected: int64(fn)}
}

// TargetIn holds when the call target in r is one of fns.
func TargetIn(r ir.VReg, fns ...ir.FuncID) Condition {
	parts := make([]Condition, len(fns))
	for i, fn := range fns {
		parts[i] = TargetIs(r, fn)
	}
	return Any(parts...)
}

// All holds when every part holds.
func All(parts ...Condition) Condition { return Condition{Kind: CondAll, Reg: ir.NoVReg, Parts: parts} }

// Any holds when at least one part holds.
func Any(parts ...Condition) Condition { return Condition{Kind: CondAny, Reg: ir.NoVReg, Parts: parts} }

// RegisterFile exposes guest state to guard checks.
type RegisterFile interface {
	Value(r ir.VReg) int64
	TypeTag(r ir.VReg) int64
}

// Holds evaluates c against rf.
func (c Condition) Holds(rf RegisterFile) bool {
	switch c.Kind {
	case CondEq, CondTargetIs:
		return rf.Value(c.Reg) == c.Expected
	case CondTypeIs:
		return rf.TypeTag(c.Reg) == c.Expected
	case CondNonZero:
		return rf.Value(c.Reg) != 0
	case CondInRange:
		v := rf.Value(c.Reg)
		return v >= c.Expected && v <= c.Hi
	case CondAll:
		for _, p := range c.Parts {
			if !p.Holds(rf) {
				return false
			}
		}
		return true
	case CondAny:
		for _, p := range c.Parts {
			if p.Holds(rf) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (c Condition) compound() bool { return c.Kind == CondAll || c.Kind == CondAny }

// Regs returns the registers c reads, each once, in order of appearance.
func (c Condition) Regs() []ir.VReg {
	if !c.compound() {
		return []ir.VReg{c.Reg}
	}
	var out []ir.VReg
	for _, p := range c.Parts {
		for _, r := range p.Regs() {
			if !slices.Contains(out, r) {
				out = append(out, r)
			}
		}
	}
	return out
}

func (c Condition) String() string {
	switch c.Kind {
	case CondEq:
		return fmt.Sprintf("%s == %d", c.Reg, c.Expected)
	case CondTypeIs:
		return fmt.Sprintf("typeof %s == %d", c.Reg, c.Expected)
	case CondTargetIs:
		return fmt.Sprintf("%s == %s", c.Reg, ir.FuncID(c.Expected))
	case CondNonZero:
		return fmt.Sprintf("%s != 0", c.Reg)
	case CondInRange:
		return fmt.Sprintf("%s in [%d, %d]", c.Reg, c.Expected, c.Hi)
	case CondAll, CondAny:
		parts := make([]string, len(c.Parts))
		for i, p := range c.Parts {
			parts[i] = p.String()
		}
		name := "all("
		if c.Kind == CondAny {
			name = "any("
		}
		return name + strings.Join(parts, ", ") + ")"
	default:
		return "false"
	}
}

// Tier is a code generation tier.
type Tier uint8

const (
	TierInterpreter Tier = iota
	TierBaseline
	TierOptimizing
)

func (t Tier) String() string {
	switch t {
	case TierInterpreter:
		return "interpreter"
	case TierBaseline:
		return "baseline"
	case TierOptimizing:
		return "optimizing"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Continuation is where execution resumes after a failed guard: Resume
// is the instruction index inside Block at which the lower tier picks up.
// Guard records the owner so no two guards ever share one.
type Continuation struct {
	Guard  GuardID
	Block  ir.BlockID
	Site   ir.Site
	Resume int
	Tier   Tier
}

func (c Continuation) String() string {
	return fmt.Sprintf("%s[%d]%s via %s", c.Block, c.Resume, c.Site, c.Tier)
}

// State is the lifecycle of one guard instance.
type State uint32

const (
	StateInstalled State = iota
	StateHolding
	StateTriggered
)

func (s State) String() string {
	switch s {
	case StateInstalled:
		return "installed"
	case StateHolding:
		return "holding"
	case StateTriggered:
		return "triggered"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Guard protects one speculation.
type Guard struct {
	ID       GuardID
	Block    ir.BlockID
	Key      Key
	Reason   Reason
	Cond     Condition
	Fallback Continuation

	state     atomic.Uint32
	misses    atomic.Uint64
	onTrigger func(*Guard)
}

// State reports the current state.
func (g *Guard) State() State { return State(g.state.Load()) }

// Misses counts failed checks. Passing checks are not counted.
func (g *Guard) Misses() uint64 { return g.misses.Load() }

// Check evaluates the guard on the execution path. It returns true when
// the speculative code may continue. A triggered guard stays triggered:
// every later check fails straight to the fallback.
func (g *Guard) Check(rf RegisterFile) (Continuation, bool) {
	if State(g.state.Load()) == StateTriggered {
		g.misses.Add(1)
		return g.Fallback, false
	}
	if g.Cond.Holds(rf) {
		if State(g.state.Load()) == StateInstalled {
			g.state.CompareAndSwap(uint32(StateInstalled), uint32(StateHolding))
		}
		return Continuation{}, true
	}
	g.misses.Add(1)
	for {
		cur := g.state.Load()
		if State(cur) == StateTriggered {
			return g.Fallback, false
		}
		if g.state.CompareAndSwap(cur, uint32(StateTriggered)) {
			break
		}
	}
	if g.onTrigger != nil {
		g.onTrigger(g)
	}
	return g.Fallback, false
}

func (g *Guard) String() string {
	return fmt.Sprintf("%s %s [%s] %s -> %s (%s)", g.ID, g.Key, g.Reason, g.Cond, g.Fallback, g.State())
}

// Regs is a map-backed RegisterFile.
type Regs struct {
	Values map[ir.VReg]int64
	Types  map[ir.VReg]int64
}

// Value implements RegisterFile.
func (r Regs) Value(v ir.VReg) int64 { return r.Values[v] }

// TypeTag implements RegisterFile.
func (r Regs) TypeTag(v ir.VReg) int64 { return r.Types[v] }

// Counterexample returns a register file on which c fails. Simulations
// use it to force a guard down its fallback path.
func (c Condition) Counterexample() Regs {
	r := Regs{Values: map[ir.VReg]int64{}, Types: map[ir.VReg]int64{}}
	for c.Kind == CondAll && len(c.Parts) > 0 {
		c = c.Parts[0]
	}
	switch c.Kind {
	case CondTypeIs:
		r.Types[c.Reg] = c.Expected + 1
	case CondNonZero:
		r.Values[c.Reg] = 0
	case CondInRange:
		if c.Hi < math.MaxInt64 {
			r.Values[c.Reg] = c.Hi + 1
		} else {
			r.Values[c.Reg] = c.Expected - 1
		}
	case CondAny:
		// parts are alternatives for one register
		var hi int64
		for i, p := range c.Parts {
			if i == 0 || p.Expected > hi {
				hi = p.Expected
			}
		}
		for _, p := range c.Parts {
			r.Values[p.Reg] = hi + 1
		}
	default:
		r.Values[c.Reg] = c.Expected + 1
	}
	return r
}
