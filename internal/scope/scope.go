package scope

import (
	"hvjit/internal/ir"
)

// CallSite is an indirect call the scope decided to devirtualize.
type CallSite struct {
	Block      ir.BlockID
	Site       ir.Site
	Callee     ir.FuncID
	Confidence float64
}

// Scope is the closed set of blocks later passes may look at.
//
// Traces are ordered chains of blocks; program order for dependency
// analysis is trace by trace, block by block. Membership is structural:
// a block reached by the growth walk is part of the scope even when its
// own profile says it is cold.
type Scope struct {
	Level      Level
	Seed       ir.BlockID
	Traces     [][]ir.BlockID
	Funcs      []ir.FuncID
	Caps       Capabilities
	InstrCount int
	ProfileGen uint64
	Devirt     []CallSite
	// Loop is a member block that branches back to itself, NoBlock otherwise.
	Loop ir.BlockID
	// Capped is set when budget forced a level below Wanted.
	Capped bool
	Wanted Level

	members map[ir.BlockID]int
}

func newScope(level Level, seed ir.BlockID) *Scope {
	return &Scope{
		Level:   level,
		Seed:    seed,
		Caps:    level.Capabilities(),
		Loop:    ir.NoBlock,
		Wanted:  level,
		members: make(map[ir.BlockID]int),
	}
}

// Contains reports whether b is a member.
func (s *Scope) Contains(b ir.BlockID) bool {
	_, ok := s.members[b]
	return ok
}

// TraceOf returns the trace index holding b, or -1.
func (s *Scope) TraceOf(b ir.BlockID) int {
	if t, ok := s.members[b]; ok {
		return t
	}
	return -1
}

// Blocks flattens the traces in program order.
func (s *Scope) Blocks() []ir.BlockID {
	out := make([]ir.BlockID, 0, len(s.members))
	for _, tr := range s.Traces {
		out = append(out, tr...)
	}
	return out
}

// Len is the number of member blocks.
func (s *Scope) Len() int { return len(s.members) }

// Require returns a CapabilityError unless the scope allows need.
func (s *Scope) Require(need Capabilities, op string) error {
	if s.Caps.Has(need) {
		return nil
	}
	return &CapabilityError{Level: s.Level, Have: s.Caps, Need: need, Op: op}
}

// DevirtAt returns the devirtualization decision for site.
func (s *Scope) DevirtAt(site ir.Site) (CallSite, bool) {
	for _, cs := range s.Devirt {
		if cs.Site == site {
			return cs, true
		}
	}
	return CallSite{}, false
}

func (s *Scope) startTrace() int {
	s.Traces = append(s.Traces, nil)
	return len(s.Traces) - 1
}

func (s *Scope) add(u *ir.Unit, trace int, b ir.BlockID) bool {
	if s.Contains(b) {
		return false
	}
	blk := u.Block(b)
	if blk == nil {
		return false
	}
	s.members[b] = trace
	s.Traces[trace] = append(s.Traces[trace], b)
	s.InstrCount += blk.Len()
	seen := false
	for _, f := range s.Funcs {
		if f == blk.Func {
			seen = true
			break
		}
	}
	if !seen {
		s.Funcs = append(s.Funcs, blk.Func)
	}
	return true
}

func (s *Scope) findLoop(u *ir.Unit) {
	for _, b := range s.Blocks() {
		for _, succ := range u.Block(b).Exit.Succs() {
			if succ == b {
				s.Loop = b
				return
			}
		}
	}
}
