package diag

import (
	"fmt"
)

type Code uint16

const (
	UnknownCode Code = 0

	// IR input
	IRInfo         Code = 1000
	IRInvalid      Code = 1001
	IRUnknownBlock Code = 1002

	// scope building
	ScopeInfo       Code = 2000
	ScopeCapped     Code = 2001
	ScopeNoProfile  Code = 2002
	ScopeCapability Code = 2003
	ScopeEmpty      Code = 2004

	// dependency graph
	DepInfo         Code = 3000
	DepCycle        Code = 3001
	DepBackEdge     Code = 3002
	DepUnknownBlock Code = 3003

	// scheduling
	SchedInfo           Code = 4000
	SchedContract       Code = 4001
	SchedModuloFallback Code = 4002

	// speculation
	SpecInfo       Code = 5000
	SpecExcluded   Code = 5001
	SpecBudget     Code = 5002
	SpecCapability Code = 5003
	SpecDefect     Code = 5004
	SpecReordered  Code = 5005

	// orchestration
	OptInfo     Code = 6000
	OptStale    Code = 6001
	OptInstall  Code = 6002
	OptTimings  Code = 6003
	OptCanceled Code = 6004
)

var (
	codeDescription = map[Code]string{
		UnknownCode:         "Unknown error",
		IRInfo:              "IR information",
		IRInvalid:           "Malformed IR unit",
		IRUnknownBlock:      "Seed block does not exist",
		ScopeInfo:           "Scope information",
		ScopeCapped:         "Scope level capped",
		ScopeNoProfile:      "No profile data for seed",
		ScopeCapability:     "Operation not allowed at scope level",
		ScopeEmpty:          "Scope has no blocks",
		DepInfo:             "Dependency graph information",
		DepCycle:            "Dependency graph has a cycle",
		DepBackEdge:         "Loop-carried edge inside a trace",
		DepUnknownBlock:     "Scope names a block outside the unit",
		SchedInfo:           "Scheduling information",
		SchedContract:       "Schedule breaks a dependency",
		SchedModuloFallback: "Modulo scheduling fell back to list scheduling",
		SpecInfo:            "Speculation information",
		SpecExcluded:        "Speculation excluded after repeated deopts",
		SpecBudget:          "Guard budget exhausted",
		SpecCapability:      "Speculation needs a wider scope",
		SpecDefect:          "Speculation produced an unguarded rewrite",
		SpecReordered:       "Speculation would replay reordered work",
		OptInfo:             "Optimizer information",
		OptStale:            "Compilation result is stale",
		OptInstall:          "Guard table could not be installed",
		OptTimings:          "Phase timings",
		OptCanceled:         "Compilation canceled",
	}
)

func (c Code) ID() string {
	switch ic := int(c); {
	case ic >= 1000 && ic < 2000:
		return fmt.Sprintf("IR%04d", ic)
	case ic >= 2000 && ic < 3000:
		return fmt.Sprintf("SCP%04d", ic)
	case ic >= 3000 && ic < 4000:
		return fmt.Sprintf("DEP%04d", ic)
	case ic >= 4000 && ic < 5000:
		return fmt.Sprintf("SCH%04d", ic)
	case ic >= 5000 && ic < 6000:
		return fmt.Sprintf("SPC%04d", ic)
	case ic >= 6000 && ic < 7000:
		return fmt.Sprintf("OPT%04d", ic)
	}
	return "E0000"
}

func (c Code) Title() string {
	desc, ok := codeDescription[c]
	if !ok {
		return codeDescription[Code(0)]
	}
	return desc
}

func (c Code) String() string {
	return fmt.Sprintf("[%s]: %s", c.ID(), c.Title())
}
