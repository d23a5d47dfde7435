// Package sched turns a dependency graph into a total instruction order.
//
// Four algorithms share one contract: the order they return is a
// topological order of the graph, checked by Verify before Schedule
// returns it.
package sched

import (
	"fmt"
	"strings"

	"hvjit/internal/depgraph"
	"hvjit/internal/ir"
	"hvjit/internal/scope"
)

// Algorithm names a scheduling strategy.
type Algorithm uint8

const (
	// AlgAuto is only meaningful in Config.Force and means "let Select decide".
	AlgAuto Algorithm = iota
	AlgList
	AlgCriticalPath
	AlgResource
	AlgModulo
)

func (a Algorithm) String() string {
	switch a {
	case AlgAuto:
		return "auto"
	case AlgList:
		return "list"
	case AlgCriticalPath:
		return "critical-path"
	case AlgResource:
		return "resource"
	case AlgModulo:
		return "modulo"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// ParseAlgorithm converts a string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return AlgAuto, nil
	case "list":
		return AlgList, nil
	case "critical-path", "criticalpath", "cp":
		return AlgCriticalPath, nil
	case "resource", "resource-constrained":
		return AlgResource, nil
	case "modulo":
		return AlgModulo, nil
	}
	return AlgAuto, fmt.Errorf("invalid scheduler: %q (expected: auto|list|critical-path|resource|modulo)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(b []byte) error {
	v, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Units is the abstract execution-unit model: how many instructions of
// each class may issue in one cycle.
type Units struct {
	ALU    int `toml:"alu"`
	Mul    int `toml:"mul"`
	Div    int `toml:"div"`
	Load   int `toml:"load"`
	Store  int `toml:"store"`
	Branch int `toml:"branch"`
}

type unitClass uint8

const (
	classALU unitClass = iota
	classMul
	classDiv
	classLoad
	classStore
	classBranch
	numClasses
)

func classOf(op ir.Op) unitClass {
	switch op {
	case ir.OpMul:
		return classMul
	case ir.OpDiv:
		return classDiv
	case ir.OpLoad:
		return classLoad
	case ir.OpStore, ir.OpFence:
		return classStore
	case ir.OpCall, ir.OpCallInd, ir.OpDispatch, ir.OpSyscall, ir.OpGuard,
		ir.OpBr, ir.OpJmp, ir.OpJmpInd, ir.OpRet:
		return classBranch
	default:
		return classALU
	}
}

func (u Units) of(c unitClass) int {
	switch c {
	case classMul:
		return u.Mul
	case classDiv:
		return u.Div
	case classLoad:
		return u.Load
	case classStore:
		return u.Store
	case classBranch:
		return u.Branch
	default:
		return u.ALU
	}
}

// Config tunes algorithm selection and the resource model.
type Config struct {
	// Force overrides Select when not AlgAuto.
	Force        Algorithm `toml:"algorithm"`
	SmallBlock   int       `toml:"small_block"`
	IssueWidth   int       `toml:"issue_width"`
	Modulo       bool      `toml:"modulo"`
	ModuloSearch int       `toml:"modulo_search"`
	Units        Units     `toml:"units"`
}

// DefaultConfig models a four-wide out-of-order core.
func DefaultConfig() Config {
	return Config{
		SmallBlock:   8,
		IssueWidth:   4,
		Modulo:       true,
		ModuloSearch: 16,
		Units:        Units{ALU: 4, Mul: 2, Div: 1, Load: 2, Store: 2, Branch: 2},
	}
}

// Validate rejects resource models under which nothing could issue.
func (c Config) Validate() error {
	if c.IssueWidth <= 0 {
		return fmt.Errorf("scheduler: issue_width must be positive")
	}
	if c.SmallBlock < 0 || c.ModuloSearch < 0 {
		return fmt.Errorf("scheduler: small_block and modulo_search must not be negative")
	}
	for cl := range numClasses {
		if c.Units.of(cl) <= 0 {
			return fmt.Errorf("scheduler: every execution unit class needs at least one unit")
		}
	}
	if c.Force > AlgModulo {
		return fmt.Errorf("scheduler: unknown algorithm %s", c.Force)
	}
	return nil
}

// Shape is what Select looks at.
type Shape struct {
	Nodes int
	Level scope.Level
	// Loop is set when the graph is exactly one innermost loop body.
	Loop bool
}

// ShapeOf describes g for a scope of the given level.
func ShapeOf(g *depgraph.Graph, level scope.Level) Shape {
	return Shape{Nodes: g.Len(), Level: level, Loop: loopBody(g)}
}

func loopBody(g *depgraph.Graph) bool {
	return g.Loop != ir.NoBlock && g.Len() > 0 && len(g.BlockNodes(g.Loop)) == g.Len()
}

// Select picks an algorithm. It depends only on its arguments.
func Select(sh Shape, cfg Config) Algorithm {
	switch {
	case cfg.Force != AlgAuto:
		return cfg.Force
	case sh.Loop && cfg.Modulo:
		return AlgModulo
	case sh.Nodes <= cfg.SmallBlock:
		return AlgCriticalPath
	case sh.Level >= scope.LevelRegion:
		return AlgResource
	default:
		return AlgList
	}
}
