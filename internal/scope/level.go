package scope

import (
	"fmt"
	"strings"
)

// Level is how much code around the seed the optimizer may see.
type Level uint8

const (
	LevelBlock Level = iota
	LevelFunction
	LevelRegion
	LevelCallGraph
)

func (l Level) String() string {
	switch l {
	case LevelBlock:
		return "block"
	case LevelFunction:
		return "function"
	case LevelRegion:
		return "region"
	case LevelCallGraph:
		return "callgraph"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "block":
		return LevelBlock, nil
	case "function", "func":
		return LevelFunction, nil
	case "region":
		return LevelRegion, nil
	case "callgraph", "call-graph":
		return LevelCallGraph, nil
	}
	return LevelBlock, fmt.Errorf("invalid scope level: %q (expected: block|function|region|callgraph)", s)
}

// MarshalText lets levels appear as strings in TOML and msgpack.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Capabilities is the set of transformations legal in a scope.
type Capabilities uint8

const (
	CapReorder Capabilities = 1 << iota
	CapDCE
	CapCSE
	CapLICM
	CapInline
	CapDevirt
)

var capNames = []struct {
	c    Capabilities
	name string
}{
	{CapReorder, "reorder"},
	{CapDCE, "dce"},
	{CapCSE, "cse"},
	{CapLICM, "licm"},
	{CapInline, "inline"},
	{CapDevirt, "devirt"},
}

// introduced lists what each level adds on top of the one below it.
// Level capabilities are the union of this table up to the level, so a
// higher level can never lose anything a lower level has.
var introduced = [...]Capabilities{
	LevelBlock:     CapReorder | CapDCE | CapCSE,
	LevelFunction:  CapLICM | CapInline,
	LevelRegion:    CapDevirt,
	LevelCallGraph: 0,
}

// Capabilities returns what is legal at level l.
func (l Level) Capabilities() Capabilities {
	var caps Capabilities
	for i := LevelBlock; i <= l && int(i) < len(introduced); i++ {
		caps |= introduced[i]
	}
	return caps
}

// Has reports whether every capability in c is present.
func (c Capabilities) Has(want Capabilities) bool { return c&want == want }

func (c Capabilities) String() string {
	if c == 0 {
		return "none"
	}
	parts := make([]string, 0, len(capNames))
	for _, cn := range capNames {
		if c&cn.c != 0 {
			parts = append(parts, cn.name)
		}
	}
	return strings.Join(parts, "|")
}

// CapabilityError is a builder defect: a pass attempted a transformation
// the scope does not permit.
type CapabilityError struct {
	Level Level
	Have  Capabilities
	Need  Capabilities
	Op    string
}

func (e *CapabilityError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s requires %s, %s scope only allows %s", e.Op, e.Need&^e.Have, e.Level, e.Have)
}
