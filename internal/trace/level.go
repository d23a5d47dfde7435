package trace

import (
	"fmt"
	"strings"
)

// Level controls tracing verbosity.
type Level uint8

const (
	LevelOff    Level = iota
	LevelError        // heartbeats and ring dumps only
	LevelPhase        // batch, job and phase spans
	LevelDetail       // plus per-block marks
	LevelDebug
)

var levelNames = [...]string{"off", "error", "phase", "detail", "debug"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("Level(%d)", uint8(l))
}

// ParseLevel accepts the names printed by String. The empty string is off.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LevelOff, nil
	}
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	return LevelOff, fmt.Errorf("invalid trace level: %q (expected: %s)", s, strings.Join(levelNames[:], "|"))
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Scope is the granularity of an event. Coarser scopes have lower values.
type Scope uint8

const (
	ScopeBatch Scope = iota + 1 // a CompileAll call or a CLI command
	ScopeJob                    // one compile or recompile of one seed
	ScopePhase                  // scope, depgraph, sched, speculate, simplify
	ScopeBlock                  // per-block and per-site decisions
)

func (s Scope) String() string {
	switch s {
	case ScopeBatch:
		return "batch"
	case ScopeJob:
		return "job"
	case ScopePhase:
		return "phase"
	case ScopeBlock:
		return "block"
	}
	return "unknown"
}

// ShouldEmit reports whether events of scope pass at level l.
func (l Level) ShouldEmit(scope Scope) bool {
	switch {
	case l >= LevelDetail:
		return scope <= ScopeBlock
	case l == LevelPhase:
		return scope <= ScopePhase
	}
	return false
}
