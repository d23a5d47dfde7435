// Package speculate bets on likely runtime facts. It walks the scheduled
// blocks of a scope, rewrites sites whose profile shows a dominant
// outcome into a specialized fast path, and protects every rewrite with
// exactly one deopt guard.
package speculate

import (
	"errors"
	"fmt"
	"slices"

	"hvjit/internal/deopt"
)

// Kind is the kind of a speculation.
type Kind = deopt.SpecKind

// Key identifies a speculation across recompilations.
type Key = deopt.Key

// Config holds the per-kind confidence thresholds and budgets.
type Config struct {
	TypeThreshold   float64 `toml:"type_threshold"`
	ValueThreshold  float64 `toml:"value_threshold"`
	BranchThreshold float64 `toml:"branch_threshold"`
	CallThreshold   float64 `toml:"call_threshold"`
	// PathThreshold is the joint probability a chain of branches needs
	// to be merged under one guard.
	PathThreshold float64 `toml:"path_threshold"`
	// PolyThreshold is the share of calls up to MaxPolyTargets callees
	// must cover when no single callee dominates. Fewer than two
	// targets turns polymorphic dispatch off.
	PolyThreshold  float64 `toml:"poly_threshold"`
	MaxPolyTargets int     `toml:"max_poly_targets"`
	// RangeThreshold is the share of values a range no wider than
	// MaxRangeSpan must cover when no single value dominates.
	RangeThreshold  float64 `toml:"range_threshold"`
	MaxRangeSpan    uint64  `toml:"max_range_span"`
	MinSamples      uint64  `toml:"min_samples"`
	MaxGuards       int     `toml:"max_guards"`
	MaxInlineInstrs int     `toml:"max_inline_instrs"`
	Disabled        []Kind  `toml:"disabled"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		TypeThreshold:   0.95,
		ValueThreshold:  0.80,
		BranchThreshold: 0.90,
		CallThreshold:   0.90,
		PathThreshold:   0.80,
		PolyThreshold:   0.95,
		MaxPolyTargets:  4,
		RangeThreshold:  0.90,
		MaxRangeSpan:    256,
		MinSamples:      100,
		MaxGuards:       64,
		MaxInlineInstrs: 16,
	}
}

// Validate checks every threshold lies in (0.5, 1] and budgets are sane.
func (c Config) Validate() error {
	var errs []error
	for _, th := range []struct {
		name string
		v    float64
	}{
		{"type_threshold", c.TypeThreshold},
		{"value_threshold", c.ValueThreshold},
		{"branch_threshold", c.BranchThreshold},
		{"call_threshold", c.CallThreshold},
		{"path_threshold", c.PathThreshold},
		{"poly_threshold", c.PolyThreshold},
		{"range_threshold", c.RangeThreshold},
	} {
		if th.v <= 0.5 || th.v > 1 {
			errs = append(errs, fmt.Errorf("speculate: %s %v outside (0.5, 1]", th.name, th.v))
		}
	}
	if c.MaxGuards < 0 {
		errs = append(errs, errors.New("speculate: max_guards must not be negative"))
	}
	if c.MaxPolyTargets < 0 {
		errs = append(errs, errors.New("speculate: max_poly_targets must not be negative"))
	}
	if c.MaxInlineInstrs < 0 {
		errs = append(errs, errors.New("speculate: max_inline_instrs must not be negative"))
	}
	return errors.Join(errs...)
}

// Enabled reports whether speculations of kind k may be made.
func (c Config) Enabled(k Kind) bool { return !slices.Contains(c.Disabled, k) }

func (c Config) threshold(k Kind) float64 {
	switch k {
	case deopt.SpecType:
		return c.TypeThreshold
	case deopt.SpecValue:
		return c.ValueThreshold
	case deopt.SpecBranch:
		return c.BranchThreshold
	case deopt.SpecCallTarget:
		return c.CallThreshold
	case deopt.SpecRange:
		return c.RangeThreshold
	default:
		return c.PathThreshold
	}
}
