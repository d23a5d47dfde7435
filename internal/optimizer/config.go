// Package optimizer runs the scope optimizer: it grows a scope around a
// seed block, builds its dependency graph, schedules it and speculates on
// the scheduled order, then hands the guarded code and its guard table to
// the code generation tiers.
package optimizer

import (
	"errors"
	"fmt"

	"hvjit/internal/depgraph"
	"hvjit/internal/scope"
	"hvjit/internal/sched"
	"hvjit/internal/speculate"
)

// Config gathers the configuration of every phase.
type Config struct {
	Scope     scope.Config       `toml:"scope"`
	Latencies depgraph.Latencies `toml:"latencies"`
	Sched     sched.Config       `toml:"sched"`
	Speculate speculate.Config   `toml:"speculate"`

	// Workers bounds concurrent compiles in CompileAll; 0 means GOMAXPROCS.
	Workers int `toml:"workers"`
	// StaleTolerance is how many profile generations may pass between
	// the start of a compile and its commit.
	StaleTolerance uint64 `toml:"stale_tolerance"`
	MaxDiagnostics int    `toml:"max_diagnostics"`
	// Simplify enables the CSE and DCE cleanup after speculation.
	Simplify bool `toml:"simplify"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Scope:          scope.DefaultConfig(),
		Latencies:      depgraph.DefaultLatencies(),
		Sched:          sched.DefaultConfig(),
		Speculate:      speculate.DefaultConfig(),
		StaleTolerance: 1,
		MaxDiagnostics: 256,
		Simplify:       true,
	}
}

// Validate checks every section and reports all problems at once.
func (c Config) Validate() error {
	errs := []error{
		c.Scope.Validate(),
		c.Sched.Validate(),
		c.Speculate.Validate(),
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("optimizer: workers must not be negative"))
	}
	if c.MaxDiagnostics <= 0 {
		errs = append(errs, fmt.Errorf("optimizer: max_diagnostics must be positive"))
	}
	if c.Latencies.Default <= 0 {
		errs = append(errs, fmt.Errorf("optimizer: default latency must be positive"))
	}
	if c.Latencies.Forward < 0 {
		errs = append(errs, fmt.Errorf("optimizer: forward latency must not be negative"))
	}
	return errors.Join(errs...)
}
