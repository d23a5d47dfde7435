package depgraph

import "hvjit/internal/ir"

// MemRef describes the address a load or store touches. Version counts
// writes to Base seen before the access, so two refs with the same base
// and version address relative to the same value.
type MemRef struct {
	Known   bool
	Base    ir.VReg
	Version int
	Off     int64
	Size    int64
}

// AliasOracle proves that two memory accesses never overlap.
// Returning false means "may alias" and keeps the edge.
type AliasOracle interface {
	Disjoint(a, b MemRef) bool
}

// BaseOffsetOracle treats accesses off the same base value as disjoint
// when their byte ranges do not overlap.
type BaseOffsetOracle struct{}

// Disjoint implements AliasOracle.
func (BaseOffsetOracle) Disjoint(a, b MemRef) bool {
	if !a.Known || !b.Known || a.Base != b.Base || a.Version != b.Version {
		return false
	}
	return a.Off+a.Size <= b.Off || b.Off+b.Size <= a.Off
}

// Latencies estimates how many cycles a result takes to become available.
type Latencies struct {
	Default int `toml:"default"`
	Load    int `toml:"load"`
	Mul     int `toml:"mul"`
	Div     int `toml:"div"`
	Call    int `toml:"call"`
	// Forward is the store to load forwarding delay on a memory edge.
	Forward int `toml:"forward"`
}

// DefaultLatencies returns the stock latency model.
func DefaultLatencies() Latencies {
	return Latencies{Default: 1, Load: 4, Mul: 3, Div: 20, Call: 10, Forward: 4}
}

// Of returns the latency of op.
func (l Latencies) Of(op ir.Op) int {
	switch op {
	case ir.OpLoad:
		return l.Load
	case ir.OpMul:
		return l.Mul
	case ir.OpDiv:
		return l.Div
	case ir.OpCall, ir.OpCallInd, ir.OpDispatch, ir.OpSyscall:
		return l.Call
	default:
		return l.Default
	}
}
