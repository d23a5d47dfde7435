package profile

import (
	"sync"
	"sync/atomic"

	"hvjit/internal/ir"
)

type branchCounter struct {
	taken    atomic.Uint64
	notTaken atomic.Uint64
}

// Table is an in-memory profile. Recording an already known site is a
// read lock plus an atomic add; only the first sample of a site takes
// the write lock.
type Table struct {
	mu       sync.RWMutex
	blocks   map[ir.Site]*atomic.Uint64
	branches map[ir.Site]*branchCounter
	calls    map[ir.Site]map[ir.FuncID]*atomic.Uint64
	values   map[ir.Site]map[int64]*atomic.Uint64
	gen      atomic.Uint64
}

var _ Source = (*Table)(nil)

// NewTable creates an empty profile at generation 0.
func NewTable() *Table {
	return &Table{
		blocks:   make(map[ir.Site]*atomic.Uint64),
		branches: make(map[ir.Site]*branchCounter),
		calls:    make(map[ir.Site]map[ir.FuncID]*atomic.Uint64),
		values:   make(map[ir.Site]map[int64]*atomic.Uint64),
	}
}

func (t *Table) blockCounter(site ir.Site) *atomic.Uint64 {
	t.mu.RLock()
	c := t.blocks[site]
	t.mu.RUnlock()
	if c != nil {
		return c
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c = t.blocks[site]; c == nil {
		c = new(atomic.Uint64)
		t.blocks[site] = c
	}
	return c
}

func (t *Table) branchCounter(site ir.Site) *branchCounter {
	t.mu.RLock()
	c := t.branches[site]
	t.mu.RUnlock()
	if c != nil {
		return c
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c = t.branches[site]; c == nil {
		c = new(branchCounter)
		t.branches[site] = c
	}
	return c
}

func keyedCounter[K comparable](t *Table, m map[ir.Site]map[K]*atomic.Uint64, site ir.Site, key K) *atomic.Uint64 {
	t.mu.RLock()
	c := m[site][key]
	t.mu.RUnlock()
	if c != nil {
		return c
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	inner := m[site]
	if inner == nil {
		inner = make(map[K]*atomic.Uint64)
		m[site] = inner
	}
	if c = inner[key]; c == nil {
		c = new(atomic.Uint64)
		inner[key] = c
	}
	return c
}

// AddBlock adds n executions of the block at site.
func (t *Table) AddBlock(site ir.Site, n uint64) { t.blockCounter(site).Add(n) }

// AddBranch adds outcome counts for the branch at site.
func (t *Table) AddBranch(site ir.Site, taken, notTaken uint64) {
	c := t.branchCounter(site)
	c.taken.Add(taken)
	c.notTaken.Add(notTaken)
}

// RecordBranch records a single branch outcome.
func (t *Table) RecordBranch(site ir.Site, taken bool) {
	if taken {
		t.AddBranch(site, 1, 0)
		return
	}
	t.AddBranch(site, 0, 1)
}

// AddCall adds n observed calls from site to callee.
func (t *Table) AddCall(site ir.Site, callee ir.FuncID, n uint64) {
	keyedCounter(t, t.calls, site, callee).Add(n)
}

// AddValue adds n observations of v produced at site.
func (t *Table) AddValue(site ir.Site, v int64, n uint64) {
	keyedCounter(t, t.values, site, v).Add(n)
}

// Advance starts a new profile generation and returns it.
func (t *Table) Advance() uint64 { return t.gen.Add(1) }

// Generation implements Source.
func (t *Table) Generation() uint64 { return t.gen.Load() }

// Hotness implements Source.
func (t *Table) Hotness(site ir.Site) (uint64, bool) {
	t.mu.RLock()
	c := t.blocks[site]
	t.mu.RUnlock()
	if c == nil {
		return 0, false
	}
	return c.Load(), true
}

// BranchBias implements Source.
func (t *Table) BranchBias(site ir.Site) (Bias, bool) {
	t.mu.RLock()
	c := t.branches[site]
	t.mu.RUnlock()
	if c == nil {
		return Bias{}, false
	}
	return Bias{Taken: c.taken.Load(), NotTaken: c.notTaken.Load()}, true
}

// CallTargets implements Source. The histogram is sorted by count.
func (t *Table) CallTargets(site ir.Site) []TargetCount {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inner := t.calls[site]
	if len(inner) == 0 {
		return nil
	}
	out := make([]TargetCount, 0, len(inner))
	for callee, c := range inner {
		out = append(out, TargetCount{Callee: callee, Count: c.Load()})
	}
	sortTargets(out)
	return out
}

// ValueHistogram implements Source. The histogram is sorted by count.
func (t *Table) ValueHistogram(site ir.Site) []ValueCount {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inner := t.values[site]
	if len(inner) == 0 {
		return nil
	}
	out := make([]ValueCount, 0, len(inner))
	for v, c := range inner {
		out = append(out, ValueCount{Value: v, Count: c.Load()})
	}
	sortValues(out)
	return out
}
