package deopt

import (
	"cmp"
	"slices"
	"sync"
	"sync/atomic"

	"hvjit/internal/ir"
)

// DefaultPermanentAfter is how many failures of one speculation in one
// block exclude it for good.
const DefaultPermanentAfter = 2

// Stats are cumulative manager counters.
type Stats struct {
	Installed  uint64
	Triggers   uint64
	Recompiles uint64
	Permanent  uint64
	Ignored    uint64 // triggers of guards whose table was already dropped
}

type blockState struct {
	table     *Table
	stale     bool
	failures  map[Key]int
	permanent map[Key]bool
}

// Manager tracks installed guard tables and turns guard failures into
// recompilation requests.
type Manager struct {
	ids            atomic.Uint32
	sink           RecompileSink
	permanentAfter int

	mu     sync.RWMutex
	blocks map[ir.BlockID]*blockState
	byID   map[GuardID]*Guard

	installed  atomic.Uint64
	triggers   atomic.Uint64
	recompiles atomic.Uint64
	permanent  atomic.Uint64
	ignored    atomic.Uint64
}

// NewManager creates a manager that reports to sink. A nil sink discards
// requests; stale marking and failure history still apply.
func NewManager(sink RecompileSink) *Manager {
	return &Manager{
		sink:           sink,
		permanentAfter: DefaultPermanentAfter,
		blocks:         make(map[ir.BlockID]*blockState),
		byID:           make(map[GuardID]*Guard),
	}
}

// SetPermanentAfter changes the failure count that makes an exclusion
// permanent. Values below 1 are ignored.
func (m *Manager) SetPermanentAfter(n int) {
	if n >= 1 {
		m.mu.Lock()
		m.permanentAfter = n
		m.mu.Unlock()
	}
}

// NewTable starts an empty guard table for block.
func (m *Manager) NewTable(block ir.BlockID) *Table {
	return newTable(block, &m.ids)
}

func (m *Manager) state(block ir.BlockID) *blockState {
	bs := m.blocks[block]
	if bs == nil {
		bs = &blockState{failures: make(map[Key]int), permanent: make(map[Key]bool)}
		m.blocks[block] = bs
	}
	return bs
}

// Install attaches a sealed table to its block. A table already installed
// for the block is dropped together with all of its guards, and the block
// starts a new stale period.
func (m *Manager) Install(t *Table) error {
	if !t.Sealed() {
		return ErrNotSealed
	}
	guards := t.Guards()
	m.mu.Lock()
	defer m.mu.Unlock()
	bs := m.state(t.Block)
	if bs.table != nil {
		m.dropLocked(bs.table)
	}
	bs.table = t
	bs.stale = false
	for _, g := range guards {
		g.onTrigger = m.triggered
		m.byID[g.ID] = g
	}
	m.installed.Add(uint64(len(guards)))
	return nil
}

// Invalidate drops every guard of block at once. Failure history is kept.
func (m *Manager) Invalidate(block ir.BlockID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bs := m.blocks[block]
	if bs == nil || bs.table == nil {
		return
	}
	m.dropLocked(bs.table)
	bs.table = nil
}

func (m *Manager) dropLocked(t *Table) {
	for _, g := range t.Guards() {
		if m.byID[g.ID] == g {
			delete(m.byID, g.ID)
		}
	}
}

// Guard looks up an installed guard.
func (m *Manager) Guard(id GuardID) (*Guard, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.byID[id]
	return g, ok
}

// Table returns the table installed for block.
func (m *Manager) Table(block ir.BlockID) (*Table, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bs := m.blocks[block]
	if bs == nil || bs.table == nil {
		return nil, false
	}
	return bs.table, true
}

// Stale reports whether block has a failed guard and awaits recompilation.
func (m *Manager) Stale(block ir.BlockID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bs := m.blocks[block]
	return bs != nil && bs.stale
}

// Exclusions lists the permanently excluded speculations of block.
func (m *Manager) Exclusions(block ir.BlockID) []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bs := m.blocks[block]
	if bs == nil {
		return nil
	}
	out := make([]Key, 0, len(bs.permanent))
	for k := range bs.permanent {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

// Failures reports how often key failed in block.
func (m *Manager) Failures(block ir.BlockID, key Key) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if bs := m.blocks[block]; bs != nil {
		return bs.failures[key]
	}
	return 0
}

// triggered runs once per guard instance, right after its state became
// StateTriggered. Only the first failure of a stale period produces a
// request.
func (m *Manager) triggered(g *Guard) {
	m.triggers.Add(1)
	m.mu.Lock()
	if m.byID[g.ID] != g {
		m.mu.Unlock()
		m.ignored.Add(1)
		return
	}
	bs := m.state(g.Block)
	bs.failures[g.Key]++
	if bs.failures[g.Key] >= m.permanentAfter && !bs.permanent[g.Key] {
		bs.permanent[g.Key] = true
		m.permanent.Add(1)
	}
	if bs.stale {
		m.mu.Unlock()
		return
	}
	bs.stale = true
	req := RecompileRequest{Block: g.Block, Excluded: []Key{g.Key}, Guard: g.ID, Reason: g.Reason}
	sink := m.sink
	m.mu.Unlock()

	m.recompiles.Add(1)
	if sink != nil {
		sink.Request(req)
	}
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Installed:  m.installed.Load(),
		Triggers:   m.triggers.Load(),
		Recompiles: m.recompiles.Load(),
		Permanent:  m.permanent.Load(),
		Ignored:    m.ignored.Load(),
	}
}

func sortKeys(keys []Key) {
	slices.SortFunc(keys, func(a, b Key) int {
		if c := cmp.Compare(a.Site, b.Site); c != 0 {
			return c
		}
		return cmp.Compare(a.Kind, b.Kind)
	})
}
