package deopt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"hvjit/internal/ir"
)

var (
	// ErrSealed is returned when a guard is added to a finalized table.
	ErrSealed = errors.New("deopt: guard table is sealed")
	// ErrNotSealed is returned when installing a table still being filled.
	ErrNotSealed = errors.New("deopt: guard table is not sealed")
)

// DuplicateError reports a second guard for one speculation key.
type DuplicateError struct {
	Key      Key
	Existing GuardID
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("deopt: %s already guarded by %s", e.Key, e.Existing)
}

// Table holds the guards of one native block. It is append-only until
// Seal and immutable afterwards.
type Table struct {
	Block ir.BlockID

	ids    *atomic.Uint32
	mu     sync.Mutex
	guards []*Guard
	byKey  map[Key]GuardID
	sealed bool
}

func newTable(block ir.BlockID, ids *atomic.Uint32) *Table {
	return &Table{Block: block, ids: ids, byKey: make(map[Key]GuardID)}
}

// Add appends a guard and returns its id. The fallback continuation is
// stamped with the new id, so every guard owns its own.
func (t *Table) Add(key Key, cond Condition, fallback Continuation) (GuardID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return NoGuard, ErrSealed
	}
	if id, dup := t.byKey[key]; dup {
		return NoGuard, &DuplicateError{Key: key, Existing: id}
	}
	id := GuardID(t.ids.Add(1))
	fallback.Guard = id
	g := &Guard{
		ID:       id,
		Block:    t.Block,
		Key:      key,
		Reason:   ReasonFor(key.Kind),
		Cond:     cond,
		Fallback: fallback,
	}
	t.guards = append(t.guards, g)
	t.byKey[key] = id
	return id, nil
}

// Seal finalizes the table.
func (t *Table) Seal() {
	t.mu.Lock()
	t.sealed = true
	t.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (t *Table) Sealed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sealed
}

// Len is the number of guards.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.guards)
}

// Guards returns the guards in creation order.
func (t *Table) Guards() []*Guard {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Guard, len(t.guards))
	copy(out, t.guards)
	return out
}

// Lookup finds the guard protecting key.
func (t *Table) Lookup(key Key) (*Guard, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byKey[key]
	if !ok {
		return nil, false
	}
	for _, g := range t.guards {
		if g.ID == id {
			return g, true
		}
	}
	return nil, false
}
