package deopt

import (
	"fmt"
	"sync"

	"hvjit/internal/ir"
)

// RecompileRequest asks the block manager to rebuild Block without the
// speculations listed in Excluded.
type RecompileRequest struct {
	Block    ir.BlockID
	Excluded []Key
	Guard    GuardID
	Reason   Reason
}

func (r RecompileRequest) String() string {
	return fmt.Sprintf("recompile %s excluding %v (%s by %s)", r.Block, r.Excluded, r.Reason, r.Guard)
}

// RecompileSink receives recompilation requests. Request is called on
// the execution path of translated code and must not block.
type RecompileSink interface {
	Request(RecompileRequest)
}

// Queue is an unbounded RecompileSink. Requests are never dropped.
type Queue struct {
	mu      sync.Mutex
	pending []RecompileRequest
	ready   chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Request implements RecompileSink.
func (q *Queue) Request(r RecompileRequest) {
	q.mu.Lock()
	q.pending = append(q.pending, r)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready fires after new requests arrive. One signal may cover several
// requests; always Drain after receiving it.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Drain removes and returns every pending request.
func (q *Queue) Drain() []RecompileRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// Len is the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
