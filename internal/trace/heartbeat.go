package trace

import (
	"context"
	"fmt"
	"time"
)

// Heartbeat emits a batch-wide event every interval. A trace that keeps
// beating without span ends points at a job stuck in a phase.
type Heartbeat struct {
	stop context.CancelFunc
	done chan struct{}
}

// StartHeartbeat beats on t until Stop or until ctx is done. It returns
// nil when t is disabled or interval is not positive; Stop accepts nil.
func StartHeartbeat(ctx context.Context, t Tracer, interval time.Duration) *Heartbeat {
	if !Enabled(t) || interval <= 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Heartbeat{stop: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for n := 1; ; n++ {
			select {
			case now := <-tick.C:
				t.Emit(&Event{
					Time:   now,
					Kind:   KindHeartbeat,
					Scope:  ScopeBatch,
					Name:   "heartbeat",
					Detail: fmt.Sprintf("#%d", n),
				})
			case <-ctx.Done():
				return
			}
		}
	}()
	return h
}

// Stop ends the heartbeat and waits for its goroutine. Repeated calls are
// fine.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.stop()
	<-h.done
}
