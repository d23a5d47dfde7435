package trace

import (
	"io"
	"sync"

	"hvjit/internal/ir"
)

// Ring keeps the last N events in memory. When a compile job fails the
// command line dumps the failed seed's lane from it.
type Ring struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	full  bool
	level Level
}

// NewRing returns a ring holding up to size events.
func NewRing(size int, level Level) *Ring {
	if size <= 0 {
		size = 4096
	}
	return &Ring{buf: make([]Event, size), level: level}
}

func (r *Ring) Emit(ev *Event) {
	if ev.Kind != KindHeartbeat && !r.level.ShouldEmit(ev.Scope) {
		return
	}
	stored := *ev
	stored.Attrs = append([]Attr(nil), ev.Attrs...)
	r.mu.Lock()
	stored.Seq = nextSeq()
	r.buf[r.next] = stored
	r.next++
	if r.next == len(r.buf) {
		r.next, r.full = 0, true
	}
	r.mu.Unlock()
}

// Snapshot returns the stored events, oldest first.
func (r *Ring) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Event(nil), r.buf[:r.next]...)
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Lane returns the stored events of one seed, oldest first.
func (r *Ring) Lane(seed ir.Site) []Event {
	var out []Event
	for _, ev := range r.Snapshot() {
		if ev.Lane == seed {
			out = append(out, ev)
		}
	}
	return out
}

// Dump writes events to w as one document of the given format.
func Dump(w io.Writer, events []Event, format Format) error {
	format = DetectFormat(format, "")
	chrome := format == FormatChrome
	if chrome {
		if _, err := io.WriteString(w, chromeOpen); err != nil {
			return err
		}
	}
	for i := range events {
		if chrome && i > 0 {
			if _, err := io.WriteString(w, ",\n"); err != nil {
				return err
			}
		}
		if _, err := w.Write(FormatEvent(&events[i], format)); err != nil {
			return err
		}
	}
	if chrome {
		_, err := io.WriteString(w, chromeClose)
		return err
	}
	return nil
}

func (r *Ring) Flush() error { return nil }
func (r *Ring) Close() error { return nil }
func (r *Ring) Level() Level { return r.level }
