package trace

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"hvjit/internal/ir"
)

var (
	seqCounter  atomic.Uint64
	spanCounter atomic.Uint64
)

func nextSeq() uint64 { return seqCounter.Add(1) }

type tracerKey struct{}

type posKey struct{}

// pos is where new events attach: the enclosing span and its lane.
type pos struct {
	span uint64
	lane ir.Site
}

// WithTracer attaches t to ctx. A nil t attaches Nop.
func WithTracer(ctx context.Context, t Tracer) context.Context {
	if t == nil {
		t = Nop
	}
	return context.WithValue(ctx, tracerKey{}, t)
}

// FromContext returns the tracer of ctx, or Nop.
func FromContext(ctx context.Context) Tracer {
	if ctx != nil {
		if t, ok := ctx.Value(tracerKey{}).(Tracer); ok {
			return t
		}
	}
	return Nop
}

func posOf(ctx context.Context) pos {
	if ctx != nil {
		if p, ok := ctx.Value(posKey{}).(pos); ok {
			return p
		}
	}
	return pos{}
}

// CurrentSpan returns the id of the span carried by ctx, zero if none.
func CurrentSpan(ctx context.Context) uint64 { return posOf(ctx).span }

// CurrentLane returns the lane carried by ctx, zero outside a job.
func CurrentLane(ctx context.Context) ir.Site { return posOf(ctx).lane }

// Span is one operation from Start to End. A Span from a filtered scope
// or a disabled tracer is inert.
type Span struct {
	tracer  Tracer
	id      uint64
	parent  uint64
	lane    ir.Site
	scope   Scope
	name    string
	started time.Time
	attrs   []Attr
}

// Start opens a span under the span and lane of ctx. The returned
// context carries the new span when it is live.
func Start(ctx context.Context, scope Scope, name string) (*Span, context.Context) {
	p := posOf(ctx)
	sp := begin(FromContext(ctx), scope, name, p)
	if sp.id == 0 {
		return sp, ctx
	}
	return sp, context.WithValue(ctx, posKey{}, pos{span: sp.id, lane: p.lane})
}

// StartJob opens a ScopeJob span on the lane of seed. Everything started
// under the returned context lands on that lane, even when the span
// itself is filtered out.
func StartJob(ctx context.Context, name string, seed ir.Site) (*Span, context.Context) {
	p := posOf(ctx)
	p.lane = seed
	ctx = context.WithValue(ctx, posKey{}, p)
	return Start(ctx, ScopeJob, name)
}

func begin(t Tracer, scope Scope, name string, p pos) *Span {
	if t == nil || !t.Level().ShouldEmit(scope) {
		return &Span{tracer: Nop, parent: p.span, lane: p.lane}
	}
	sp := &Span{
		tracer:  t,
		id:      spanCounter.Add(1),
		parent:  p.span,
		lane:    p.lane,
		scope:   scope,
		name:    name,
		started: time.Now(),
	}
	t.Emit(&Event{
		Time:   sp.started,
		Kind:   KindSpanBegin,
		Scope:  scope,
		Span:   sp.id,
		Parent: sp.parent,
		Lane:   sp.lane,
		Name:   name,
	})
	return sp
}

func (s *Span) live() bool { return s != nil && s.id != 0 }

// End emits the end event and returns the span's duration.
func (s *Span) End(detail string) time.Duration {
	if !s.live() {
		return 0
	}
	d := time.Since(s.started)
	s.tracer.Emit(&Event{
		Time:    time.Now(),
		Kind:    KindSpanEnd,
		Scope:   s.scope,
		Span:    s.id,
		Parent:  s.parent,
		Lane:    s.lane,
		Name:    s.name,
		Detail:  detail,
		Elapsed: d,
		Attrs:   s.attrs,
	})
	return d
}

// WithExtra adds an attribute to the end event.
func (s *Span) WithExtra(key, value string) *Span {
	if s.live() {
		s.attrs = append(s.attrs, Attr{Key: key, Value: value})
	}
	return s
}

func (s *Span) WithInt(key string, v int) *Span {
	if !s.live() {
		return s
	}
	return s.WithExtra(key, strconv.Itoa(v))
}

// ID is zero for an inert span.
func (s *Span) ID() uint64 {
	if s == nil {
		return 0
	}
	return s.id
}

// Mark emits an instant event under the span and lane of ctx.
func Mark(ctx context.Context, scope Scope, name, format string, args ...any) {
	t := FromContext(ctx)
	if !t.Level().ShouldEmit(scope) {
		return
	}
	p := posOf(ctx)
	t.Emit(&Event{
		Time:   time.Now(),
		Kind:   KindMark,
		Scope:  scope,
		Parent: p.span,
		Lane:   p.lane,
		Name:   name,
		Detail: fmt.Sprintf(format, args...),
	})
}
