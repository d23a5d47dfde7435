package trace

import (
	"time"

	"hvjit/internal/ir"
)

// Kind is the type of an event.
type Kind uint8

const (
	KindSpanBegin Kind = iota + 1
	KindSpanEnd
	KindMark
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindSpanBegin:
		return "begin"
	case KindSpanEnd:
		return "end"
	case KindMark:
		return "mark"
	case KindHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Attr is a key-value pair on an end event. Attrs keep insertion order.
type Attr struct {
	Key   string
	Value string
}

// Event is one trace record.
type Event struct {
	Time    time.Time
	Seq     uint64 // assigned by the sink
	Kind    Kind
	Scope   Scope
	Span    uint64 // zero for marks and heartbeats
	Parent  uint64
	Lane    ir.Site // seed of the emitting job, zero for batch-wide events
	Name    string
	Detail  string
	Elapsed time.Duration // set on KindSpanEnd
	Attrs   []Attr
}
