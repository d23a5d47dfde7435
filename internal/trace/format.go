package trace

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Format is the encoding of written events.
type Format uint8

const (
	FormatAuto Format = iota // from the output path
	FormatText
	FormatNDJSON
	FormatChrome // Trace Event Format for chrome://tracing and Perfetto
)

var formatNames = [...]string{"auto", "text", "ndjson", "chrome"}

func (f Format) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return "unknown"
}

func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return FormatAuto, nil
	}
	for i, name := range formatNames {
		if s == name {
			return Format(i), nil
		}
	}
	return FormatAuto, fmt.Errorf("invalid trace format: %q (expected: %s)", s, strings.Join(formatNames[:], "|"))
}

// DetectFormat resolves FormatAuto: *.ndjson is NDJSON, *.json is Chrome,
// anything else is text.
func DetectFormat(f Format, path string) Format {
	if f != FormatAuto {
		return f
	}
	switch {
	case strings.HasSuffix(path, ".ndjson"):
		return FormatNDJSON
	case strings.HasSuffix(path, ".json"):
		return FormatChrome
	}
	return FormatText
}

const (
	chromeOpen  = "{\"traceEvents\":[\n"
	chromeClose = "\n]}\n"
)

// epoch anchors the relative timestamps of text output.
var epoch = time.Now()

// FormatEvent encodes one event. Chrome events are array elements.
func FormatEvent(ev *Event, format Format) []byte {
	switch format {
	case FormatNDJSON:
		return formatNDJSON(ev)
	case FormatChrome:
		return formatChrome(ev)
	}
	return formatText(ev)
}

func attrMap(attrs []Attr, detail string) map[string]string {
	if len(attrs) == 0 && detail == "" {
		return nil
	}
	m := make(map[string]string, len(attrs)+1)
	for _, a := range attrs {
		m[a.Key] = a.Value
	}
	if detail != "" {
		m["detail"] = detail
	}
	return m
}

func formatNDJSON(ev *Event) []byte {
	type record struct {
		Time      string            `json:"time"`
		Seq       uint64            `json:"seq"`
		Kind      string            `json:"kind"`
		Scope     string            `json:"scope"`
		Span      uint64            `json:"span,omitempty"`
		Parent    uint64            `json:"parent,omitempty"`
		Lane      string            `json:"lane,omitempty"`
		Name      string            `json:"name"`
		ElapsedUS int64             `json:"elapsed_us,omitempty"`
		Args      map[string]string `json:"args,omitempty"`
	}
	r := record{
		Time:      ev.Time.Format(time.RFC3339Nano),
		Seq:       ev.Seq,
		Kind:      ev.Kind.String(),
		Scope:     ev.Scope.String(),
		Span:      ev.Span,
		Parent:    ev.Parent,
		Name:      ev.Name,
		ElapsedUS: ev.Elapsed.Microseconds(),
		Args:      attrMap(ev.Attrs, ev.Detail),
	}
	if ev.Lane != 0 {
		r.Lane = ev.Lane.String()
	}
	data, _ := json.Marshal(r)
	return append(data, '\n')
}

func formatChrome(ev *Event) []byte {
	type record struct {
		Name  string            `json:"name"`
		Cat   string            `json:"cat"`
		Phase string            `json:"ph"`
		TS    int64             `json:"ts"`
		PID   int               `json:"pid"`
		TID   uint64            `json:"tid"`
		Scope string            `json:"s,omitempty"`
		Args  map[string]string `json:"args,omitempty"`
	}
	r := record{
		Name: ev.Name,
		Cat:  ev.Scope.String(),
		TS:   ev.Time.UnixMicro(),
		PID:  1,
		TID:  uint64(ev.Lane),
		Args: attrMap(ev.Attrs, ev.Detail),
	}
	switch ev.Kind {
	case KindSpanBegin:
		r.Phase = "B"
	case KindSpanEnd:
		r.Phase = "E"
	default:
		r.Phase, r.Scope = "i", "t"
	}
	data, _ := json.Marshal(r)
	return data
}

// formatText writes
//
//	[elapsed] lane  →|←|•|♡ name (detail) duration {k=v, ...}
//
// indenting events that have a parent span.
func formatText(ev *Event) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%9.3fms] ", float64(ev.Time.Sub(epoch).Microseconds())/1000)
	if ev.Lane != 0 {
		fmt.Fprintf(&sb, "%-9s ", ev.Lane)
	}
	if ev.Parent != 0 {
		sb.WriteString("  ")
	}
	switch ev.Kind {
	case KindSpanBegin:
		sb.WriteString("→ ")
	case KindSpanEnd:
		sb.WriteString("← ")
	case KindMark:
		sb.WriteString("• ")
	case KindHeartbeat:
		sb.WriteString("♡ ")
	}
	sb.WriteString(ev.Name)
	if ev.Detail != "" {
		fmt.Fprintf(&sb, " (%s)", ev.Detail)
	}
	if ev.Kind == KindSpanEnd && ev.Elapsed > 0 {
		fmt.Fprintf(&sb, " %s", ev.Elapsed.Round(time.Microsecond))
	}
	if len(ev.Attrs) > 0 {
		parts := make([]string, len(ev.Attrs))
		for i, a := range ev.Attrs {
			parts[i] = a.Key + "=" + a.Value
		}
		fmt.Fprintf(&sb, " {%s}", strings.Join(parts, ", "))
	}
	sb.WriteByte('\n')
	return []byte(sb.String())
}
