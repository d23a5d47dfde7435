package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"hvjit/internal/ir"
)

func TestLevelFiltersScopes(t *testing.T) {
	tests := []struct {
		level Level
		scope Scope
		want  bool
	}{
		{LevelOff, ScopeBatch, false},
		{LevelError, ScopeBatch, false},
		{LevelPhase, ScopePhase, true},
		{LevelPhase, ScopeBlock, false},
		{LevelDetail, ScopeBlock, true},
		{LevelDebug, ScopeBlock, true},
	}
	for _, tt := range tests {
		if got := tt.level.ShouldEmit(tt.scope); got != tt.want {
			t.Errorf("%s.ShouldEmit(%s) = %v, want %v", tt.level, tt.scope, got, tt.want)
		}
	}
}

func TestParseLevelRoundTrip(t *testing.T) {
	for _, l := range []Level{LevelOff, LevelError, LevelPhase, LevelDetail, LevelDebug} {
		var got Level
		if err := got.UnmarshalText([]byte(l.String())); err != nil || got != l {
			t.Errorf("%s: got %s, %v", l, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Errorf("expected error for unknown level")
	}
}

func TestJobLaneIsInherited(t *testing.T) {
	ring := NewRing(16, LevelDetail)
	ctx := WithTracer(context.Background(), ring)

	job, ctx := StartJob(ctx, "compile", 0x1000)
	phase, pctx := Start(ctx, ScopePhase, "sched")
	Mark(pctx, ScopeBlock, "bet", "branch %s", "taken")
	phase.WithExtra("algorithm", "list").WithInt("nodes", 7)
	phase.End("")
	job.End("ok")

	evs := ring.Snapshot()
	if len(evs) != 5 {
		t.Fatalf("got %d events, want 5", len(evs))
	}
	for _, ev := range evs {
		if ev.Lane != 0x1000 {
			t.Fatalf("event %s on lane %s", ev.Name, ev.Lane)
		}
	}
	if evs[1].Parent != job.ID() || evs[2].Parent != phase.ID() {
		t.Fatalf("parents = %d, %d", evs[1].Parent, evs[2].Parent)
	}
	if evs[2].Kind != KindMark || evs[2].Detail != "branch taken" {
		t.Fatalf("mark = %+v", evs[2])
	}
	end := evs[3]
	if end.Kind != KindSpanEnd || len(end.Attrs) != 2 || end.Attrs[1] != (Attr{"nodes", "7"}) {
		t.Fatalf("unexpected end event: %+v", end)
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq <= evs[i-1].Seq {
			t.Fatalf("sequence not increasing at %d", i)
		}
	}
}

func TestFilteredJobStillSetsLane(t *testing.T) {
	ctx := WithTracer(context.Background(), NewRing(8, LevelError))
	_, ctx = StartJob(ctx, "compile", 0x2000)
	if CurrentLane(ctx) != 0x2000 {
		t.Fatalf("lane = %s", CurrentLane(ctx))
	}
	if CurrentSpan(ctx) != 0 {
		t.Fatal("filtered span is carried by the context")
	}
}

func TestRingLaneSelectsOneSeed(t *testing.T) {
	ring := NewRing(32, LevelPhase)
	ctx := WithTracer(context.Background(), ring)
	for _, seed := range []ir.Site{0x1000, 0x2000, 0x1000} {
		sp, _ := StartJob(ctx, "compile", seed)
		sp.End("")
	}
	if got := len(ring.Lane(0x1000)); got != 4 {
		t.Fatalf("lane 0x1000 has %d events, want 4", got)
	}
	if got := len(ring.Lane(0x3000)); got != 0 {
		t.Fatalf("lane 0x3000 has %d events", got)
	}
}

func TestNopSpanIsInert(t *testing.T) {
	sp, ctx := Start(context.Background(), ScopeJob, "compile")
	if sp.ID() != 0 || CurrentSpan(ctx) != 0 {
		t.Fatalf("span without tracer should be inert")
	}
	if d := sp.WithExtra("k", "v").End(""); d != 0 {
		t.Fatalf("nop span reported duration %v", d)
	}
}

func TestRingWrapsAround(t *testing.T) {
	ring := NewRing(3, LevelDebug)
	ctx := WithTracer(context.Background(), ring)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		Mark(ctx, ScopeBlock, name, "")
	}
	var names []string
	for _, ev := range ring.Snapshot() {
		names = append(names, ev.Name)
	}
	if got := strings.Join(names, ""); got != "cde" {
		t.Fatalf("got %q, want cde", got)
	}
}

func TestStreamChromeIsValidJSON(t *testing.T) {
	var buf bytes.Buffer
	st := NewStream(&buf, LevelPhase, FormatChrome)
	ctx := WithTracer(context.Background(), st)
	sp, ctx := StartJob(ctx, "compile", 0x1000)
	Mark(ctx, ScopePhase, "fallback", "modulo -> %s", "list")
	Mark(ctx, ScopeBlock, "filtered", "")
	sp.End("done")
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	var doc struct {
		TraceEvents []struct {
			Name  string            `json:"name"`
			Phase string            `json:"ph"`
			TID   uint64            `json:"tid"`
			Args  map[string]string `json:"args"`
		} `json:"traceEvents"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("invalid chrome json: %v\n%s", err, buf.String())
	}
	if len(doc.TraceEvents) != 3 {
		t.Fatalf("got %d events, want 3", len(doc.TraceEvents))
	}
	phases := doc.TraceEvents[0].Phase + doc.TraceEvents[1].Phase + doc.TraceEvents[2].Phase
	if phases != "BiE" {
		t.Fatalf("phases = %q", phases)
	}
	if doc.TraceEvents[1].Args["detail"] != "modulo -> list" || doc.TraceEvents[1].TID != 0x1000 {
		t.Fatalf("mark = %+v", doc.TraceEvents[1])
	}
}

func TestDumpChromeDocument(t *testing.T) {
	ring := NewRing(8, LevelPhase)
	ctx := WithTracer(context.Background(), ring)
	sp, _ := StartJob(ctx, "compile", 0x1000)
	sp.End("")
	var buf bytes.Buffer
	if err := Dump(&buf, ring.Lane(0x1000), FormatChrome); err != nil {
		t.Fatal(err)
	}
	var doc struct {
		TraceEvents []json.RawMessage `json:"traceEvents"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil || len(doc.TraceEvents) != 2 {
		t.Fatalf("dump = %s, %v", buf.String(), err)
	}
}

func TestTextFormat(t *testing.T) {
	ev := &Event{
		Time:    epoch.Add(1500 * time.Microsecond),
		Kind:    KindSpanEnd,
		Parent:  1,
		Lane:    0x1000,
		Name:    "speculate",
		Elapsed: time.Millisecond,
		Attrs:   []Attr{{"z", "1"}, {"a", "2"}},
	}
	got := string(FormatEvent(ev, FormatText))
	want := "[    1.500ms] @0x1000     ← speculate 1ms {z=1, a=2}\n"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNewBothFansOut(t *testing.T) {
	var buf bytes.Buffer
	tr, err := New(Config{Level: LevelPhase, Mode: ModeBoth, Format: FormatNDJSON, Output: &buf, RingSize: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sp, _ := Start(WithTracer(context.Background(), tr), ScopeBatch, "batch")
	sp.End("")
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	ring, ok := RingOf(tr)
	if !ok || len(ring.Snapshot()) != 2 {
		t.Fatalf("ring missing or wrong size: %v", ok)
	}
	if n := strings.Count(buf.String(), "\n"); n != 2 {
		t.Fatalf("stream wrote %d lines", n)
	}
	if off, _ := New(Config{Level: LevelOff}); off != Nop {
		t.Fatal("LevelOff should yield Nop")
	}
}

func TestHeartbeatStops(t *testing.T) {
	ring := NewRing(64, LevelError)
	h := StartHeartbeat(context.Background(), ring, time.Millisecond)
	deadline := time.Now().Add(2 * time.Second)
	for len(ring.Snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h.Stop()
	h.Stop()
	n := len(ring.Snapshot())
	if n == 0 {
		t.Fatalf("no heartbeat emitted")
	}
	time.Sleep(5 * time.Millisecond)
	if len(ring.Snapshot()) != n {
		t.Fatalf("heartbeat kept running after Stop")
	}
	if StartHeartbeat(context.Background(), Nop, time.Millisecond) != nil {
		t.Fatalf("heartbeat on a disabled tracer should be nil")
	}
}
