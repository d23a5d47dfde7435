package diag

import (
	"strings"
	"sync"
	"testing"

	"hvjit/internal/ir"
)

func TestFormatShort(t *testing.T) {
	diags := []*Diagnostic{
		{
			Severity: SevWarning,
			Code:     SpecBudget,
			Message:  "budget of 2 guards used up",
			Primary:  ir.Site(0x200),
		},
		{
			Severity: SevError,
			Code:     DepCycle,
			Message:  "first line\nsecond",
			Primary:  ir.Site(0x100),
			Notes: []Note{
				{Site: ir.Site(0x101), Msg: "node here"},
			},
		},
	}

	want := "error DEP3001 @0x100 first line second\n" +
		"note DEP3001 @0x101 node here\n" +
		"warning SPC5002 @0x200 budget of 2 guards used up"
	if got := FormatShort(diags, true); got != want {
		t.Fatalf("unexpected output:\nwant:\n%s\n\ngot:\n%s", want, got)
	}
	if got := FormatShort(diags, false); strings.Contains(got, "note") {
		t.Fatalf("notes rendered without includeNotes:\n%s", got)
	}
}

func TestCodeIDs(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{IRInvalid, "IR1001"},
		{ScopeCapped, "SCP2001"},
		{DepBackEdge, "DEP3002"},
		{SchedModuloFallback, "SCH4002"},
		{SpecExcluded, "SPC5001"},
		{OptStale, "OPT6001"},
		{UnknownCode, "E0000"},
	}
	for _, tt := range tests {
		if got := tt.code.ID(); got != tt.want {
			t.Errorf("%d: got %s, want %s", tt.code, got, tt.want)
		}
	}
	if Code(9999).Title() != UnknownCode.Title() {
		t.Errorf("unknown code should fall back to the generic title")
	}
}

func TestBagLimitAndMerge(t *testing.T) {
	b := NewBag(2)
	for i := range 3 {
		b.Add(NewError(SpecDefect, ir.Site(i), "x"))
	}
	if b.Len() != 2 {
		t.Fatalf("bag holds %d, want 2", b.Len())
	}
	other := NewBag(4)
	other.Add(New(SevWarning, ScopeCapped, 1, "capped"))
	b.Merge(other)
	if b.Len() != 3 || b.Cap() != 3 {
		t.Fatalf("after merge len=%d cap=%d", b.Len(), b.Cap())
	}
	if !b.HasErrors() || !b.HasWarnings() {
		t.Fatalf("severity queries wrong")
	}
}

func TestBagSortAndDedup(t *testing.T) {
	b := NewBag(10)
	b.Add(New(SevInfo, SpecInfo, 3, "c"))
	b.Add(New(SevWarning, SpecBudget, 1, "a"))
	b.Add(New(SevError, SpecDefect, 1, "b"))
	b.Add(New(SevWarning, SpecBudget, 1, "a"))
	b.Dedup()
	b.Sort()
	items := b.Items()
	if len(items) != 3 {
		t.Fatalf("dedup kept %d, want 3", len(items))
	}
	if items[0].Code != SpecDefect || items[1].Code != SpecBudget || items[2].Code != SpecInfo {
		t.Fatalf("unexpected order: %v %v %v", items[0].Code, items[1].Code, items[2].Code)
	}
}

func TestDedupReporter(t *testing.T) {
	bag := NewBag(10)
	r := NewDedupReporter(BagReporter{Bag: bag})
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ReportWarning(r, OptStale, 7, "stale").WithNote(8, "gen 3").Emit()
		}()
	}
	wg.Wait()
	if bag.Len() != 1 {
		t.Fatalf("got %d diagnostics, want 1", bag.Len())
	}
	if n := bag.Items()[0].Notes; len(n) != 1 || n[0].Site != 8 {
		t.Fatalf("note lost: %+v", n)
	}
}

func TestPendingEmitsOnce(t *testing.T) {
	bag := NewBag(4)
	b := ReportInfo(BagReporter{Bag: bag}, SchedModuloFallback, 5, "fallback")
	b.Emit()
	b.Emit()
	if bag.Len() != 1 {
		t.Fatalf("emitted %d times", bag.Len())
	}
	var none *Pending
	if none.WithNote(1, "x") != nil {
		t.Fatalf("nil pending should stay nil")
	}
	none.Emit()
}
