package ui

import (
	"errors"
	"math"
	"strings"
	"testing"

	"hvjit/internal/optimizer"
)

func TestApplyEvent(t *testing.T) {
	m := NewProgressModel("compile", []Job{{Seed: 0, Name: "f0"}, {Seed: 4, Name: "f1"}}, nil).(*progressModel)

	steps := []struct {
		ev     optimizer.Event
		status [2]string
		frac   float64
	}{
		{optimizer.Event{Seed: 0, Stage: optimizer.StageScope, Status: optimizer.StatusWorking}, [2]string{"scoping", "queued"}, 0.05},
		{optimizer.Event{Seed: 0, Stage: optimizer.StageSched, Status: optimizer.StatusDone}, [2]string{"scoping", "queued"}, 0.225},
		{optimizer.Event{Seed: 4, Stage: optimizer.StageScope, Status: optimizer.StatusError, Err: errors.New("boom")}, [2]string{"scoping", "error"}, 0.725},
		{optimizer.Event{Seed: 0, Stage: optimizer.StageCommit, Status: optimizer.StatusDone}, [2]string{"installed", "error"}, 1},
		// late events for a finished job are ignored
		{optimizer.Event{Seed: 4, Stage: optimizer.StageCommit, Status: optimizer.StatusWorking}, [2]string{"installed", "error"}, 1},
		{optimizer.Event{Seed: 9, Stage: optimizer.StageScope, Status: optimizer.StatusWorking}, [2]string{"installed", "error"}, 1},
	}
	for i, st := range steps {
		m.applyEvent(st.ev)
		for j, want := range st.status {
			if got := m.items[j].status; got != want {
				t.Fatalf("step %d: item %d status = %q, want %q", i, j, got, want)
			}
		}
		if got := m.fraction(); math.Abs(got-st.frac) > 1e-9 {
			t.Fatalf("step %d: fraction = %v, want %v", i, got, st.frac)
		}
	}
	if m.finished() != 2 {
		t.Fatalf("finished = %d", m.finished())
	}
}

func TestStaleIsFinal(t *testing.T) {
	m := NewProgressModel("compile", []Job{{Seed: 1, Name: "f"}}, nil).(*progressModel)
	m.applyEvent(optimizer.Event{Seed: 1, Stage: optimizer.StageCommit, Status: optimizer.StatusStale})
	if m.items[0].status != "stale" || !m.items[0].final {
		t.Fatalf("item = %+v", m.items[0])
	}
}

func TestViewListsJobs(t *testing.T) {
	m := NewProgressModel("compile", []Job{{Seed: 0, Name: "f0 entry"}, {Seed: 1, Name: strings.Repeat("x", 200)}}, nil).(*progressModel)
	m.done = true
	out := m.View()
	if !strings.Contains(out, "done: compile (0/2)") || !strings.Contains(out, "f0 entry") {
		t.Fatalf("view = %q", out)
	}
	if !strings.Contains(out, "...") {
		t.Fatal("long name was not truncated")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"abcdefghij", 8, "abcde..."},
		{"abcdef", 3, "abc"},
		{"abc", 0, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}
