// Package observ measures how long optimizer phases take.
package observ

import (
	"fmt"
	"strings"
	"time"
)

// Timer records the phases of one compile job in the order they ran. It
// is owned by the job and not safe for concurrent use.
type Timer struct {
	phases []PhaseStat
}

func NewTimer() *Timer { return &Timer{phases: make([]PhaseStat, 0, 6)} }

// Measure runs fn as the phase name and returns its error.
func (t *Timer) Measure(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	st := PhaseStat{Name: name, Total: time.Since(start), Runs: 1}
	st.Max = st.Total
	if err != nil {
		st.Failed = 1
	}
	t.phases = append(t.phases, st)
	return err
}

// Report returns a copy of what was measured so far.
func (t *Timer) Report() Report {
	var r Report
	for _, p := range t.phases {
		r.add(p)
	}
	return r
}

// PhaseStat is the time spent in one phase, possibly over several jobs.
type PhaseStat struct {
	Name   string        `json:"name"`
	Total  time.Duration `json:"total_ns"`
	Max    time.Duration `json:"max_ns"` // slowest single run
	Runs   int           `json:"runs"`
	Failed int           `json:"failed,omitempty"`
}

// Report sums phases by name, in the order they were first seen.
type Report struct {
	Total  time.Duration `json:"total_ns"`
	Phases []PhaseStat   `json:"phases"`
}

func (r *Report) add(p PhaseStat) {
	r.Total += p.Total
	for i := range r.Phases {
		q := &r.Phases[i]
		if q.Name == p.Name {
			q.Total += p.Total
			q.Max = max(q.Max, p.Max)
			q.Runs += p.Runs
			q.Failed += p.Failed
			return
		}
	}
	r.Phases = append(r.Phases, p)
}

// Add folds the phases of other into r. A batch sums its jobs this way.
func (r *Report) Add(other Report) {
	for _, p := range other.Phases {
		r.add(p)
	}
}

// Summary renders r as a table. Max is shown when a phase ran more than
// once.
func (r Report) Summary() string {
	var sb strings.Builder
	sb.WriteString("timings:\n")
	for _, p := range r.Phases {
		fmt.Fprintf(&sb, "  %-10s %9.3f ms", p.Name, ms(p.Total))
		if p.Runs > 1 {
			fmt.Fprintf(&sb, "  x%d, max %.3f ms", p.Runs, ms(p.Max))
		}
		if p.Failed > 0 {
			fmt.Fprintf(&sb, "  %d failed", p.Failed)
		}
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "  %-10s %9.3f ms\n", "total", ms(r.Total))
	return sb.String()
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
