// Package profile exposes runtime profile data to the optimizer.
//
// Counters are collected by the execution tiers and read by compile
// jobs concurrently. Reads are never synchronized with writers beyond
// relaxed atomics: a compile works from whatever it observes and the
// generation counter decides later whether the result is still fresh.
package profile

import (
	"cmp"
	"slices"

	"hvjit/internal/ir"
)

// Bias holds the outcome counts of a conditional branch.
type Bias struct {
	Taken    uint64
	NotTaken uint64
}

// Total is the number of observed executions.
func (b Bias) Total() uint64 { return b.Taken + b.NotTaken }

// TakenProb is the fraction of executions that took the branch.
func (b Bias) TakenProb() float64 {
	if b.Total() == 0 {
		return 0
	}
	return float64(b.Taken) / float64(b.Total())
}

// Dominant returns the more frequent direction and its probability.
func (b Bias) Dominant() (taken bool, prob float64) {
	p := b.TakenProb()
	if p >= 0.5 {
		return true, p
	}
	return false, 1 - p
}

// TargetCount is one entry of a call-target histogram.
type TargetCount struct {
	Callee ir.FuncID
	Count  uint64
}

// ValueCount is one entry of a value histogram. Type tags observed at
// typeof sites are recorded as values.
type ValueCount struct {
	Value int64
	Count uint64
}

// Source is the read side of the profile. Every query tolerates absent
// data: unknown sites report ok=false or an empty histogram.
type Source interface {
	BranchBias(site ir.Site) (Bias, bool)
	CallTargets(site ir.Site) []TargetCount
	ValueHistogram(site ir.Site) []ValueCount
	Hotness(site ir.Site) (uint64, bool)
	// Generation increases whenever the profile has moved enough to
	// invalidate decisions made against an older view.
	Generation() uint64
}

// DominantTarget returns the most frequent callee, its share of all calls
// and the total number of samples.
func DominantTarget(hist []TargetCount) (ir.FuncID, float64, uint64) {
	var total uint64
	best := -1
	for i, tc := range hist {
		total += tc.Count
		if best < 0 || tc.Count > hist[best].Count || (tc.Count == hist[best].Count && tc.Callee < hist[best].Callee) {
			best = i
		}
	}
	if best < 0 || total == 0 {
		return ir.NoFunc, 0, 0
	}
	return hist[best].Callee, float64(hist[best].Count) / float64(total), total
}

// DominantValue returns the most frequent value, its share and the total.
func DominantValue(hist []ValueCount) (int64, float64, uint64) {
	var total uint64
	best := -1
	for i, vc := range hist {
		total += vc.Count
		if best < 0 || vc.Count > hist[best].Count || (vc.Count == hist[best].Count && vc.Value < hist[best].Value) {
			best = i
		}
	}
	if best < 0 || total == 0 {
		return 0, 0, 0
	}
	return hist[best].Value, float64(hist[best].Count) / float64(total), total
}

// CoveringTargets returns the fewest most frequent callees, at most n,
// whose calls make up at least share of all calls, together with their
// combined share and the total. ok is false when n callees fall short.
func CoveringTargets(hist []TargetCount, n int, share float64) (callees []ir.FuncID, covered float64, total uint64, ok bool) {
	sorted := slices.Clone(hist)
	sortTargets(sorted)
	for _, tc := range sorted {
		total += tc.Count
	}
	if total == 0 {
		return nil, 0, 0, false
	}
	var sum uint64
	for _, tc := range sorted {
		if len(callees) == n {
			break
		}
		callees = append(callees, tc.Callee)
		sum += tc.Count
		covered = float64(sum) / float64(total)
		if covered >= share {
			return callees, covered, total, true
		}
	}
	return callees, covered, total, false
}

// TightRange returns the inclusive range [lo, hi], no more than span
// wide, that covers the most samples, with that share and the total.
// Ties go to the narrower range.
func TightRange(hist []ValueCount, span uint64) (lo, hi int64, share float64, total uint64) {
	vals := slices.Clone(hist)
	slices.SortFunc(vals, func(a, b ValueCount) int { return cmp.Compare(a.Value, b.Value) })
	var sum, best uint64
	l := 0
	for _, vc := range vals {
		total += vc.Count
		sum += vc.Count
		// values are sorted, so the unsigned difference is exact
		for uint64(vc.Value)-uint64(vals[l].Value) > span {
			sum -= vals[l].Count
			l++
		}
		if sum > best || (sum == best && uint64(vc.Value)-uint64(vals[l].Value) < uint64(hi)-uint64(lo)) {
			best, lo, hi = sum, vals[l].Value, vc.Value
		}
	}
	if total == 0 {
		return 0, 0, 0, 0
	}
	return lo, hi, float64(best) / float64(total), total
}

func sortTargets(hist []TargetCount) {
	slices.SortFunc(hist, func(a, b TargetCount) int {
		if a.Count != b.Count {
			return cmp.Compare(b.Count, a.Count)
		}
		return cmp.Compare(a.Callee, b.Callee)
	})
}

func sortValues(hist []ValueCount) {
	slices.SortFunc(hist, func(a, b ValueCount) int {
		if a.Count != b.Count {
			return cmp.Compare(b.Count, a.Count)
		}
		return cmp.Compare(a.Value, b.Value)
	})
}
