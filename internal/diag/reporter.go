package diag

import (
	"sync"

	"hvjit/internal/ir"
)

// Reporter receives the diagnostics of a compile job.
type Reporter interface {
	Report(d *Diagnostic)
}

// Pending is a diagnostic being assembled. Emit hands it to the reporter
// once; later calls do nothing.
type Pending struct {
	to   Reporter
	d    *Diagnostic
	sent bool
}

func report(r Reporter, sev Severity, code Code, site ir.Site, msg string) *Pending {
	return &Pending{to: r, d: New(sev, code, site, msg)}
}

func ReportError(r Reporter, code Code, site ir.Site, msg string) *Pending {
	return report(r, SevError, code, site, msg)
}

func ReportWarning(r Reporter, code Code, site ir.Site, msg string) *Pending {
	return report(r, SevWarning, code, site, msg)
}

func ReportInfo(r Reporter, code Code, site ir.Site, msg string) *Pending {
	return report(r, SevInfo, code, site, msg)
}

// WithNote attaches a secondary site.
func (p *Pending) WithNote(site ir.Site, msg string) *Pending {
	if p != nil {
		p.d.Notes = append(p.d.Notes, Note{Site: site, Msg: msg})
	}
	return p
}

func (p *Pending) Emit() {
	if p == nil || p.sent {
		return
	}
	p.sent = true
	if p.to != nil {
		p.to.Report(p.d)
	}
}

// BagReporter adds to Bag, dropping diagnostics once it is full.
type BagReporter struct{ Bag *Bag }

func (r BagReporter) Report(d *Diagnostic) {
	if r.Bag != nil {
		r.Bag.Add(d)
	}
}

type dedupKey struct {
	code Code
	sev  Severity
	site ir.Site
	msg  string
}

// DedupReporter forwards the first of several identical diagnostics. The
// same speculation can be rejected once per block of a region; the user
// needs to hear it once.
type DedupReporter struct {
	next Reporter
	mu   sync.Mutex
	seen map[dedupKey]bool
}

func NewDedupReporter(next Reporter) *DedupReporter {
	return &DedupReporter{next: next, seen: make(map[dedupKey]bool)}
}

func (r *DedupReporter) Report(d *Diagnostic) {
	if r == nil || d == nil {
		return
	}
	k := dedupKey{d.Code, d.Severity, d.Primary, d.Message}
	r.mu.Lock()
	dup := r.seen[k]
	r.seen[k] = true
	r.mu.Unlock()
	if !dup && r.next != nil {
		r.next.Report(d)
	}
}
