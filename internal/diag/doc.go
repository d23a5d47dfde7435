// Package diag holds the findings of a compile job.
//
// A Diagnostic has a Severity, a Code, a message and the ir.Site it is
// about, plus optional notes at other sites. Codes are grouped by phase,
// a thousand each: IR, SCP, DEP, SCH, SPC and OPT (see codes.go).
//
// Most findings are not failures. A capped scope, an excluded speculation
// or an exhausted guard budget are warnings or info so a caller can see
// why the output looks the way it does.
//
// Phases report through a Reporter:
//
//	diag.ReportWarning(rep, diag.SpecBudget, site, msg).WithNote(other, "here").Emit()
//
// BagReporter collects into a bounded Bag; DedupReporter drops repeats on
// the way. FormatShort renders a bag one line per finding.
package diag
