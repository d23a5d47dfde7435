package diag

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"hvjit/internal/ir"
)

// line is one rendered row of FormatShort.
type line struct {
	label string
	code  Code
	site  ir.Site
	msg   string
}

// FormatShort renders one line per diagnostic,
//
//	<severity> <code> <site> <message>
//
// ordered by site, then label, code and message. With notes set, each
// note follows as a "note" line at its own site.
func FormatShort(diags []*Diagnostic, notes bool) string {
	var rows []line
	for _, d := range diags {
		if d == nil {
			continue
		}
		rows = append(rows, line{d.Severity.String(), d.Code, d.Primary, oneLine(d.Message)})
		if !notes {
			continue
		}
		for _, n := range d.Notes {
			rows = append(rows, line{"note", d.Code, n.Site, oneLine(n.Msg)})
		}
	}
	slices.SortStableFunc(rows, func(a, b line) int {
		return cmp.Or(
			cmp.Compare(a.site, b.site),
			strings.Compare(a.label, b.label),
			cmp.Compare(a.code, b.code),
			strings.Compare(a.msg, b.msg),
		)
	})
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = fmt.Sprintf("%s %s %s %s", r.label, r.code.ID(), r.site, r.msg)
	}
	return strings.Join(out, "\n")
}

// oneLine folds whitespace runs, line breaks included, into single spaces.
func oneLine(msg string) string {
	return strings.Join(strings.Fields(msg), " ")
}
