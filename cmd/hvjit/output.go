package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"hvjit/internal/diag"
	"hvjit/internal/fixture"
	"hvjit/internal/ir"
	"hvjit/internal/observ"
	"hvjit/internal/optimizer"
)

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.Bold)
)

// printDiagnostics writes bag in the short format with the severity
// colored.
func printDiagnostics(out io.Writer, bag *diag.Bag, withNotes bool) {
	if bag == nil || bag.Len() == 0 {
		return
	}
	text := diag.FormatShort(bag.Items(), withNotes)
	for _, line := range strings.Split(text, "\n") {
		sev, rest, _ := strings.Cut(line, " ")
		switch sev {
		case "error":
			sev = errorColor.Sprint(sev)
		case "warning":
			sev = warningColor.Sprint(sev)
		default:
			sev = infoColor.Sprint(sev)
		}
		fmt.Fprintf(out, "%s %s\n", sev, rest)
	}
}

func printResult(out io.Writer, fx *fixture.Fixture, res *optimizer.Result, dump bool) {
	headerColor.Fprintf(out, "%s %s: %s scope, %s tier\n", fx.Name(res.Seed), res.Site, res.Level, res.Tier)
	blocks := make([]string, 0, res.Scope.Len())
	for _, id := range res.Scope.Blocks() {
		blocks = append(blocks, fx.Name(id))
	}
	fmt.Fprintf(out, "  blocks    %s\n", strings.Join(blocks, " "))
	fmt.Fprintf(out, "  graph     %d nodes, %d edges, critical path %d\n", res.Graph.Nodes, res.Graph.Edges, res.Graph.CriticalPath)
	sched := res.Schedule.Algorithm.String()
	if res.Schedule.Fallback() {
		sched += " (requested " + res.Schedule.Requested.String() + ")"
	}
	fmt.Fprintf(out, "  schedule  %s, %d cycles\n", sched, res.Schedule.Cycles)
	fmt.Fprintf(out, "  stats     %s\n", res.Stats)
	for _, r := range res.Speculations {
		fmt.Fprintf(out, "  bet       %s\n", r)
	}
	for _, sk := range res.Skipped {
		fmt.Fprintf(out, "  skipped   %s\n", sk)
	}
	if dump {
		for _, b := range res.Blocks {
			_ = ir.PrintBlock(out, fx.Unit, b)
		}
	}
}

func printTimings(out io.Writer, report observ.Report) {
	if len(report.Phases) == 0 {
		return
	}
	fmt.Fprint(out, report.Summary())
}
