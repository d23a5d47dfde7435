package main

import (
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"hvjit/internal/version"
)

var rootCmd = &cobra.Command{
	Use:          "hvjit",
	Short:        "Scope optimizer for a tiered binary translator",
	Long:         `hvjit grows optimization scopes around hot guest blocks, schedules them and guards every speculation with a deopt fallback`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version.Version

	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(deoptCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(scopesCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("config", "", "path to hvjit.toml (default: search upwards from the working directory)")
	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")
	rootCmd.PersistentFlags().Bool("timings", false, "show per-phase timings")
	rootCmd.PersistentFlags().Int("max-diagnostics", 0, "maximum number of diagnostics per job (0: from config)")
	rootCmd.PersistentFlags().String("trace", "", "trace output file (- for stderr)")
	rootCmd.PersistentFlags().String("trace-level", "", "trace level (off|error|phase|detail|debug)")
	rootCmd.PersistentFlags().String("trace-mode", "", "trace storage (stream|ring|both)")
	rootCmd.PersistentFlags().String("trace-format", "", "trace format (auto|text|ndjson|chrome)")
	rootCmd.PersistentFlags().Int("trace-ring-size", 0, "ring buffer size for ring mode")
	rootCmd.PersistentFlags().Duration("trace-heartbeat", 0, "heartbeat interval for batch compiles (0 disables)")
	rootCmd.PersistentFlags().String("cpu-profile", "", "write a CPU profile of hvjit itself")
	rootCmd.PersistentFlags().String("mem-profile", "", "write a heap profile of hvjit itself on exit")
	rootCmd.PersistentFlags().String("runtime-trace", "", "write a Go execution trace of hvjit itself")
}

// main runs the root command. A failing command exits with status 1.
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
