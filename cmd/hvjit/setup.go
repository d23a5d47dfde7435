package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"hvjit/internal/config"
	"hvjit/internal/hostprof"
	"hvjit/internal/ir"
	"hvjit/internal/trace"
)

// loadConfig reads --config, or the nearest hvjit.toml, or the defaults,
// and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.File, error) {
	flags := cmd.Root().PersistentFlags()
	path, err := flags.GetString("config")
	if err != nil {
		return config.File{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path == "" {
		found, ok, err := config.FindFile(".")
		if err != nil {
			return config.File{}, err
		}
		if ok {
			path = found
		}
	}
	cfg := config.Default()
	if path != "" {
		if cfg, err = config.Load(path); err != nil {
			return config.File{}, err
		}
	}

	if n, err := flags.GetInt("max-diagnostics"); err == nil && n > 0 {
		cfg.Optimizer.MaxDiagnostics = n
	}
	if flags.Changed("trace") {
		cfg.Trace.Output, _ = flags.GetString("trace")
		if cfg.Trace.Level == trace.LevelOff && !flags.Changed("trace-level") {
			cfg.Trace.Level = trace.LevelPhase
		}
	}
	if flags.Changed("trace-level") {
		s, _ := flags.GetString("trace-level")
		if cfg.Trace.Level, err = trace.ParseLevel(s); err != nil {
			return config.File{}, err
		}
	}
	if flags.Changed("trace-mode") {
		cfg.Trace.Mode, _ = flags.GetString("trace-mode")
	}
	if flags.Changed("trace-format") {
		cfg.Trace.Format, _ = flags.GetString("trace-format")
	}
	if flags.Changed("trace-ring-size") {
		cfg.Trace.RingSize, _ = flags.GetInt("trace-ring-size")
	}
	if flags.Changed("trace-heartbeat") {
		d, _ := flags.GetDuration("trace-heartbeat")
		cfg.Trace.Heartbeat = d.String()
	}
	if err := cfg.Validate(); err != nil {
		return config.File{}, err
	}
	return cfg, nil
}

// setupTracing attaches the configured tracer to the command context. The
// returned cleanup flushes and closes it.
func setupTracing(cmd *cobra.Command, cfg config.Trace) (trace.Tracer, func(), error) {
	tc, err := cfg.Tracer()
	if err != nil {
		return nil, nil, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if tc.Level == trace.LevelOff {
		cmd.SetContext(trace.WithTracer(ctx, trace.Nop))
		return trace.Nop, func() {}, nil
	}

	tracer, err := trace.New(tc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	cmd.SetContext(trace.WithTracer(ctx, tracer))

	cleanup := func() {
		if err := tracer.Flush(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: flush error: %v\n", err)
		}
		if err := tracer.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "trace: close error: %v\n", err)
		}
	}
	return tracer, cleanup, nil
}

// setupColor resolves --color and configures fatih/color accordingly.
func setupColor(cmd *cobra.Command) error {
	colorFlag, err := cmd.Root().PersistentFlags().GetString("color")
	if err != nil {
		return err
	}
	switch colorFlag {
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	case "auto":
		color.NoColor = !isTerminal(os.Stdout)
	default:
		return fmt.Errorf("invalid --color value %q (expected auto|on|off)", colorFlag)
	}
	return nil
}

type session struct {
	cfg     config.File
	tracer  trace.Tracer
	quiet   bool
	timings bool
	cleanup func()
}

// dumpLane writes the ring-buffered trace of one failed seed to stderr.
func (s *session) dumpLane(cmd *cobra.Command, seed ir.Site) {
	ring, ok := trace.RingOf(s.tracer)
	if !ok {
		return
	}
	events := ring.Lane(seed)
	if len(events) == 0 {
		return
	}
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "trace of %s:\n", seed)
	if err := trace.Dump(w, events, trace.FormatText); err != nil {
		fmt.Fprintf(w, "trace: dump error: %v\n", err)
	}
}

// prepare runs the common setup of every compiling command.
func prepare(cmd *cobra.Command) (*session, error) {
	if err := setupColor(cmd); err != nil {
		return nil, err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	flags := cmd.Root().PersistentFlags()
	var paths hostprof.Paths
	paths.CPU, _ = flags.GetString("cpu-profile")
	paths.Heap, _ = flags.GetString("mem-profile")
	paths.Trace, _ = flags.GetString("runtime-trace")
	capture, err := hostprof.Start(paths)
	if err != nil {
		return nil, err
	}
	tracer, stopTracing, err := setupTracing(cmd, cfg.Trace)
	if err != nil {
		_ = capture.Stop()
		return nil, err
	}
	cleanup := func() {
		stopTracing()
		if err := capture.Stop(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "profiling: %v\n", err)
		}
	}
	quiet, _ := flags.GetBool("quiet")
	timings, _ := flags.GetBool("timings")
	return &session{cfg: cfg, tracer: tracer, quiet: quiet, timings: timings, cleanup: cleanup}, nil
}
