package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"hvjit/internal/deopt"
	"hvjit/internal/fixture"
	"hvjit/internal/observ"
	"hvjit/internal/optimizer"
	"hvjit/internal/profile"
	"hvjit/internal/ui"
)

var batchCmd = &cobra.Command{
	Use:   "batch [flags] FILE",
	Short: "Compile every seed of a fixture concurrently",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch,
}

func init() {
	batchCmd.Flags().Int("workers", 0, "concurrent compiles (0: from config, then GOMAXPROCS)")
	batchCmd.Flags().String("ui", "auto", "progress UI (auto|on|off)")
	batchCmd.Flags().String("profile", "", "use a saved profile snapshot instead of the fixture's annotations")
	batchCmd.Flags().String("store", "", "record compiled scopes in this file")
	batchCmd.Flags().String("history", "", "deopt failure history; permanently excluded speculations stay out")
}

func runBatch(cmd *cobra.Command, args []string) error {
	s, err := prepare(cmd)
	if err != nil {
		return err
	}
	defer s.cleanup()

	uiFlag, _ := cmd.Flags().GetString("ui")
	useUI, err := progressUI(uiFlag, s.quiet, isTerminal(os.Stdout))
	if err != nil {
		return err
	}
	fx, err := fixture.Load(args[0])
	if err != nil {
		return err
	}
	profilePath, _ := cmd.Flags().GetString("profile")
	src, err := loadProfile(fx, profilePath)
	if err != nil {
		return err
	}
	storePath, _ := cmd.Flags().GetString("store")
	store, err := openStore(storePath)
	if err != nil {
		return err
	}
	cfg := s.cfg.Optimizer
	if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
		cfg.Workers = n
	}
	tc, _ := s.cfg.Trace.Tracer()
	manager := deopt.NewManager(nil)
	historyPath, _ := cmd.Flags().GetString("history")
	if err := loadHistory(manager, historyPath); err != nil {
		return err
	}

	reqs := make([]optimizer.Request, 0, len(fx.Seeds))
	jobs := make([]ui.Job, 0, len(fx.Seeds))
	for _, seed := range fx.Seeds {
		reqs = append(reqs, optimizer.Request{Unit: fx.Unit, Seed: seed})
		jobs = append(jobs, ui.Job{Seed: seed, Name: fx.Name(seed)})
	}

	opts := []optimizer.Option{optimizer.WithStore(store), optimizer.WithHeartbeat(tc.Heartbeat)}
	var outcomes []optimizer.Outcome
	if useUI {
		outcomes, err = runBatchWithUI(cmd.Context(), "hvjit batch", jobs, cfg, manager, src, reqs, opts)
		if err != nil {
			return err
		}
	} else {
		o, err := optimizer.New(cfg, manager, opts...)
		if err != nil {
			return err
		}
		outcomes = o.CompileAll(cmd.Context(), src, reqs)
	}

	out := cmd.OutOrStdout()
	var timings observ.Report
	failed, stale := 0, 0
	for _, oc := range outcomes {
		name := fx.Name(oc.Request.Seed)
		switch {
		case oc.Stale():
			stale++
			fmt.Fprintf(out, "%s %s: %v\n", warningColor.Sprint("stale"), name, oc.Err)
		case oc.Err != nil:
			failed++
			fmt.Fprintf(out, "%s %s: %v\n", errorColor.Sprint("failed"), name, oc.Err)
			var je *optimizer.JobError
			if errors.As(oc.Err, &je) {
				printDiagnostics(out, je.Diagnostics, false)
			}
			s.dumpLane(cmd, fx.Unit.Block(oc.Request.Seed).Site)
		case !s.quiet:
			res := oc.Result
			fmt.Fprintf(out, "%s %s: %s scope, %s\n", infoColor.Sprint("ok"), name, res.Level, res.Stats)
		}
		if oc.Result != nil {
			timings.Add(oc.Result.Timings)
		}
	}
	if s.timings {
		printTimings(out, timings)
	}
	if storePath != "" {
		if err := store.SaveFile(storePath); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d seeds failed, %d stale", failed, len(reqs), stale)
	}
	return nil
}

// progressUI decides whether batch draws the Bubble Tea progress view.
// auto draws it on a terminal; quiet never draws it.
func progressUI(flag string, quiet, tty bool) (bool, error) {
	var on bool
	switch strings.ToLower(strings.TrimSpace(flag)) {
	case "", "auto":
		on = tty
	case "on":
		on = true
	case "off":
	default:
		return false, fmt.Errorf("invalid --ui value %q (expected auto|on|off)", flag)
	}
	return on && !quiet, nil
}

// runBatchWithUI runs CompileAll while a Bubble Tea program renders its
// progress events.
func runBatchWithUI(ctx context.Context, title string, jobs []ui.Job, cfg optimizer.Config, manager *deopt.Manager, src profile.Source, reqs []optimizer.Request, opts []optimizer.Option) ([]optimizer.Outcome, error) {
	events := make(chan optimizer.Event, 256)
	o, err := optimizer.New(cfg, manager, append(opts, optimizer.WithProgress(optimizer.ChannelSink{Ch: events}))...)
	if err != nil {
		return nil, err
	}
	outcomeCh := make(chan []optimizer.Outcome, 1)
	go func() {
		outcomeCh <- o.CompileAll(ctx, src, reqs)
		close(events)
	}()

	program := tea.NewProgram(ui.NewProgressModel(title, jobs, events), tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	if uiErr != nil {
		// keep draining so the workers are not blocked on a full channel
		go func() {
			for range events {
			}
		}()
	}
	outcomes := <-outcomeCh
	return outcomes, uiErr
}
