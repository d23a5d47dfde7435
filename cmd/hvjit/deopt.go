package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"hvjit/internal/deopt"
	"hvjit/internal/fixture"
	"hvjit/internal/ir"
	"hvjit/internal/optimizer"
)

var deoptCmd = &cobra.Command{
	Use:   "deopt [flags] FILE",
	Short: "Compile a seed, fail some of its guards and recompile",
	Long: `deopt compiles one seed, forces the guards named by --fail down their
fallback path and serves the recompilation requests that follow. With
--history the failure counts persist across runs, so a speculation that
keeps failing ends up excluded for good.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeopt,
}

func init() {
	deoptCmd.Flags().String("seed", "", "seed block as func.label (default: the fixture's first seed)")
	deoptCmd.Flags().StringArray("fail", nil, "speculation to fail, as kind@site (repeatable; default: every guard)")
	deoptCmd.Flags().Int("rounds", 1, "how many times to fail and recompile")
	deoptCmd.Flags().String("history", "", "failure history file to load and update")
}

func runDeopt(cmd *cobra.Command, args []string) error {
	s, err := prepare(cmd)
	if err != nil {
		return err
	}
	defer s.cleanup()

	fx, err := fixture.Load(args[0])
	if err != nil {
		return err
	}
	seedName, _ := cmd.Flags().GetString("seed")
	var names []string
	if seedName != "" {
		names = []string{seedName}
	}
	seeds, err := resolveSeeds(fx, names)
	if err != nil {
		return err
	}
	if len(seeds) == 0 {
		return errors.New("fixture has no seeds")
	}
	seed := seeds[0]
	failFlags, _ := cmd.Flags().GetStringArray("fail")
	keys, err := parseKeys(failFlags)
	if err != nil {
		return err
	}
	rounds, _ := cmd.Flags().GetInt("rounds")
	historyPath, _ := cmd.Flags().GetString("history")

	q := deopt.NewQueue()
	manager := deopt.NewManager(q)
	if err := loadHistory(manager, historyPath); err != nil {
		return err
	}
	o, err := optimizer.New(s.cfg.Optimizer, manager)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	res, err := o.Recompile(ctx, fx.Profile, fx.Unit, seed, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", fx.Name(seed), err)
	}
	if !s.quiet {
		printResult(out, fx, res, false)
	}
	for round := 1; round <= rounds; round++ {
		failed, err := failGuards(out, manager, seed, keys)
		if err != nil {
			return err
		}
		if failed == 0 {
			fmt.Fprintf(out, "round %d: no guard left to fail\n", round)
			break
		}
		if err := serveQueue(ctx, out, o, fx, q); err != nil {
			return err
		}
	}

	st := manager.Stats()
	headerColor.Fprintf(out, "deopt stats\n")
	fmt.Fprintf(out, "  installed %d, triggers %d, recompiles %d, permanent %d\n",
		st.Installed, st.Triggers, st.Recompiles, st.Permanent)
	for _, k := range manager.Exclusions(seed) {
		fmt.Fprintf(out, "  excluded  %s\n", k)
	}
	if historyPath != "" {
		return manager.History().SaveFile(historyPath)
	}
	return nil
}

func parseKeys(flags []string) ([]deopt.Key, error) {
	keys := make([]deopt.Key, 0, len(flags))
	for _, f := range flags {
		k, err := deopt.ParseKey(f)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func loadHistory(m *deopt.Manager, path string) error {
	if path == "" {
		return nil
	}
	h, err := deopt.LoadHistoryFile(path)
	if err != nil {
		return err
	}
	return m.Restore(h)
}

// failGuards runs every selected guard of block's installed table on a
// register file that contradicts it. Keys without a guard are skipped;
// the speculation may have been excluded already.
func failGuards(out io.Writer, m *deopt.Manager, block ir.BlockID, keys []deopt.Key) (int, error) {
	tab, ok := m.Table(block)
	if !ok {
		return 0, fmt.Errorf("%s: no guard table installed", block)
	}
	var guards []*deopt.Guard
	if len(keys) == 0 {
		guards = tab.Guards()
	} else {
		for _, k := range keys {
			if g, ok := tab.Lookup(k); ok {
				guards = append(guards, g)
			}
		}
	}
	failed := 0
	for _, g := range guards {
		if g.State() == deopt.StateTriggered {
			continue
		}
		cont, ok := g.Check(g.Cond.Counterexample())
		if ok {
			continue
		}
		failed++
		fmt.Fprintf(out, "%s %s %s (%s): resume at %s\n",
			warningColor.Sprint("failed"), g.ID, g.Key, g.Reason, cont)
	}
	return failed, nil
}

// serveQueue recompiles every pending request once.
func serveQueue(ctx context.Context, out io.Writer, o *optimizer.Optimizer, fx *fixture.Fixture, q *deopt.Queue) error {
	for _, req := range q.Drain() {
		fmt.Fprintf(out, "%s %s\n", infoColor.Sprint("recompile"), req)
		res, err := o.Recompile(ctx, fx.Profile, fx.Unit, req.Block, req.Excluded)
		if err != nil {
			return fmt.Errorf("recompile %s: %w", fx.Name(req.Block), err)
		}
		printResult(out, fx, res, false)
	}
	return nil
}
