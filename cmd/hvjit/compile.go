package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hvjit/internal/deopt"
	"hvjit/internal/fixture"
	"hvjit/internal/ir"
	"hvjit/internal/observ"
	"hvjit/internal/optimizer"
	"hvjit/internal/profile"
	"hvjit/internal/scope"
)

var compileCmd = &cobra.Command{
	Use:   "compile [flags] FILE",
	Short: "Compile the seeds of a fixture one by one",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompile,
}

func init() {
	compileCmd.Flags().StringArray("seed", nil, "seed block as func.label (repeatable; default: the fixture's seeds)")
	compileCmd.Flags().Bool("dump", false, "print the emitted blocks")
	compileCmd.Flags().Bool("notes", false, "include diagnostic notes")
	compileCmd.Flags().String("profile", "", "use a saved profile snapshot instead of the fixture's annotations")
	compileCmd.Flags().String("store", "", "record compiled scopes in this file")
	compileCmd.Flags().StringArray("exclude", nil, "speculation to leave out, as kind@site (repeatable)")
	compileCmd.Flags().String("history", "", "deopt failure history; permanently excluded speculations stay out")
}

func runCompile(cmd *cobra.Command, args []string) error {
	s, err := prepare(cmd)
	if err != nil {
		return err
	}
	defer s.cleanup()

	fx, err := fixture.Load(args[0])
	if err != nil {
		return err
	}
	profilePath, _ := cmd.Flags().GetString("profile")
	src, err := loadProfile(fx, profilePath)
	if err != nil {
		return err
	}
	names, _ := cmd.Flags().GetStringArray("seed")
	seeds, err := resolveSeeds(fx, names)
	if err != nil {
		return err
	}
	storePath, _ := cmd.Flags().GetString("store")
	store, err := openStore(storePath)
	if err != nil {
		return err
	}
	dump, _ := cmd.Flags().GetBool("dump")
	notes, _ := cmd.Flags().GetBool("notes")

	excludeFlags, _ := cmd.Flags().GetStringArray("exclude")
	excluded, err := parseKeys(excludeFlags)
	if err != nil {
		return err
	}
	manager := deopt.NewManager(nil)
	historyPath, _ := cmd.Flags().GetString("history")
	if err := loadHistory(manager, historyPath); err != nil {
		return err
	}

	o, err := optimizer.New(s.cfg.Optimizer, manager, optimizer.WithStore(store))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var timings observ.Report
	failed := 0
	for _, seed := range seeds {
		req := optimizer.Request{Unit: fx.Unit, Seed: seed, Excluded: excluded}
		res, err := o.Compile(cmd.Context(), src, req)
		if err == nil {
			err = o.Commit(src, res)
		}
		if res != nil {
			if !s.quiet {
				printResult(out, fx, res, dump)
			}
			printDiagnostics(out, res.Diagnostics, notes)
			timings.Add(res.Timings)
		}
		var je *optimizer.JobError
		if errors.As(err, &je) {
			printDiagnostics(out, je.Diagnostics, notes)
		}
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", fx.Name(seed), err)
			s.dumpLane(cmd, fx.Unit.Block(seed).Site)
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
		return fmt.Errorf("%d of %d seeds failed", failed, len(seeds))
	}
	return nil
}

func loadProfile(fx *fixture.Fixture, path string) (profile.Source, error) {
	if path == "" {
		return fx.Profile, nil
	}
	snap, err := profile.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return profile.Restore(snap)
}

func resolveSeeds(fx *fixture.Fixture, names []string) ([]ir.BlockID, error) {
	if len(names) == 0 {
		return fx.Seeds, nil
	}
	seeds := make([]ir.BlockID, 0, len(names))
	for _, n := range names {
		id, ok := fx.Lookup(n)
		if !ok {
			return nil, fmt.Errorf("unknown seed %q", n)
		}
		seeds = append(seeds, id)
	}
	return seeds, nil
}

// openStore loads path when it exists so records accumulate across runs.
func openStore(path string) (*scope.Store, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return scope.NewStore(), nil
	}
	return scope.LoadStoreFile(path)
}
