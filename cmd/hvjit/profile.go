package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"hvjit/internal/fixture"
	"hvjit/internal/profile"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Save, inspect and merge profile snapshots",
}

var profileDumpCmd = &cobra.Command{
	Use:   "dump FILE",
	Short: "Write the profile annotated in a fixture as a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			return errors.New("missing --output")
		}
		fx, err := fixture.Load(args[0])
		if err != nil {
			return err
		}
		return fx.Profile.Snapshot().SaveFile(out)
	},
}

var profileShowCmd = &cobra.Command{
	Use:   "show SNAPSHOT",
	Short: "Print a profile snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := profile.LoadFile(args[0])
		if err != nil {
			return err
		}
		printSnapshot(cmd.OutOrStdout(), snap)
		return nil
	},
}

var profileMergeCmd = &cobra.Command{
	Use:   "merge SNAPSHOT...",
	Short: "Sum several snapshots into one",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")
		if out == "" {
			return errors.New("missing --output")
		}
		merged, err := profile.LoadFile(args[0])
		if err != nil {
			return err
		}
		for _, path := range args[1:] {
			snap, err := profile.LoadFile(path)
			if err != nil {
				return err
			}
			if err := merged.Merge(snap); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
		return merged.SaveFile(out)
	},
}

func init() {
	profileDumpCmd.Flags().StringP("output", "o", "", "snapshot file to write")
	profileMergeCmd.Flags().StringP("output", "o", "", "snapshot file to write")
	profileCmd.AddCommand(profileDumpCmd, profileShowCmd, profileMergeCmd)
}

func printSnapshot(out io.Writer, snap *profile.Snapshot) {
	headerColor.Fprintf(out, "profile generation %d\n", snap.Generation)
	for _, b := range snap.Blocks {
		fmt.Fprintf(out, "  block  %s  %d\n", b.Site, b.Count)
	}
	for _, b := range snap.Branches {
		fmt.Fprintf(out, "  branch %s  %d:%d\n", b.Site, b.Taken, b.NotTaken)
	}
	for _, c := range snap.Calls {
		fmt.Fprintf(out, "  calls  %s ", c.Site)
		for _, t := range c.Targets {
			fmt.Fprintf(out, " %s:%d", t.Callee, t.Count)
		}
		fmt.Fprintln(out)
	}
	for _, v := range snap.Values {
		fmt.Fprintf(out, "  values %s ", v.Site)
		for _, c := range v.Values {
			fmt.Fprintf(out, " %d:%d", c.Value, c.Count)
		}
		fmt.Fprintln(out)
	}
}
