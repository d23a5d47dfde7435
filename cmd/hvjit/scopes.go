package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"hvjit/internal/scope"
)

var scopesCmd = &cobra.Command{
	Use:   "scopes STORE",
	Short: "List the scopes recorded by compile --store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := scope.LoadStoreFile(args[0])
		if err != nil {
			return err
		}
		printStore(cmd.OutOrStdout(), store)
		return nil
	},
}

func printStore(out io.Writer, store *scope.Store) {
	for _, r := range store.Records() {
		level := r.Level.String()
		if r.Capped {
			level += " (wanted " + r.Wanted.String() + ")"
		}
		headerColor.Fprintf(out, "%s %s\n", r.Seed, level)
		sites := make([]string, len(r.Blocks))
		for i, s := range r.Blocks {
			sites[i] = s.String()
		}
		fmt.Fprintf(out, "  blocks  %s\n", strings.Join(sites, " "))
		fmt.Fprintf(out, "  instrs  %d, profile generation %d\n", r.InstrCount, r.ProfileGen)
		fmt.Fprintf(out, "  graph   %d nodes, %d edges (%d memory), critical path %d\n",
			r.Graph.Nodes, r.Graph.Edges, r.Graph.MemoryEdges, r.Graph.CriticalPath)
		for _, d := range r.Devirt {
			fmt.Fprintf(out, "  devirt  %s -> %s %.1f%%\n", d.Site, d.Callee, 100*d.Confidence)
		}
	}
}
