package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sinkingsugar/crdt-sqlite/internal/wire"
)

var (
	changesSince   uint64
	changesExclude []string
	changesMax     int
	changesOut     string
)

func parseNodeIDs(raw []string) ([]uint64, error) {
	nodes := make([]uint64, 0, len(raw))
	for _, s := range raw {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid node id %q: %w", s, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Extract changes since a cursor as JSON lines",
	Long: `Changes writes every change whose local version exceeds --since, oldest
first, as one JSON object per line. Feed the output to "crsql merge" on a
peer, then advance the peer's cursor to the highest local_db_version it has
applied.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		eng, err := openTracked(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		excluded, err := parseNodeIDs(changesExclude)
		if err != nil {
			return err
		}
		changes, err := eng.ChangesSince(cmd.Context(), changesSince, excluded, changesMax)
		if err != nil {
			return err
		}

		out := os.Stdout
		if changesOut != "" {
			f, err := os.Create(changesOut)
			if err != nil {
				return fmt.Errorf("creating %s: %w", changesOut, err)
			}
			defer func() { _ = f.Close() }()
			out = f
		}
		if err := wire.Write(out, changes); err != nil {
			return err
		}
		if changesOut != "" {
			fmt.Fprintf(os.Stderr, "Wrote %d changes to %s\n", len(changes), changesOut)
		}
		return nil
	},
}

func init() {
	changesCmd.Flags().Uint64Var(&changesSince, "since", 0, "cursor: only changes with local_db_version above this")
	changesCmd.Flags().StringSliceVar(&changesExclude, "exclude", nil, "node ids whose changes to skip (max 100)")
	changesCmd.Flags().IntVar(&changesMax, "max", 0, "bound the result length (0 = unbounded)")
	changesCmd.Flags().StringVarP(&changesOut, "output", "o", "", "write to file instead of stdout")
	rootCmd.AddCommand(changesCmd)
}
