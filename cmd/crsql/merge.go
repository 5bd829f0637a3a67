package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sinkingsugar/crdt-sqlite/internal/wire"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <file.jsonl>...",
	Short: "Apply change logs from peers",
	Long: `Merge reads one or more JSON-lines change logs (as produced by
"crsql changes") and applies them with column-granular last-writer-wins
resolution. The accepted count per file tells you how many changes won
against local state; losing changes are normal and mean local writes were
newer.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openTracked(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		for _, path := range args {
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("opening %s: %w", path, err)
			}
			changes, err := wire.Read(f)
			_ = f.Close()
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			accepted, err := eng.Merge(cmd.Context(), changes)
			if err != nil {
				return fmt.Errorf("merging %s: %w", path, err)
			}
			fmt.Printf("%s: applied %d of %d changes\n", path, len(accepted), len(changes))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}
