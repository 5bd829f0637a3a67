package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compactWatermark uint64

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Delete acknowledged tombstones",
	Long: `Compact deletes every tombstone whose db_version is strictly below the
watermark. The watermark must be the minimum db_version acknowledged by
every peer: compacting past a lagging peer lets deleted records resurrect
on its next sync.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		eng, err := openTracked(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		n, err := eng.Compact(cmd.Context(), compactWatermark)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d tombstones below watermark %d\n", n, compactWatermark)
		return nil
	},
}

func init() {
	compactCmd.Flags().Uint64Var(&compactWatermark, "watermark", 0, "minimum db_version acknowledged by every peer (required)")
	_ = compactCmd.MarkFlagRequired("watermark")
	rootCmd.AddCommand(compactCmd)
}
