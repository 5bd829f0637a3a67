package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sinkingsugar/crdt-sqlite/internal/config"
)

var enableCmd = &cobra.Command{
	Use:   "enable <table>",
	Short: "Enable replication on a table",
	Long: `Enable installs the shadow metadata tables and capture triggers on the
given table. The table must already exist. Enabling is idempotent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		if err := eng.Enable(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Replication enabled on %q in %s (node %d)\n",
			args[0], config.GetString("db"), eng.NodeID())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(enableCmd)
}
