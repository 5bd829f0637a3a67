package main

import (
	"fmt"

	"github.com/spf13/cobra"

	crdtsqlite "github.com/sinkingsugar/crdt-sqlite"
	"github.com/sinkingsugar/crdt-sqlite/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "crsql",
	Short:         "CRDT replication tooling for SQLite databases",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		// Flags override config file and environment when set.
		for _, key := range []string{"db", "node", "table"} {
			if f := cmd.Flags().Lookup(key); f != nil {
				if err := config.BindFlag(key, f); err != nil {
					return err
				}
			}
		}
		return nil
	},
}

var useBlobIDs bool

func init() {
	rootCmd.PersistentFlags().String("db", "", "database file (default crsql.db, env CRSQL_DB)")
	rootCmd.PersistentFlags().Uint64("node", 0, "node identifier of this replica (env CRSQL_NODE)")
	rootCmd.PersistentFlags().String("table", "", "replicated table (env CRSQL_TABLE)")
	rootCmd.PersistentFlags().BoolVar(&useBlobIDs, "blob-ids", false, "use 16-byte opaque record ids instead of rowids")
}

// openEngine opens the configured database. Commands that operate on the
// replicated table call openTracked instead.
func openEngine() (*crdtsqlite.Engine, error) {
	node := config.GetUint64("node")
	if node == 0 {
		return nil, fmt.Errorf("a nonzero --node (or CRSQL_NODE) is required")
	}
	var opts []crdtsqlite.Option
	if useBlobIDs {
		opts = append(opts, crdtsqlite.WithBlobIDs())
	}
	eng, err := crdtsqlite.Open(config.GetString("db"), node, opts...)
	if err != nil {
		return nil, err
	}
	return eng, nil
}

// openTracked opens the database and enables replication on the configured
// table. Enable is idempotent, so this doubles as "attach to an already
// replicated table" on every invocation.
func openTracked(cmd *cobra.Command) (*crdtsqlite.Engine, error) {
	table := config.GetString("table")
	if table == "" {
		return nil, fmt.Errorf("a --table (or CRSQL_TABLE) is required")
	}
	eng, err := openEngine()
	if err != nil {
		return nil, err
	}
	if err := eng.Enable(cmd.Context(), table); err != nil {
		_ = eng.Close()
		return nil, err
	}
	return eng, nil
}
