package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/sinkingsugar/crdt-sqlite/internal/config"
)

var statusFormat string

// statusReport is what "crsql status" prints.
type statusReport struct {
	Database   string `json:"database" yaml:"database"`
	NodeID     uint64 `json:"node_id" yaml:"node_id"`
	Table      string `json:"table" yaml:"table"`
	Clock      uint64 `json:"clock" yaml:"clock"`
	Tombstones int64  `json:"tombstones" yaml:"tombstones"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replication state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		eng, err := openTracked(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = eng.Close() }()

		clock, err := eng.Clock(cmd.Context())
		if err != nil {
			return err
		}
		tombstones, err := eng.TombstoneCount(cmd.Context())
		if err != nil {
			return err
		}
		report := statusReport{
			Database:   config.GetString("db"),
			NodeID:     eng.NodeID(),
			Table:      eng.Table(),
			Clock:      clock,
			Tombstones: tombstones,
		}

		format := statusFormat
		if format == "" {
			// Humans at a terminal get text; pipelines get JSON.
			if term.IsTerminal(int(os.Stdout.Fd())) {
				format = "text"
			} else {
				format = "json"
			}
		}
		switch format {
		case "text":
			fmt.Printf("Database:   %s\n", report.Database)
			fmt.Printf("Node:       %d\n", report.NodeID)
			fmt.Printf("Table:      %s\n", report.Table)
			fmt.Printf("Clock:      %d\n", report.Clock)
			fmt.Printf("Tombstones: %d\n", report.Tombstones)
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		case "yaml":
			out, err := yaml.Marshal(report)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		default:
			return fmt.Errorf("unknown format %q (want text, json, or yaml)", format)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "", "output format: text, json, or yaml")
	rootCmd.AddCommand(statusCmd)
}
