// crsql is the operator CLI for crdt-sqlite databases: enable replication
// on a table, extract and apply change logs, compact tombstones, and run a
// watch loop that merges change files dropped into an inbox directory.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
