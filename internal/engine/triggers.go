package engine

import (
	"fmt"
	"strings"

	"github.com/sinkingsugar/crdt-sqlite/internal/types"
)

// Capture triggers. Each mutation against the tracked table appends terse
// (op, record_id, column) tuples to the pending buffer; all expensive
// metadata work happens after commit, so the write transaction's critical
// section stays short. Only the validated table name and the introspected
// column list are interpolated.

// idRef returns the trigger's record-id expression for the NEW or OLD row.
func (e *Engine) idRef(row string) string {
	if e.blobIDs {
		return row + `."` + blobIDColumn + `"`
	}
	return row + ".rowid"
}

func (e *Engine) insertTriggerName() string { return shadowName(e.table, suffixInsertTrig) }
func (e *Engine) updateTriggerName() string { return shadowName(e.table, suffixUpdateTrig) }
func (e *Engine) deleteTriggerName() string { return shadowName(e.table, suffixDeleteTrig) }

// triggerSQL emits the three CREATE TRIGGER statements for the current
// column set. Deliberately not IF NOT EXISTS: a silently missing trigger
// must surface as an error, not hide.
func (e *Engine) triggerSQL() []string {
	pending := e.pendingTable()

	del := fmt.Sprintf(
		"CREATE TRIGGER %s BEFORE DELETE ON %q BEGIN\n  INSERT INTO %s (op, record_id, column_name) VALUES (%d, %s, '');\nEND",
		e.deleteTriggerName(), e.table, pending, types.OpDelete, e.idRef("old"))

	// A table holding nothing but its record id has no column writes to
	// capture; deletes are still tracked.
	if len(e.columns) == 0 {
		return []string{del}
	}

	var ins strings.Builder
	fmt.Fprintf(&ins, "CREATE TRIGGER %s AFTER INSERT ON %q BEGIN\n", e.insertTriggerName(), e.table)
	fmt.Fprintf(&ins, "  INSERT INTO %s (op, record_id, column_name) VALUES", pending)
	for i, c := range e.columns {
		sep := ","
		if i == len(e.columns)-1 {
			sep = ";"
		}
		fmt.Fprintf(&ins, "\n    (%d, %s, '%s')%s", types.OpInsert, e.idRef("new"), c.Name, sep)
	}
	ins.WriteString("\nEND")

	var upd strings.Builder
	fmt.Fprintf(&upd, "CREATE TRIGGER %s AFTER UPDATE ON %q BEGIN\n", e.updateTriggerName(), e.table)
	for _, c := range e.columns {
		// IS NOT distinguishes NULL from non-NULL correctly.
		fmt.Fprintf(&upd,
			"  INSERT INTO %s (op, record_id, column_name) SELECT %d, %s, '%s' WHERE old.%q IS NOT new.%q;\n",
			pending, types.OpUpdate, e.idRef("new"), c.Name, c.Name, c.Name)
	}
	upd.WriteString("END")

	return []string{ins.String(), upd.String(), del}
}

// createTriggers installs the three capture triggers.
func (e *Engine) createTriggers() error {
	for _, sql := range e.triggerSQL() {
		if err := e.conn.Exec(sql); err != nil {
			return execError(sql, err)
		}
	}
	return nil
}

// dropTriggers removes the capture triggers. Used transiently during merge
// and before re-emitting triggers on schema refresh.
func (e *Engine) dropTriggers() error {
	for _, name := range []string{e.insertTriggerName(), e.updateTriggerName(), e.deleteTriggerName()} {
		sql := fmt.Sprintf("DROP TRIGGER IF EXISTS %s", name)
		if err := e.conn.Exec(sql); err != nil {
			return execError(sql, err)
		}
	}
	return nil
}
