package engine

import (
	"errors"
	"fmt"

	"github.com/sinkingsugar/crdt-sqlite/internal/types"
)

// Post-commit promotion. The capture triggers only append terse tuples
// while write locks are held; everything below runs from the WAL commit
// hook, after the user transaction has committed and its locks released.

// drain is the WAL-hook entry point. The guard stops the drain's own
// commit from enqueueing another drain, and is scope-bound so it clears on
// every exit path.
func (e *Engine) drain() {
	if e.draining || e.table == "" {
		return
	}
	e.draining = true
	defer func() { e.draining = false }()

	if err := e.promotePending(); err != nil {
		if errors.Is(err, ErrClockOverflow) {
			e.poisoned = err
		}
		// A post-commit hook may not raise into caller code. Latch the
		// first error; the next caller-facing method reports it.
		if e.deferred == nil {
			e.deferred = err
		} else {
			e.logger.Error("pending drain failed with an error already latched",
				"table", e.table, "error", err)
		}
	}
}

// promotePending drains the pending buffer: for each captured tuple it
// advances the logical clock, writes the per-column version row (or the
// tombstone on delete), then truncates the buffer and persists the clock.
// Runs in its own transaction; on error everything rolls back.
func (e *Engine) promotePending() (err error) {
	empty, err := e.pendingEmpty()
	if err != nil || empty {
		return err
	}

	defer e.conn.Savepoint().Release(&err)

	k, err := e.readClock()
	if err != nil {
		return err
	}

	scanSQL := fmt.Sprintf(`SELECT op, record_id, column_name FROM %s ORDER BY rowid`, e.pendingTable())
	scan, _, err := e.conn.Prepare(scanSQL)
	if err != nil {
		return prepareError(scanSQL, err)
	}
	defer scan.Close()

	w, err := e.newMetaWriter()
	if err != nil {
		return err
	}
	defer w.close()

	for scan.Step() {
		op := types.Op(scan.ColumnInt64(0))
		id, err := e.columnRecordID(scan, 1)
		if err != nil {
			return err
		}
		column := scan.ColumnText(2)

		if err := advance(&k); err != nil {
			return err
		}
		switch op {
		case types.OpDelete:
			if err := w.writeTombstone(id, k, e.nodeID, k); err != nil {
				return err
			}
		case types.OpInsert, types.OpUpdate:
			if op == types.OpInsert {
				// A write to a tombstoned id revives the record; the stale
				// tombstone must not outlive it.
				if err := w.clearTombstone(id); err != nil {
					return err
				}
			}
			if err := w.bumpVersion(id, column, k, e.nodeID, k); err != nil {
				return err
			}
		default:
			return internalError("unknown pending op %d", op)
		}
	}
	if err := scan.Err(); err != nil {
		return execError(scanSQL, err)
	}

	truncate := fmt.Sprintf(`DELETE FROM %s`, e.pendingTable())
	if err := e.conn.Exec(truncate); err != nil {
		return execError(truncate, err)
	}
	return e.writeClock(k)
}

func (e *Engine) pendingEmpty() (bool, error) {
	sql := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s)`, e.pendingTable())
	stmt, _, err := e.conn.Prepare(sql)
	if err != nil {
		return false, prepareError(sql, err)
	}
	defer stmt.Close()
	if !stmt.Step() {
		if err := stmt.Err(); err != nil {
			return false, execError(sql, err)
		}
		return false, internalError("empty result probing pending buffer")
	}
	return stmt.ColumnInt64(0) == 0, nil
}
