package engine

import (
	"context"
	"fmt"
)

// TombstoneCount returns the number of tombstone rows for the tracked
// table.
func (e *Engine) TombstoneCount(ctx context.Context) (int64, error) {
	exit, err := e.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer exit()

	if e.table == "" {
		return 0, ErrNoTrackedTable
	}
	sql := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, e.tombstonesTable())
	stmt, _, err := e.conn.Prepare(sql)
	if err != nil {
		return 0, prepareError(sql, err)
	}
	defer stmt.Close()
	if !stmt.Step() {
		if err := stmt.Err(); err != nil {
			return 0, execError(sql, err)
		}
		return 0, internalError("empty result counting tombstones")
	}
	return stmt.ColumnInt64(0), nil
}

// Compact deletes every tombstone whose db_version is strictly below the
// watermark and returns how many were removed.
//
// The watermark must be the minimum db_version acknowledged by every peer;
// compacting past a lagging peer lets deleted records resurrect on the next
// sync. The engine enforces no policy beyond executing the delete.
func (e *Engine) Compact(ctx context.Context, watermark uint64) (int64, error) {
	exit, err := e.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer exit()

	if e.table == "" {
		return 0, ErrNoTrackedTable
	}
	sql := fmt.Sprintf(`DELETE FROM %s WHERE db_version < ?`, e.tombstonesTable())
	stmt, _, err := e.conn.Prepare(sql)
	if err != nil {
		return 0, prepareError(sql, err)
	}
	defer stmt.Close()
	if err := stmt.BindInt64(1, int64(watermark)); err != nil {
		return 0, err
	}
	if err := stmt.Exec(); err != nil {
		return 0, execError(sql, err)
	}
	return e.conn.Changes(), nil
}
