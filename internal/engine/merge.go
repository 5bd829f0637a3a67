package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ncruces/go-sqlite3"

	"github.com/sinkingsugar/crdt-sqlite/internal/types"
)

// Merge applies a remote change sequence. Each change is resolved against
// local metadata with column-granular last-writer-wins; winners are written
// through to the user table with the capture triggers dropped, so remote
// writes are never re-tracked. The whole merge is one transaction: on error
// everything rolls back and the triggers are still restored.
//
// The returned slice is the subsequence of input changes that won their
// conflict resolution, in input order; callers use it to acknowledge
// progress to peers. Merge is idempotent: re-applying the same changes
// accepts nothing (ties retain the local value).
func (e *Engine) Merge(ctx context.Context, changes []types.Change) (accepted []types.Change, err error) {
	exit, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer exit()

	if e.table == "" {
		return nil, ErrNoTrackedTable
	}
	if len(changes) == 0 {
		return nil, nil
	}

	if err := e.dropTriggers(); err != nil {
		return nil, err
	}
	// Guaranteed-run finalizer: the triggers come back on every exit path.
	// A restore failure corrupts future tracking, so it is reported even
	// when the merge itself succeeded, and logged loudly regardless.
	defer func() {
		if rerr := e.createTriggers(); rerr != nil {
			e.logger.Error("failed to restore capture triggers after merge; local writes are no longer tracked",
				"table", e.table, "error", rerr)
			if err == nil {
				err = fmt.Errorf("restoring capture triggers: %w", rerr)
				accepted = nil
			}
		}
	}()

	defer e.conn.Savepoint().Release(&err)

	k, err := e.readClock()
	if err != nil {
		return nil, err
	}
	m, err := e.newMerger()
	if err != nil {
		return nil, err
	}
	defer m.close()

	for _, x := range changes {
		won, err := m.apply(&k, x)
		if err != nil {
			if errors.Is(err, ErrClockOverflow) {
				e.poisoned = err
			}
			return nil, err
		}
		if won {
			accepted = append(accepted, x)
		}
	}
	if err := e.writeClock(k); err != nil {
		return nil, err
	}
	return accepted, nil
}

// merger carries the per-merge prepared statements.
type merger struct {
	e           *Engine
	meta        *metaWriter
	readVersion *sqlite3.Stmt
	readTomb    *sqlite3.Stmt
	rowExists   *sqlite3.Stmt
	deleteRow   *sqlite3.Stmt
	setColumn   map[string]*sqlite3.Stmt // UPDATE per column
	insColumn   map[string]*sqlite3.Stmt // INSERT OR IGNORE per column
}

func (e *Engine) newMerger() (*merger, error) {
	meta, err := e.newMetaWriter()
	if err != nil {
		return nil, err
	}
	m := &merger{
		e:         e,
		meta:      meta,
		setColumn: make(map[string]*sqlite3.Stmt),
		insColumn: make(map[string]*sqlite3.Stmt),
	}
	prepare := func(sql string) *sqlite3.Stmt {
		if err != nil {
			return nil
		}
		var stmt *sqlite3.Stmt
		stmt, _, err = e.conn.Prepare(sql)
		if err != nil {
			err = prepareError(sql, err)
		}
		return stmt
	}
	m.readVersion = prepare(fmt.Sprintf(
		`SELECT column_version, db_version, node_id FROM %s WHERE record_id = ? AND column_name = ?`,
		e.versionsTable()))
	m.readTomb = prepare(fmt.Sprintf(
		`SELECT db_version, node_id FROM %s WHERE record_id = ?`, e.tombstonesTable()))
	m.rowExists = prepare(fmt.Sprintf(
		`SELECT 1 FROM %q WHERE %s = ?`, e.table, e.idColumnExpr()))
	m.deleteRow = prepare(fmt.Sprintf(
		`DELETE FROM %q WHERE %s = ?`, e.table, e.idColumnExpr()))
	if err != nil {
		m.close()
		return nil, err
	}
	return m, nil
}

func (m *merger) close() {
	m.meta.close()
	for _, stmt := range []*sqlite3.Stmt{m.readVersion, m.readTomb, m.rowExists, m.deleteRow} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	for _, stmt := range m.setColumn {
		_ = stmt.Close()
	}
	for _, stmt := range m.insColumn {
		_ = stmt.Close()
	}
}

// apply resolves one change. It reports whether the change won and was
// applied.
func (m *merger) apply(k *uint64, x types.Change) (bool, error) {
	if x.IsTombstone() {
		return m.applyTombstone(k, x)
	}
	return m.applyColumn(k, x)
}

func (m *merger) applyTombstone(k *uint64, x types.Change) (bool, error) {
	dbv, node, found, err := m.localTombstone(x.RecordID)
	if err != nil {
		return false, err
	}
	// Tombstones have no per-column counter; (db_version, node_id) is the
	// whole LWW key. Strict greater: ties keep the local tombstone.
	if found && !lwwGreater2(x.DBVersion, x.NodeID, dbv, node) {
		return false, nil
	}
	if err := advance(k); err != nil {
		return false, err
	}
	if err := m.meta.writeTombstone(x.RecordID, x.DBVersion, x.NodeID, *k); err != nil {
		return false, err
	}
	if err := bindRecordID(m.deleteRow, 1, x.RecordID); err != nil {
		return false, err
	}
	if err := m.deleteRow.Exec(); err != nil {
		return false, fmt.Errorf("deleting record %s: %w", x.RecordID, err)
	}
	return true, nil
}

func (m *merger) applyColumn(k *uint64, x types.Change) (bool, error) {
	cv, dbv, node, found, err := m.localVersion(x.RecordID, x.Column)
	if err != nil {
		return false, err
	}
	if found && !lwwGreater3(x.ColumnVersion, x.DBVersion, x.NodeID, cv, dbv, node) {
		return false, nil
	}
	if err := m.writeUserColumn(x.RecordID, x.Column, x.Value); err != nil {
		return false, err
	}
	if err := advance(k); err != nil {
		return false, err
	}
	// Stored under the remote identity; only local_db_version is ours.
	if err := m.meta.setVersion(x.RecordID, x.Column, x.ColumnVersion, x.DBVersion, x.NodeID, *k); err != nil {
		return false, err
	}
	return true, nil
}

// writeUserColumn writes the winning value into the user table. The update
// path covers existing rows; the insert path creates the row when the
// record is new to this replica, falling back to update if the insert
// raced an earlier change in the same merge.
func (m *merger) writeUserColumn(id types.RecordID, column string, v types.Value) error {
	exists, err := m.recordExists(id)
	if err != nil {
		return err
	}
	if !exists {
		ins, ok := m.insColumn[column]
		if !ok {
			sql := fmt.Sprintf(`INSERT OR IGNORE INTO %q (%s, %q) VALUES (?, ?)`,
				m.e.table, m.e.idColumnExpr(), column)
			ins, _, err = m.e.conn.Prepare(sql)
			if err != nil {
				return prepareError(sql, err)
			}
			m.insColumn[column] = ins
		}
		if err := bindRecordID(ins, 1, id); err != nil {
			return err
		}
		if err := bindValue(ins, 2, v); err != nil {
			return err
		}
		if err := ins.Exec(); err != nil {
			return fmt.Errorf("inserting record %s: %w", id, err)
		}
		if m.e.conn.Changes() > 0 {
			return nil
		}
		// Ignored insert: the row appeared concurrently. Fall through to
		// the update path.
	}

	upd, ok := m.setColumn[column]
	if !ok {
		sql := fmt.Sprintf(`UPDATE %q SET %q = ? WHERE %s = ?`,
			m.e.table, column, m.e.idColumnExpr())
		upd, _, err = m.e.conn.Prepare(sql)
		if err != nil {
			return prepareError(sql, err)
		}
		m.setColumn[column] = upd
	}
	if err := bindValue(upd, 1, v); err != nil {
		return err
	}
	if err := bindRecordID(upd, 2, id); err != nil {
		return err
	}
	if err := upd.Exec(); err != nil {
		return fmt.Errorf("updating column %q of record %s: %w", column, id, err)
	}
	return nil
}

func (m *merger) recordExists(id types.RecordID) (bool, error) {
	defer func() { _ = m.rowExists.Reset() }()
	if err := bindRecordID(m.rowExists, 1, id); err != nil {
		return false, err
	}
	if m.rowExists.Step() {
		return true, nil
	}
	if err := m.rowExists.Err(); err != nil {
		return false, execError("probing record existence", err)
	}
	return false, nil
}

func (m *merger) localVersion(id types.RecordID, column string) (cv, dbv, node uint64, found bool, err error) {
	defer func() { _ = m.readVersion.Reset() }()
	if err = bindRecordID(m.readVersion, 1, id); err != nil {
		return
	}
	if err = m.readVersion.BindText(2, column); err != nil {
		return
	}
	if m.readVersion.Step() {
		cv = uint64(m.readVersion.ColumnInt64(0))
		dbv = uint64(m.readVersion.ColumnInt64(1))
		node = uint64(m.readVersion.ColumnInt64(2))
		found = true
		return
	}
	err = m.readVersion.Err()
	return
}

func (m *merger) localTombstone(id types.RecordID) (dbv, node uint64, found bool, err error) {
	defer func() { _ = m.readTomb.Reset() }()
	if err = bindRecordID(m.readTomb, 1, id); err != nil {
		return
	}
	if m.readTomb.Step() {
		dbv = uint64(m.readTomb.ColumnInt64(0))
		node = uint64(m.readTomb.ColumnInt64(1))
		found = true
		return
	}
	err = m.readTomb.Err()
	return
}

// lwwGreater3 reports (a1, a2, a3) > (b1, b2, b3) lexicographically. Node
// ids are unique per replica, so the order is total.
func lwwGreater3(a1, a2, a3, b1, b2, b3 uint64) bool {
	if a1 != b1 {
		return a1 > b1
	}
	return lwwGreater2(a2, a3, b2, b3)
}

// lwwGreater2 reports (a1, a2) > (b1, b2) lexicographically.
func lwwGreater2(a1, a2, b1, b2 uint64) bool {
	if a1 != b1 {
		return a1 > b1
	}
	return a2 > b2
}
