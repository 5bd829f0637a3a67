package engine

import (
	"fmt"

	"github.com/ncruces/go-sqlite3"

	"github.com/sinkingsugar/crdt-sqlite/internal/types"
)

// metaWriter bundles the prepared statements that maintain the versions and
// tombstones tables. Both the drain pipeline and the merge engine write
// metadata through it.
type metaWriter struct {
	e          *Engine
	bump       *sqlite3.Stmt
	set        *sqlite3.Stmt
	tomb       *sqlite3.Stmt
	clearTomb  *sqlite3.Stmt
	dropRecord *sqlite3.Stmt
}

func (e *Engine) newMetaWriter() (*metaWriter, error) {
	w := &metaWriter{e: e}

	// Local write: first write of a (record, column) starts at version 1,
	// every later write bumps the stored counter.
	bumpSQL := fmt.Sprintf(`
		INSERT INTO %[1]s (record_id, column_name, column_version, db_version, node_id, local_db_version)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT (record_id, column_name) DO UPDATE SET
			column_version = column_version + 1,
			db_version = excluded.db_version,
			node_id = excluded.node_id,
			local_db_version = excluded.local_db_version`, e.versionsTable())

	// Merge write: the stored column version and db version are the remote
	// values; only local_db_version uses this replica's clock.
	setSQL := fmt.Sprintf(`
		INSERT INTO %[1]s (record_id, column_name, column_version, db_version, node_id, local_db_version)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (record_id, column_name) DO UPDATE SET
			column_version = excluded.column_version,
			db_version = excluded.db_version,
			node_id = excluded.node_id,
			local_db_version = excluded.local_db_version`, e.versionsTable())

	tombSQL := fmt.Sprintf(`
		INSERT INTO %[1]s (record_id, db_version, node_id, local_db_version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (record_id) DO UPDATE SET
			db_version = excluded.db_version,
			node_id = excluded.node_id,
			local_db_version = excluded.local_db_version`, e.tombstonesTable())

	clearSQL := fmt.Sprintf(`DELETE FROM %s WHERE record_id = ?`, e.tombstonesTable())
	dropSQL := fmt.Sprintf(`DELETE FROM %s WHERE record_id = ?`, e.versionsTable())

	var err error
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
	w.bump = prepare(bumpSQL)
	w.set = prepare(setSQL)
	w.tomb = prepare(tombSQL)
	w.clearTomb = prepare(clearSQL)
	w.dropRecord = prepare(dropSQL)
	if err != nil {
		w.close()
		return nil, err
	}
	return w, nil
}

func (w *metaWriter) close() {
	for _, stmt := range []*sqlite3.Stmt{w.bump, w.set, w.tomb, w.clearTomb, w.dropRecord} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
}

// bumpVersion promotes a local column write.
func (w *metaWriter) bumpVersion(id types.RecordID, column string, dbVersion, nodeID, local uint64) error {
	if err := bindRecordID(w.bump, 1, id); err != nil {
		return err
	}
	if err := w.bump.BindText(2, column); err != nil {
		return err
	}
	if err := w.bump.BindInt64(3, int64(dbVersion)); err != nil {
		return err
	}
	if err := w.bump.BindInt64(4, int64(nodeID)); err != nil {
		return err
	}
	if err := w.bump.BindInt64(5, int64(local)); err != nil {
		return err
	}
	if err := w.bump.Exec(); err != nil {
		return fmt.Errorf("promoting column %q of record %s: %w", column, id, err)
	}
	return nil
}

// setVersion records a merge-applied remote column write under its remote
// identity.
func (w *metaWriter) setVersion(id types.RecordID, column string, columnVersion, dbVersion, nodeID, local uint64) error {
	if err := bindRecordID(w.set, 1, id); err != nil {
		return err
	}
	if err := w.set.BindText(2, column); err != nil {
		return err
	}
	if err := w.set.BindInt64(3, int64(columnVersion)); err != nil {
		return err
	}
	if err := w.set.BindInt64(4, int64(dbVersion)); err != nil {
		return err
	}
	if err := w.set.BindInt64(5, int64(nodeID)); err != nil {
		return err
	}
	if err := w.set.BindInt64(6, int64(local)); err != nil {
		return err
	}
	if err := w.set.Exec(); err != nil {
		return fmt.Errorf("recording remote column %q of record %s: %w", column, id, err)
	}
	return nil
}

// writeTombstone upserts the record's tombstone and drops its version rows:
// a record-level delete supersedes the per-column metadata.
func (w *metaWriter) writeTombstone(id types.RecordID, dbVersion, nodeID, local uint64) error {
	if err := bindRecordID(w.tomb, 1, id); err != nil {
		return err
	}
	if err := w.tomb.BindInt64(2, int64(dbVersion)); err != nil {
		return err
	}
	if err := w.tomb.BindInt64(3, int64(nodeID)); err != nil {
		return err
	}
	if err := w.tomb.BindInt64(4, int64(local)); err != nil {
		return err
	}
	if err := w.tomb.Exec(); err != nil {
		return fmt.Errorf("writing tombstone for record %s: %w", id, err)
	}
	if err := bindRecordID(w.dropRecord, 1, id); err != nil {
		return err
	}
	if err := w.dropRecord.Exec(); err != nil {
		return fmt.Errorf("dropping version rows for record %s: %w", id, err)
	}
	return nil
}

// clearTombstone removes a stale tombstone when its record is written
// again.
func (w *metaWriter) clearTombstone(id types.RecordID) error {
	if err := bindRecordID(w.clearTomb, 1, id); err != nil {
		return err
	}
	if err := w.clearTomb.Exec(); err != nil {
		return fmt.Errorf("clearing tombstone for record %s: %w", id, err)
	}
	return nil
}
