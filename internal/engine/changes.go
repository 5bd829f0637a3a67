package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ncruces/go-sqlite3"

	"github.com/sinkingsugar/crdt-sqlite/internal/types"
)

// maxExcludedNodes bounds the peer-exclusion set. The bound exists to keep
// the generated parameter list sane; larger sets are a caller error.
const maxExcludedNodes = 100

// ChangesSince returns every change persisted after cursor, excluding
// changes that originated at the given nodes, ordered by local_db_version
// ascending. max bounds the total result length; 0 means unbounded.
//
// Column changes carry the user-table value as of the extraction moment,
// not as of the originating write, under the originating LWW identity.
// Tombstones carry no value.
func (e *Engine) ChangesSince(ctx context.Context, cursor uint64, excludedNodes []uint64, max int) ([]types.Change, error) {
	exit, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer exit()

	if e.table == "" {
		return nil, ErrNoTrackedTable
	}
	if len(excludedNodes) > maxExcludedNodes {
		return nil, fmt.Errorf("%w: %d entries, max %d", ErrTooManyExcludedNodes, len(excludedNodes), maxExcludedNodes)
	}

	// Fill from versions first, then tombstones; both scans are ordered by
	// local_db_version, so the final merge preserves cursor order even when
	// max cuts a scan short.
	versions, err := e.versionChangesSince(cursor, excludedNodes, max)
	if err != nil {
		return nil, err
	}
	tombstones, err := e.tombstoneChangesSince(cursor, excludedNodes, max)
	if err != nil {
		return nil, err
	}

	out := mergeByLocalVersion(versions, tombstones)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// exclusionClause renders "AND node_id NOT IN (?,...)" for the excluded
// set, or nothing when the set is empty.
func exclusionClause(excluded []uint64) string {
	if len(excluded) == 0 {
		return ""
	}
	return " AND node_id NOT IN (?" + strings.Repeat(", ?", len(excluded)-1) + ")"
}

func bindCursorAndExclusions(stmt *sqlite3.Stmt, cursor uint64, excluded []uint64) error {
	if err := stmt.BindInt64(1, int64(cursor)); err != nil {
		return err
	}
	for i, node := range excluded {
		if err := stmt.BindInt64(2+i, int64(node)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) versionChangesSince(cursor uint64, excluded []uint64, max int) ([]types.Change, error) {
	sql := fmt.Sprintf(
		`SELECT record_id, column_name, column_version, db_version, node_id, local_db_version
		 FROM %s WHERE local_db_version > ?%s ORDER BY local_db_version`,
		e.versionsTable(), exclusionClause(excluded))
	if max > 0 {
		sql += fmt.Sprintf(" LIMIT %d", max)
	}
	stmt, _, err := e.conn.Prepare(sql)
	if err != nil {
		return nil, prepareError(sql, err)
	}
	defer stmt.Close()
	if err := bindCursorAndExclusions(stmt, cursor, excluded); err != nil {
		return nil, err
	}

	reader := newValueReader(e)
	defer reader.close()

	var out []types.Change
	for stmt.Step() {
		id, err := e.columnRecordID(stmt, 0)
		if err != nil {
			return nil, err
		}
		c := types.Change{
			RecordID:       id,
			Column:         stmt.ColumnText(1),
			ColumnVersion:  uint64(stmt.ColumnInt64(2)),
			DBVersion:      uint64(stmt.ColumnInt64(3)),
			NodeID:         uint64(stmt.ColumnInt64(4)),
			LocalDBVersion: uint64(stmt.ColumnInt64(5)),
		}
		// The change carries the column's current value, read at extraction
		// time.
		c.Value, err = reader.read(id, c.Column)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := stmt.Err(); err != nil {
		return nil, execError(sql, err)
	}
	return out, nil
}

func (e *Engine) tombstoneChangesSince(cursor uint64, excluded []uint64, max int) ([]types.Change, error) {
	sql := fmt.Sprintf(
		`SELECT record_id, db_version, node_id, local_db_version
		 FROM %s WHERE local_db_version > ?%s ORDER BY local_db_version`,
		e.tombstonesTable(), exclusionClause(excluded))
	if max > 0 {
		sql += fmt.Sprintf(" LIMIT %d", max)
	}
	stmt, _, err := e.conn.Prepare(sql)
	if err != nil {
		return nil, prepareError(sql, err)
	}
	defer stmt.Close()
	if err := bindCursorAndExclusions(stmt, cursor, excluded); err != nil {
		return nil, err
	}

	var out []types.Change
	for stmt.Step() {
		id, err := e.columnRecordID(stmt, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Change{
			RecordID:       id,
			DBVersion:      uint64(stmt.ColumnInt64(1)),
			NodeID:         uint64(stmt.ColumnInt64(2)),
			LocalDBVersion: uint64(stmt.ColumnInt64(3)),
		})
	}
	if err := stmt.Err(); err != nil {
		return nil, execError(sql, err)
	}
	return out, nil
}

// mergeByLocalVersion merges two sequences already sorted by
// LocalDBVersion.
func mergeByLocalVersion(a, b []types.Change) []types.Change {
	out := make([]types.Change, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].LocalDBVersion <= b[j].LocalDBVersion {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// valueReader reads current user-table column values, caching one prepared
// statement per column for the duration of an extraction.
type valueReader struct {
	e     *Engine
	stmts map[string]*sqlite3.Stmt
}

func newValueReader(e *Engine) *valueReader {
	return &valueReader{e: e, stmts: make(map[string]*sqlite3.Stmt)}
}

func (r *valueReader) close() {
	for _, stmt := range r.stmts {
		_ = stmt.Close()
	}
}

func (r *valueReader) read(id types.RecordID, column string) (types.Value, error) {
	stmt, ok := r.stmts[column]
	if !ok {
		sql := fmt.Sprintf(`SELECT %q FROM %q WHERE %s = ?`, column, r.e.table, r.e.idColumnExpr())
		var err error
		stmt, _, err = r.e.conn.Prepare(sql)
		if err != nil {
			return types.Value{}, prepareError(sql, err)
		}
		r.stmts[column] = stmt
	}
	defer func() { _ = stmt.Reset() }()

	if err := bindRecordID(stmt, 1, id); err != nil {
		return types.Value{}, err
	}
	if !stmt.Step() {
		if err := stmt.Err(); err != nil {
			return types.Value{}, execError("reading current value", err)
		}
		// The row vanished between the metadata write and this read; the
		// change degrades to a NULL set.
		return types.Null(), nil
	}
	return columnValue(stmt, 0), nil
}

// idColumnExpr is the user-table id expression used in WHERE clauses.
func (e *Engine) idColumnExpr() string {
	if e.blobIDs {
		return `"` + blobIDColumn + `"`
	}
	return "rowid"
}
