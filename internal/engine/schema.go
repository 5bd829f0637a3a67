package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// Shadow-table naming. Every metadata object for a tracked table T is named
// crdt_T_<suffix> so the whole group sorts next to its user table. The
// 23-character cap on T keeps the longest generated name inside a fixed
// budget.
const (
	shadowPrefix = "crdt_"
	maxTableName = 23
)

var tableNameRE = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// validateTableName checks the replication naming rules before any side
// effect happens.
func validateTableName(name string) error {
	if name == "" || !tableNameRE.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if len(name) > maxTableName {
		return fmt.Errorf("%w: %q is %d characters, max %d", ErrNameTooLong, name, len(name), maxTableName)
	}
	return nil
}

func shadowName(table, suffix string) string {
	return shadowPrefix + table + "_" + suffix
}

// shadow object suffixes
const (
	suffixVersions   = "versions"
	suffixTombstones = "tombstones"
	suffixClock      = "clock"
	suffixPending    = "pending"
	suffixTypes      = "types"

	suffixInsertTrig = "ins"
	suffixUpdateTrig = "upd"
	suffixDeleteTrig = "del"
)

func (e *Engine) versionsTable() string   { return shadowName(e.table, suffixVersions) }
func (e *Engine) tombstonesTable() string { return shadowName(e.table, suffixTombstones) }
func (e *Engine) clockTable() string      { return shadowName(e.table, suffixClock) }
func (e *Engine) pendingTable() string    { return shadowName(e.table, suffixPending) }
func (e *Engine) typesTable() string      { return shadowName(e.table, suffixTypes) }

// shadowSchema returns the idempotent DDL for the five shadow tables and
// their cursor indexes. record_id columns are declared without a type so
// both id shapes (64-bit integer, 16-byte blob) store without coercion.
func shadowSchema(table string) string {
	q := func(suffix string) string { return shadowName(table, suffix) }
	return fmt.Sprintf(`
-- Per-column causal metadata. One row per live (record, column) pair.
CREATE TABLE IF NOT EXISTS %[1]s (
    record_id NOT NULL,
    column_name TEXT NOT NULL,
    column_version INTEGER NOT NULL,
    db_version INTEGER NOT NULL,
    node_id INTEGER NOT NULL,
    local_db_version INTEGER NOT NULL,
    PRIMARY KEY (record_id, column_name)
);
CREATE INDEX IF NOT EXISTS %[1]s_local ON %[1]s(local_db_version);

-- Record deletions. Rows survive until compaction acknowledges them.
CREATE TABLE IF NOT EXISTS %[2]s (
    record_id NOT NULL PRIMARY KEY,
    db_version INTEGER NOT NULL,
    node_id INTEGER NOT NULL,
    local_db_version INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s_local ON %[2]s(local_db_version);

-- The logical clock. Exactly one row.
CREATE TABLE IF NOT EXISTS %[3]s (
    time INTEGER NOT NULL
);

-- Transient trigger buffer, drained after every commit.
CREATE TABLE IF NOT EXISTS %[4]s (
    op INTEGER NOT NULL,
    record_id NOT NULL,
    column_name TEXT NOT NULL
);

-- Declared column types captured at enablement and on schema refresh.
CREATE TABLE IF NOT EXISTS %[5]s (
    column_name TEXT NOT NULL PRIMARY KEY,
    decl_type TEXT NOT NULL
);

INSERT INTO %[3]s (time) SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM %[3]s);
`,
		q(suffixVersions), q(suffixTombstones), q(suffixClock), q(suffixPending), q(suffixTypes))
}

// installShadowSchema creates the shadow tables for the tracked table. Safe
// to run repeatedly.
func (e *Engine) installShadowSchema() error {
	ddl := shadowSchema(e.table)
	if err := e.conn.Exec(ddl); err != nil {
		return execError("shadow schema", err)
	}
	return nil
}

// colInfo is one introspected user-table column.
type colInfo struct {
	Name     string
	DeclType string
	PK       bool
}

// introspectColumns reads the user table's column list. Returns
// ErrNoSuchTable (wrapped) when the table has no columns.
func (e *Engine) introspectColumns(table string) ([]colInfo, error) {
	sql := fmt.Sprintf(`PRAGMA table_info(%q)`, table)
	stmt, _, err := e.conn.Prepare(sql)
	if err != nil {
		return nil, prepareError(sql, err)
	}
	defer stmt.Close()

	var cols []colInfo
	for stmt.Step() {
		cols = append(cols, colInfo{
			Name:     stmt.ColumnText(1),
			DeclType: strings.ToUpper(stmt.ColumnText(2)),
			PK:       stmt.ColumnInt64(5) != 0,
		})
	}
	if err := stmt.Err(); err != nil {
		return nil, execError(sql, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchTable, table)
	}
	return cols, nil
}

// trackedColumns filters the record-id column out of the introspected list.
// In blob-id mode the id column is literally named "id"; in integer mode the
// rowid alias (an INTEGER PRIMARY KEY column) is excluded when present.
func (e *Engine) trackedColumns(cols []colInfo) []colInfo {
	out := make([]colInfo, 0, len(cols))
	for _, c := range cols {
		if e.blobIDs {
			if c.Name == blobIDColumn {
				continue
			}
		} else if c.PK && c.DeclType == "INTEGER" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// writeTypesCache replaces the cached column-type rows with the current
// introspection result.
func (e *Engine) writeTypesCache(cols []colInfo) error {
	del := fmt.Sprintf(`DELETE FROM %s`, e.typesTable())
	if err := e.conn.Exec(del); err != nil {
		return execError(del, err)
	}
	ins := fmt.Sprintf(`INSERT INTO %s (column_name, decl_type) VALUES (?, ?)`, e.typesTable())
	stmt, _, err := e.conn.Prepare(ins)
	if err != nil {
		return prepareError(ins, err)
	}
	defer stmt.Close()
	for _, c := range cols {
		if err := stmt.BindText(1, c.Name); err != nil {
			return err
		}
		if err := stmt.BindText(2, c.DeclType); err != nil {
			return err
		}
		if err := stmt.Exec(); err != nil {
			return execError(ins, err)
		}
	}
	return nil
}
