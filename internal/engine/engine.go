// Package engine implements the replication core: a single SQLite
// connection retrofitted with column-granular last-writer-wins metadata.
//
// One Engine tracks one user table. User writes run through the installed
// capture triggers; the WAL commit hook promotes the captured tuples into
// versioned metadata after locks release; Merge applies remote change logs
// with the triggers dropped so remote writes are never re-tracked.
//
// An Engine is single-owner. It does not guard its own state; callers must
// ensure at most one goroutine uses it at a time.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// blobIDColumn is the user-table column holding 16-byte record ids when the
// engine runs in blob-id mode. Integer mode uses the table's rowid.
const blobIDColumn = "id"

// maxClock is the largest logical clock value the engine will store. SQLite
// integers are signed 64-bit, so the clock poisons the engine one step
// before the sign bit.
const maxClock = math.MaxInt64

// Engine binds one database file to one node identifier.
type Engine struct {
	conn    *sqlite3.Conn
	path    string
	nodeID  uint64
	blobIDs bool
	logger  *slog.Logger

	table   string    // tracked table, empty until Enable
	columns []colInfo // tracked columns, record-id column excluded

	draining     bool  // re-entry guard for the pending drain
	schemaDirty  bool  // authorizer observed ALTER TABLE
	purgePending bool  // rollback hook fired; pending buffer needs a purge
	deferred     error // latched post-commit error, raised on next call
	poisoned     error // fatal state, every call returns this
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithBlobIDs switches the engine to 16-byte opaque record identifiers
// stored in a column named "id". The default is 64-bit integer rowids.
func WithBlobIDs() Option {
	return func(e *Engine) { e.blobIDs = true }
}

// WithLogger sets the logger used for non-raisable conditions (hook errors,
// trigger-restore failures).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Open opens or creates the database at path, enables WAL mode and foreign
// keys, and registers the replication hooks. Any failure after open closes
// the connection.
func Open(path string, nodeID uint64, opts ...Option) (*Engine, error) {
	conn, err := sqlite3.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	e := &Engine{
		conn:   conn,
		path:   path,
		nodeID: nodeID,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.setup(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) setup() error {
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
	} {
		if err := e.conn.Exec(pragma); err != nil {
			return execError(pragma, err)
		}
	}

	// Post-commit promotion. The WAL hook fires after the transaction
	// commits and the write lock releases, so metadata maintenance never
	// extends the user transaction's critical section.
	e.conn.WALHook(func(_ *sqlite3.Conn, _ string, _ int) error {
		e.drain()
		return nil
	})

	// A rolled-back transaction discards its own pending rows with it, but
	// an explicit purge on the next call keeps the buffer empty even when
	// triggers fired inside a partially-committed savepoint stack.
	e.conn.RollbackHook(func() {
		e.purgePending = true
	})

	// Schema-change detection, and a guard against dropping the tracked
	// table out from under its shadow tables.
	if err := e.conn.SetAuthorizer(e.authorize); err != nil {
		return fmt.Errorf("registering authorizer: %w", err)
	}
	return nil
}

func (e *Engine) authorize(action sqlite3.AuthorizerActionCode, name3rd, name4th, schema, inner string) sqlite3.AuthorizerReturnCode {
	switch action {
	case sqlite3.AUTH_ALTER_TABLE:
		// args: database name, table name
		e.schemaDirty = true
	case sqlite3.AUTH_DROP_TABLE:
		// Dropping the tracked table or its shadow tables would orphan
		// metadata. Renames are not blocked; they are a documented caller
		// responsibility.
		if e.table != "" &&
			(name3rd == e.table || strings.HasPrefix(name3rd, shadowPrefix+e.table+"_")) {
			return sqlite3.AUTH_DENY
		}
	}
	return sqlite3.AUTH_OK
}

// enter is the common prologue of every caller-facing operation: refuse a
// poisoned engine, surface a latched post-commit error, purge the pending
// buffer after a rollback, and arm statement interruption from ctx. The
// returned function must run at operation exit.
func (e *Engine) enter(ctx context.Context) (func(), error) {
	if e.poisoned != nil {
		return nil, e.poisoned
	}
	old := e.conn.SetInterrupt(ctx)
	exit := func() { e.conn.SetInterrupt(old) }

	if err := e.takeDeferred(); err != nil {
		exit()
		return nil, err
	}
	if e.purgePending {
		e.purgePending = false
		if e.table != "" {
			sql := fmt.Sprintf(`DELETE FROM %s`, e.pendingTable())
			if err := e.conn.Exec(sql); err != nil {
				exit()
				return nil, execError(sql, err)
			}
		}
	}
	return exit, nil
}

// takeDeferred returns and clears the single pending-error slot filled by
// the post-commit hook (which may not raise into caller code).
func (e *Engine) takeDeferred() error {
	err := e.deferred
	e.deferred = nil
	return err
}

// NodeID returns the replica's node identifier.
func (e *Engine) NodeID() uint64 { return e.nodeID }

// Table returns the tracked table name, or "" before Enable.
func (e *Engine) Table() string { return e.table }

// Path returns the database file path.
func (e *Engine) Path() string { return e.path }

// Enable installs the shadow schema and capture triggers on table. It is
// idempotent for the already-tracked table and fails if a different table
// is tracked by this instance.
func (e *Engine) Enable(ctx context.Context, table string) error {
	exit, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer exit()

	if err := validateTableName(table); err != nil {
		return err
	}
	if e.table != "" && e.table != table {
		return fmt.Errorf("%w: tracking %q, asked for %q", ErrAlreadyEnabled, e.table, table)
	}

	cols, err := e.introspectColumns(table)
	if err != nil {
		return err
	}

	prev, prevCols := e.table, e.columns
	e.table, e.columns = table, nil
	if err := e.installAndTrack(cols); err != nil {
		e.table, e.columns = prev, prevCols
		return err
	}
	return nil
}

// installAndTrack runs the enablement DDL under a transaction: shadow
// tables, types cache, triggers.
func (e *Engine) installAndTrack(cols []colInfo) (err error) {
	defer e.conn.Savepoint().Release(&err)

	if err := e.installShadowSchema(); err != nil {
		return err
	}
	e.columns = e.trackedColumns(cols)
	if err := e.writeTypesCache(e.columns); err != nil {
		return err
	}
	// Drop-then-create keeps enablement idempotent while the create itself
	// stays strict.
	if err := e.dropTriggers(); err != nil {
		return err
	}
	return e.createTriggers()
}

// Execute passes sql through to the database. If the authorizer observed an
// ALTER TABLE, the column cache and triggers are refreshed before
// returning.
func (e *Engine) Execute(ctx context.Context, sql string) error {
	exit, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer exit()

	e.schemaDirty = false
	if err := e.conn.Exec(sql); err != nil {
		return execError(sql, err)
	}
	if e.schemaDirty && e.table != "" {
		e.schemaDirty = false
		return e.refreshSchema()
	}
	return nil
}

// RefreshSchema re-introspects the tracked table, refreshes the cached
// column types, and re-emits the capture triggers. Call it after altering
// the tracked table outside Execute. Only additive column growth is
// supported; dropping or renaming tracked columns corrupts metadata.
func (e *Engine) RefreshSchema(ctx context.Context) error {
	exit, err := e.enter(ctx)
	if err != nil {
		return err
	}
	defer exit()

	if e.table == "" {
		return ErrNoTrackedTable
	}
	return e.refreshSchema()
}

func (e *Engine) refreshSchema() (err error) {
	cols, err := e.introspectColumns(e.table)
	if err != nil {
		return err
	}
	defer e.conn.Savepoint().Release(&err)
	e.columns = e.trackedColumns(cols)
	if err := e.writeTypesCache(e.columns); err != nil {
		return err
	}
	if err := e.dropTriggers(); err != nil {
		return err
	}
	// No IF NOT EXISTS here: a silently missing column must surface.
	return e.createTriggers()
}

// Clock returns the tracked table's current logical clock.
func (e *Engine) Clock(ctx context.Context) (uint64, error) {
	exit, err := e.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer exit()

	if e.table == "" {
		return 0, ErrNoTrackedTable
	}
	return e.readClock()
}

func (e *Engine) readClock() (uint64, error) {
	sql := fmt.Sprintf(`SELECT time FROM %s`, e.clockTable())
	stmt, _, err := e.conn.Prepare(sql)
	if err != nil {
		return 0, prepareError(sql, err)
	}
	defer stmt.Close()
	if !stmt.Step() {
		if err := stmt.Err(); err != nil {
			return 0, execError(sql, err)
		}
		return 0, internalError("clock row missing for %q", e.table)
	}
	return uint64(stmt.ColumnInt64(0)), nil
}

func (e *Engine) writeClock(k uint64) error {
	sql := fmt.Sprintf(`UPDATE %s SET time = ?`, e.clockTable())
	stmt, _, err := e.conn.Prepare(sql)
	if err != nil {
		return prepareError(sql, err)
	}
	defer stmt.Close()
	if err := stmt.BindInt64(1, int64(k)); err != nil {
		return err
	}
	if err := stmt.Exec(); err != nil {
		return execError(sql, err)
	}
	return nil
}

// advance increments the clock, failing permanently at the representable
// maximum. The caller rolls back, so prior state stays intact.
func advance(k *uint64) error {
	if *k >= maxClock {
		return ErrClockOverflow
	}
	*k++
	return nil
}

// Close removes the hooks and closes the connection. The engine must not
// be used afterwards.
func (e *Engine) Close() error {
	if e.conn == nil {
		return nil
	}
	e.conn.WALHook(nil)
	e.conn.RollbackHook(nil)
	if err := e.conn.SetAuthorizer(nil); err != nil {
		e.logger.Warn("failed to remove authorizer", "error", err)
	}
	err := e.conn.Close()
	e.conn = nil
	if err != nil {
		return fmt.Errorf("closing database %q: %w", e.path, err)
	}
	return nil
}
