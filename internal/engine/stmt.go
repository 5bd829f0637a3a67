package engine

import (
	"context"
	"fmt"

	"github.com/ncruces/go-sqlite3"

	"github.com/sinkingsugar/crdt-sqlite/internal/types"
)

// Stmt is a prepared statement against the engine's connection. Writes made
// through a Stmt are tracked like any other: the capture triggers fire on
// row mutation regardless of the statement vehicle.
//
// A Stmt belongs to its Engine's single-owner discipline and must be closed
// before the engine shuts down.
type Stmt struct {
	e    *Engine
	stmt *sqlite3.Stmt
}

// Prepare compiles sql into a reusable statement.
func (e *Engine) Prepare(ctx context.Context, sql string) (*Stmt, error) {
	exit, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer exit()

	stmt, _, err := e.conn.Prepare(sql)
	if err != nil {
		return nil, prepareError(sql, err)
	}
	return &Stmt{e: e, stmt: stmt}, nil
}

// Bind binds a tagged value to the 1-based parameter.
func (s *Stmt) Bind(param int, v types.Value) error {
	return bindValue(s.stmt, param, v)
}

// BindRecordID binds a record identifier to the 1-based parameter.
func (s *Stmt) BindRecordID(param int, id types.RecordID) error {
	return bindRecordID(s.stmt, param, id)
}

// Exec steps the statement to completion and resets it. A latched
// post-commit error from an earlier statement is surfaced first.
func (s *Stmt) Exec(ctx context.Context) error {
	exit, err := s.e.enter(ctx)
	if err != nil {
		return err
	}
	defer exit()

	if err := s.stmt.Exec(); err != nil {
		return fmt.Errorf("executing prepared statement: %w", err)
	}
	return nil
}

// Step advances to the next result row. It returns false at the end of the
// result set or on error; consult Err afterwards.
func (s *Stmt) Step() bool { return s.stmt.Step() }

// Err returns the error that stopped the last Step loop, if any.
func (s *Stmt) Err() error { return s.stmt.Err() }

// Reset rewinds the statement for re-execution. Bindings are retained.
func (s *Stmt) Reset() error { return s.stmt.Reset() }

// ColumnCount returns the number of result columns.
func (s *Stmt) ColumnCount() int { return s.stmt.ColumnCount() }

// ColumnName returns the name of the 0-based result column.
func (s *Stmt) ColumnName(col int) string { return s.stmt.ColumnName(col) }

// Column reads the 0-based result column as a tagged value.
func (s *Stmt) Column(col int) types.Value { return columnValue(s.stmt, col) }

// Close releases the statement.
func (s *Stmt) Close() error { return s.stmt.Close() }
