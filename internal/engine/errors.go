package engine

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine. Validation errors are returned before
// any side effect; ErrClockOverflow poisons the engine permanently.
var (
	// ErrInvalidName means the table name contains characters outside
	// [A-Za-z0-9_].
	ErrInvalidName = errors.New("invalid table name")

	// ErrNameTooLong means the table name exceeds the shadow-name budget.
	ErrNameTooLong = errors.New("table name too long")

	// ErrNoSuchTable means the user table does not exist.
	ErrNoSuchTable = errors.New("no such table")

	// ErrNoTrackedTable means the operation requires Enable first.
	ErrNoTrackedTable = errors.New("no table enabled for replication")

	// ErrAlreadyEnabled means this engine instance already tracks a
	// different table.
	ErrAlreadyEnabled = errors.New("replication already enabled on another table")

	// ErrTooManyExcludedNodes means the excluded-node set exceeds the
	// supported bound.
	ErrTooManyExcludedNodes = errors.New("too many excluded nodes")

	// ErrClockOverflow means the logical clock cannot advance. The engine
	// is poisoned: every subsequent call returns this error. Prior state is
	// intact.
	ErrClockOverflow = errors.New("logical clock overflow")
)

// execError wraps a failed statement with its text so callers can see which
// SQL failed.
func execError(sql string, err error) error {
	return fmt.Errorf("executing %q: %w", sql, err)
}

// prepareError wraps a failed prepare with the statement text.
func prepareError(sql string, err error) error {
	return fmt.Errorf("preparing %q: %w", sql, err)
}

// internalError marks invariant violations: unexpected record-id shapes,
// missing rows where one is required, and the like.
func internalError(format string, args ...any) error {
	return fmt.Errorf("internal error: "+format, args...)
}
