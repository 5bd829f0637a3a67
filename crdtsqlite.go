// Package crdtsqlite retrofits an embedded SQLite database with
// conflict-free replicated data type semantics. Ordinary relational writes
// against an enabled table are tracked at column granularity; replicas
// exchange change logs and reconcile them deterministically with a
// last-writer-wins rule, with no coordination.
//
// This package is a thin public surface over internal/engine. Most callers
// need only:
//
//	eng, err := crdtsqlite.Open("app.db", nodeID)
//	err = eng.Enable(ctx, "users")
//	err = eng.Execute(ctx, `INSERT INTO users (name) VALUES ('alice')`)
//	changes, err := eng.ChangesSince(ctx, 0, nil, 0)
//	accepted, err := peer.Merge(ctx, changes)
//
// An Engine is bound to one database file and one node identifier, and is
// not safe for concurrent use; guard it externally if shared.
package crdtsqlite

import (
	"github.com/sinkingsugar/crdt-sqlite/internal/engine"
	"github.com/sinkingsugar/crdt-sqlite/internal/types"
)

// Engine is the replication engine. See the internal engine package for
// full method documentation.
type Engine = engine.Engine

// Stmt is a prepared statement whose writes are tracked like any other.
type Stmt = engine.Stmt

// Option configures an Engine at construction.
type Option = engine.Option

// Core value types.
type (
	Value    = types.Value
	Kind     = types.Kind
	RecordID = types.RecordID
	Change   = types.Change
)

// Value kinds.
const (
	KindNull    = types.KindNull
	KindInteger = types.KindInteger
	KindReal    = types.KindReal
	KindText    = types.KindText
	KindBlob    = types.KindBlob
)

// Value constructors.
var (
	Null    = types.Null
	Integer = types.Integer
	Real    = types.Real
	Text    = types.Text
	Blob    = types.Blob
)

// Record-id constructors. IntID addresses rows by rowid (the default);
// blob ids require opening the engine with WithBlobIDs.
var (
	IntID           = types.IntID
	BlobID          = types.BlobID
	BlobIDFromBytes = types.BlobIDFromBytes
	UUIDID          = types.UUIDID
	NewBlobID       = types.NewBlobID
)

// Engine options.
var (
	WithBlobIDs = engine.WithBlobIDs
	WithLogger  = engine.WithLogger
)

// Error kinds. Compare with errors.Is.
var (
	ErrInvalidName          = engine.ErrInvalidName
	ErrNameTooLong          = engine.ErrNameTooLong
	ErrNoSuchTable          = engine.ErrNoSuchTable
	ErrNoTrackedTable       = engine.ErrNoTrackedTable
	ErrAlreadyEnabled       = engine.ErrAlreadyEnabled
	ErrTooManyExcludedNodes = engine.ErrTooManyExcludedNodes
	ErrClockOverflow        = engine.ErrClockOverflow
)

// Open opens or creates the database at path bound to the given node
// identifier, enables WAL mode and foreign keys, and registers the
// replication hooks.
func Open(path string, nodeID uint64, opts ...Option) (*Engine, error) {
	return engine.Open(path, nodeID, opts...)
}
