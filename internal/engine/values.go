package engine

import (
	"github.com/ncruces/go-sqlite3"

	"github.com/sinkingsugar/crdt-sqlite/internal/types"
)

// Value and record-id codec: round-trips tagged values through statement
// bind and column reads. Parameters are 1-based, columns 0-based, per the
// driver.

func bindValue(stmt *sqlite3.Stmt, param int, v types.Value) error {
	switch v.Kind {
	case types.KindNull:
		return stmt.BindNull(param)
	case types.KindInteger:
		return stmt.BindInt64(param, v.Int)
	case types.KindReal:
		return stmt.BindFloat(param, v.Real)
	case types.KindText:
		return stmt.BindText(param, v.Text)
	case types.KindBlob:
		return stmt.BindBlob(param, v.Blob)
	}
	return internalError("unknown value kind %d", v.Kind)
}

func columnValue(stmt *sqlite3.Stmt, col int) types.Value {
	switch stmt.ColumnType(col) {
	case sqlite3.INTEGER:
		return types.Integer(stmt.ColumnInt64(col))
	case sqlite3.FLOAT:
		return types.Real(stmt.ColumnFloat(col))
	case sqlite3.TEXT:
		return types.Text(stmt.ColumnText(col))
	case sqlite3.BLOB:
		return types.Blob(stmt.ColumnBlob(col, nil))
	}
	return types.Null()
}

func bindRecordID(stmt *sqlite3.Stmt, param int, id types.RecordID) error {
	if id.Kind == types.IDBlob {
		return stmt.BindBlob(param, id.Bytes())
	}
	return stmt.BindInt64(param, id.Int)
}

// columnRecordID reads a record id in the engine's configured shape.
func (e *Engine) columnRecordID(stmt *sqlite3.Stmt, col int) (types.RecordID, error) {
	if e.blobIDs {
		b := stmt.ColumnBlob(col, nil)
		id, err := types.BlobIDFromBytes(b)
		if err != nil {
			return types.RecordID{}, internalError("unexpected record id shape: %v", err)
		}
		return id, nil
	}
	if stmt.ColumnType(col) != sqlite3.INTEGER {
		return types.RecordID{}, internalError("unexpected record id shape: want INTEGER, got %v", stmt.ColumnType(col))
	}
	return types.IntID(stmt.ColumnInt64(col)), nil
}
