// Package types defines the value model shared by the replication engine
// and the wire codec: database values, record identifiers, and the Change
// unit exchanged between replicas.
package types

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind tags a Value with its database type. SQLite values carry their own
// type; the declared column type is advisory only.
type Kind uint8

const (
	KindNull Kind = iota
	KindInteger
	KindReal
	KindText
	KindBlob
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindText:
		return "text"
	case KindBlob:
		return "blob"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a tagged database value. The zero Value is NULL.
type Value struct {
	Kind Kind
	Int  int64
	Real float64
	Text string
	Blob []byte
}

// Null returns the NULL value.
func Null() Value { return Value{} }

// Integer returns an INTEGER value.
func Integer(v int64) Value { return Value{Kind: KindInteger, Int: v} }

// Real returns a REAL value.
func Real(v float64) Value { return Value{Kind: KindReal, Real: v} }

// Text returns a TEXT value.
func Text(v string) Value { return Value{Kind: KindText, Text: v} }

// Blob returns a BLOB value. The slice is not copied.
func Blob(v []byte) Value { return Value{Kind: KindBlob, Blob: v} }

// IsNull reports whether the value is NULL.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal compares two values by kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInteger:
		return v.Int == o.Int
	case KindReal:
		return v.Real == o.Real
	case KindText:
		return v.Text == o.Text
	case KindBlob:
		return bytes.Equal(v.Blob, o.Blob)
	}
	return false
}

// String formats the value for diagnostics.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInteger:
		return fmt.Sprintf("%d", v.Int)
	case KindReal:
		return fmt.Sprintf("%g", v.Real)
	case KindText:
		return fmt.Sprintf("%q", v.Text)
	case KindBlob:
		return fmt.Sprintf("x'%x'", v.Blob)
	}
	return "?"
}

type valueJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes the value in self-describing form, e.g.
// {"type":"text","value":"alice"}. Blobs are base64.
func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Type: v.Kind.String()}
	var err error
	switch v.Kind {
	case KindNull:
	case KindInteger:
		out.Value, err = json.Marshal(v.Int)
	case KindReal:
		out.Value, err = json.Marshal(v.Real)
	case KindText:
		out.Value, err = json.Marshal(v.Text)
	case KindBlob:
		out.Value, err = json.Marshal(base64.StdEncoding.EncodeToString(v.Blob))
	default:
		err = fmt.Errorf("unknown value kind %d", v.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the self-describing form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Type {
	case "null", "":
		*v = Null()
		return nil
	case "integer":
		var i int64
		if err := json.Unmarshal(in.Value, &i); err != nil {
			return fmt.Errorf("decoding integer value: %w", err)
		}
		*v = Integer(i)
		return nil
	case "real":
		var f float64
		if err := json.Unmarshal(in.Value, &f); err != nil {
			return fmt.Errorf("decoding real value: %w", err)
		}
		*v = Real(f)
		return nil
	case "text":
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return fmt.Errorf("decoding text value: %w", err)
		}
		*v = Text(s)
		return nil
	case "blob":
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return fmt.Errorf("decoding blob value: %w", err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decoding blob value: %w", err)
		}
		*v = Blob(b)
		return nil
	}
	return fmt.Errorf("unknown value type %q", in.Type)
}

// IDKind selects the record-identifier shape. The shape is fixed per engine
// instance: either the table's 64-bit rowid or a 16-byte opaque id column.
type IDKind uint8

const (
	IDInteger IDKind = iota
	IDBlob
)

// BlobIDLen is the required length of opaque record identifiers.
const BlobIDLen = 16

// RecordID identifies a record in a replicated table. It is a tagged value,
// comparable and usable as a map key.
type RecordID struct {
	Kind IDKind
	Int  int64
	Blob [BlobIDLen]byte
}

// IntID returns an integer (rowid) record identifier.
func IntID(v int64) RecordID { return RecordID{Kind: IDInteger, Int: v} }

// BlobID returns a 16-byte opaque record identifier.
func BlobID(b [BlobIDLen]byte) RecordID { return RecordID{Kind: IDBlob, Blob: b} }

// BlobIDFromBytes converts a raw slice into a blob record identifier.
func BlobIDFromBytes(b []byte) (RecordID, error) {
	if len(b) != BlobIDLen {
		return RecordID{}, fmt.Errorf("record id must be %d bytes, got %d", BlobIDLen, len(b))
	}
	var id RecordID
	id.Kind = IDBlob
	copy(id.Blob[:], b)
	return id, nil
}

// UUIDID converts a UUID into a blob record identifier.
func UUIDID(u uuid.UUID) RecordID { return BlobID(u) }

// NewBlobID generates a random blob record identifier. Identity assignment
// is the caller's job; this is a convenience for callers without their own
// scheme.
func NewBlobID() RecordID { return UUIDID(uuid.New()) }

// Bytes returns the opaque id payload. Valid only for blob ids.
func (r RecordID) Bytes() []byte { return r.Blob[:] }

// String formats the id for diagnostics.
func (r RecordID) String() string {
	if r.Kind == IDInteger {
		return fmt.Sprintf("%d", r.Int)
	}
	return uuid.UUID(r.Blob).String()
}

// MarshalJSON encodes integer ids as numbers and blob ids as base64 strings.
func (r RecordID) MarshalJSON() ([]byte, error) {
	if r.Kind == IDInteger {
		return json.Marshal(r.Int)
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(r.Blob[:]))
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (r *RecordID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decoding record id: %w", err)
		}
		id, err := BlobIDFromBytes(b)
		if err != nil {
			return err
		}
		*r = id
		return nil
	}
	var i int64
	if err := json.Unmarshal(data, &i); err != nil {
		return fmt.Errorf("decoding record id: %w", err)
	}
	*r = IntID(i)
	return nil
}

// Op is the pending-buffer operation code written by the capture triggers.
type Op int

const (
	OpInsert Op = 1
	OpUpdate Op = 2
	OpDelete Op = 3
)

// Change is the wire unit of replication: one column write, or one record
// tombstone when Column is empty.
type Change struct {
	RecordID RecordID
	// Column names the changed column. Empty means the change is a record
	// tombstone.
	Column string
	// Value is the column value as of extraction time. Only meaningful for
	// column changes; a NULL value and an absent value are equivalent.
	Value Value
	// ColumnVersion is the per-(record, column) counter, the first LWW key.
	// Zero for tombstones.
	ColumnVersion uint64
	// DBVersion is the originating replica's clock when the change was
	// created, the second LWW key.
	DBVersion uint64
	// NodeID is the originating replica, the final LWW tie-break.
	NodeID uint64
	// LocalDBVersion is this replica's clock when the change was persisted
	// locally. It is only a sync cursor and is never compared across
	// replicas.
	LocalDBVersion uint64
	// Flags carries transient caller state. Never persisted or encoded.
	Flags uint32
}

// IsTombstone reports whether the change deletes the whole record.
func (c Change) IsTombstone() bool { return c.Column == "" }
