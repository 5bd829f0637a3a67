// Package wire encodes change logs as JSON lines, one change per line.
//
// The format is self-describing: values carry their type tag and blobs are
// base64, so change logs round-trip losslessly through text transports
// (files, pipes, queues). Field names and semantics follow the Change type.
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sinkingsugar/crdt-sqlite/internal/types"
)

// changeRecord is the wire shape of a Change. A record tombstone omits both
// column and value; a column set to NULL omits the value.
type changeRecord struct {
	RecordID       types.RecordID `json:"record_id"`
	Column         string         `json:"column,omitempty"`
	Value          *types.Value   `json:"value,omitempty"`
	ColumnVersion  uint64         `json:"column_version,omitempty"`
	DBVersion      uint64         `json:"db_version"`
	NodeID         uint64         `json:"node_id"`
	LocalDBVersion uint64         `json:"local_db_version"`
}

func toRecord(c types.Change) changeRecord {
	rec := changeRecord{
		RecordID:       c.RecordID,
		Column:         c.Column,
		ColumnVersion:  c.ColumnVersion,
		DBVersion:      c.DBVersion,
		NodeID:         c.NodeID,
		LocalDBVersion: c.LocalDBVersion,
	}
	if c.Column != "" && !c.Value.IsNull() {
		v := c.Value
		rec.Value = &v
	}
	return rec
}

func (r changeRecord) change() types.Change {
	c := types.Change{
		RecordID:       r.RecordID,
		Column:         r.Column,
		ColumnVersion:  r.ColumnVersion,
		DBVersion:      r.DBVersion,
		NodeID:         r.NodeID,
		LocalDBVersion: r.LocalDBVersion,
	}
	if r.Value != nil {
		c.Value = *r.Value
	}
	return c
}

// Encoder writes changes to a stream, one JSON object per line.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes one change.
func (e *Encoder) Encode(c types.Change) error {
	if err := e.enc.Encode(toRecord(c)); err != nil {
		return fmt.Errorf("encoding change for record %s: %w", c.RecordID, err)
	}
	return nil
}

// Write encodes a whole change sequence to w in order.
func Write(w io.Writer, changes []types.Change) error {
	enc := NewEncoder(w)
	for _, c := range changes {
		if err := enc.Encode(c); err != nil {
			return err
		}
	}
	return nil
}

// Decoder reads changes from a JSON-lines stream.
type Decoder struct {
	scan *bufio.Scanner
	line int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scan := bufio.NewScanner(r)
	// Change lines are small, but a text column can be arbitrarily large.
	scan.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Decoder{scan: scan}
}

// Decode reads the next change. It returns io.EOF at end of stream and
// skips blank lines.
func (d *Decoder) Decode() (types.Change, error) {
	for d.scan.Scan() {
		d.line++
		line := d.scan.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec changeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return types.Change{}, fmt.Errorf("line %d: %w", d.line, err)
		}
		return rec.change(), nil
	}
	if err := d.scan.Err(); err != nil {
		return types.Change{}, err
	}
	return types.Change{}, io.EOF
}

// Read decodes an entire change log from r.
func Read(r io.Reader) ([]types.Change, error) {
	dec := NewDecoder(r)
	var changes []types.Change
	for {
		c, err := dec.Decode()
		if err == io.EOF {
			return changes, nil
		}
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
}
