package crdtsqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	crdtsqlite "github.com/sinkingsugar/crdt-sqlite"
)

func newNode(t *testing.T, nodeID uint64) *crdtsqlite.Engine {
	t.Helper()
	eng, err := crdtsqlite.Open(filepath.Join(t.TempDir(), "node.db"), nodeID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if cerr := eng.Close(); cerr != nil {
			t.Fatalf("Close failed: %v", cerr)
		}
	})
	ctx := context.Background()
	if err := eng.Execute(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, email TEXT)`); err != nil {
		t.Fatalf("creating users table: %v", err)
	}
	if err := eng.Enable(ctx, "users"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	return eng
}

func sync(t *testing.T, dst, src *crdtsqlite.Engine) {
	t.Helper()
	ctx := context.Background()
	changes, err := src.ChangesSince(ctx, 0, nil, 0)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	if _, err := dst.Merge(ctx, changes); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
}

// snapshot captures user-visible table content plus metadata identities
// with local_db_version masked out, which is exactly the state two
// converged replicas must share.
type userRow struct {
	id          int64
	name, email crdtsqlite.Value
}

func snapshot(t *testing.T, eng *crdtsqlite.Engine) (rows []userRow, meta []string) {
	t.Helper()
	ctx := context.Background()

	stmt, err := eng.Prepare(ctx, `SELECT id, name, email FROM users ORDER BY id`)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	for stmt.Step() {
		rows = append(rows, userRow{
			id:    stmt.Column(0).Int,
			name:  stmt.Column(1),
			email: stmt.Column(2),
		})
	}
	if err := stmt.Err(); err != nil {
		t.Fatalf("scanning users: %v", err)
	}
	_ = stmt.Close()

	// Changes from cursor 0 expose versions and tombstones; masking the
	// cursor field leaves only replica-independent state.
	changes, err := eng.ChangesSince(ctx, 0, nil, 0)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	for _, c := range changes {
		meta = append(meta, fmt.Sprintf("%s|%s|%s|%d|%d|%d",
			c.RecordID, c.Column, c.Value, c.ColumnVersion, c.DBVersion, c.NodeID))
	}
	return rows, meta
}

func assertConverged(t *testing.T, a, b *crdtsqlite.Engine) {
	t.Helper()
	rowsA, metaA := snapshot(t, a)
	rowsB, metaB := snapshot(t, b)

	if len(rowsA) != len(rowsB) {
		t.Fatalf("row counts diverge: %d vs %d", len(rowsA), len(rowsB))
	}
	for i := range rowsA {
		ra, rb := rowsA[i], rowsB[i]
		if ra.id != rb.id || !ra.name.Equal(rb.name) || !ra.email.Equal(rb.email) {
			t.Errorf("row %d diverges: %+v vs %+v", i, ra, rb)
		}
	}

	seen := make(map[string]int)
	for _, m := range metaA {
		seen[m]++
	}
	for _, m := range metaB {
		seen[m]--
	}
	for m, n := range seen {
		if n != 0 {
			t.Errorf("metadata diverges at %s (count delta %d)", m, n)
		}
	}
}

// Single-node insert then read-back.
func TestInsertReadBack(t *testing.T) {
	eng := newNode(t, 1)
	ctx := context.Background()

	if err := eng.Execute(ctx, `INSERT INTO users (name, email) VALUES ('Alice', 'alice@x')`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	clock, err := eng.Clock(ctx)
	if err != nil {
		t.Fatalf("Clock failed: %v", err)
	}
	if clock < 2 {
		t.Errorf("clock = %d, want >= 2", clock)
	}

	changes, err := eng.ChangesSince(ctx, 0, nil, 0)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(changes))
	}
	want := map[string]crdtsqlite.Value{
		"name":  crdtsqlite.Text("Alice"),
		"email": crdtsqlite.Text("alice@x"),
	}
	for _, c := range changes {
		wv, ok := want[c.Column]
		if !ok {
			t.Errorf("unexpected change for column %q", c.Column)
			continue
		}
		if !c.Value.Equal(wv) {
			t.Errorf("column %q value = %s, want %s", c.Column, c.Value, wv)
		}
		if c.ColumnVersion != 1 {
			t.Errorf("column %q version = %d, want 1", c.Column, c.ColumnVersion)
		}
		delete(want, c.Column)
	}
}

// Bootstrap fidelity: an extraction from cursor 0 rebuilds the full live
// state on an empty replica.
func TestBootstrapEmptyPeer(t *testing.T) {
	a := newNode(t, 1)
	b := newNode(t, 2)
	ctx := context.Background()

	writes := []string{
		`INSERT INTO users (id, name, email) VALUES (1, 'Alice', 'alice@x')`,
		`INSERT INTO users (id, name) VALUES (2, 'Bob')`,
		`UPDATE users SET email = 'bob@x' WHERE id = 2`,
		`INSERT INTO users (id, name) VALUES (3, 'Eve')`,
		`DELETE FROM users WHERE id = 3`,
		`UPDATE users SET name = 'Alice Smith' WHERE id = 1`,
	}
	for _, w := range writes {
		if err := a.Execute(ctx, w); err != nil {
			t.Fatalf("Execute(%q) failed: %v", w, err)
		}
	}

	sync(t, b, a)
	assertConverged(t, a, b)
}

// Two-node disjoint inserts converge and drain their cursors.
func TestTwoNodeDisjointInserts(t *testing.T) {
	a := newNode(t, 1)
	b := newNode(t, 2)
	ctx := context.Background()

	if err := a.Execute(ctx, `INSERT INTO users (id, name) VALUES (1, 'Alice')`); err != nil {
		t.Fatalf("insert on A failed: %v", err)
	}
	if err := b.Execute(ctx, `INSERT INTO users (id, name) VALUES (2, 'Bob')`); err != nil {
		t.Fatalf("insert on B failed: %v", err)
	}

	sync(t, b, a)
	sync(t, a, b)
	assertConverged(t, a, b)

	// After a full exchange, a pull from the post-merge cursor is empty on
	// both sides.
	for _, eng := range []*crdtsqlite.Engine{a, b} {
		cursor, err := eng.Clock(ctx)
		if err != nil {
			t.Fatalf("Clock failed: %v", err)
		}
		tail, err := eng.ChangesSince(ctx, cursor, nil, 0)
		if err != nil {
			t.Fatalf("ChangesSince failed: %v", err)
		}
		if len(tail) != 0 {
			t.Errorf("node %d: %d changes past the merge cursor, want 0", eng.NodeID(), len(tail))
		}
	}
}

// Convergence under an arbitrary-ish interleaving of writes on both sides.
func TestConvergenceAfterCrossMerge(t *testing.T) {
	a := newNode(t, 1)
	b := newNode(t, 2)
	ctx := context.Background()

	if err := a.Execute(ctx, `INSERT INTO users (id, name, email) VALUES (1, 'Alice', 'alice@x')`); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	sync(t, b, a)

	for _, w := range []string{
		`UPDATE users SET email = 'a2@x' WHERE id = 1`,
		`INSERT INTO users (id, name) VALUES (10, 'OnlyA')`,
	} {
		if err := a.Execute(ctx, w); err != nil {
			t.Fatalf("write on A failed: %v", err)
		}
	}
	for _, w := range []string{
		`UPDATE users SET name = 'Alice B' WHERE id = 1`,
		`INSERT INTO users (id, name, email) VALUES (20, 'OnlyB', 'b@x')`,
		`UPDATE users SET email = 'b2@x' WHERE id = 20`,
	} {
		if err := b.Execute(ctx, w); err != nil {
			t.Fatalf("write on B failed: %v", err)
		}
	}

	sync(t, b, a)
	sync(t, a, b)
	// One more pass settles changes that A accepted after B's first pull.
	sync(t, b, a)

	assertConverged(t, a, b)
}
