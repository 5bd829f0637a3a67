package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/sinkingsugar/crdt-sqlite/internal/types"
)

// pull syncs every change from src into dst.
func pull(t *testing.T, dst, src *Engine) []types.Change {
	t.Helper()
	ctx := context.Background()
	changes, err := src.ChangesSince(ctx, 0, nil, 0)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	accepted, err := dst.Merge(ctx, changes)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	return accepted
}

func TestMergeDisjointInserts(t *testing.T) {
	a := newUsersEngine(t, 1)
	b := newUsersEngine(t, 2)

	mustExec(t, a, `INSERT INTO users (id, name) VALUES (1, 'alice')`)
	mustExec(t, b, `INSERT INTO users (id, name) VALUES (2, 'bob')`)

	pull(t, b, a)
	pull(t, a, b)

	for _, e := range []*Engine{a, b} {
		if n := queryInt(t, e, `SELECT COUNT(*) FROM users`); n != 2 {
			t.Errorf("node %d has %d rows, want 2", e.NodeID(), n)
		}
		if got := queryText(t, e, `SELECT name FROM users WHERE id = 1`); got != "alice" {
			t.Errorf("node %d: id 1 = %q, want alice", e.NodeID(), got)
		}
		if got := queryText(t, e, `SELECT name FROM users WHERE id = 2`); got != "bob" {
			t.Errorf("node %d: id 2 = %q, want bob", e.NodeID(), got)
		}
	}
}

func TestMergeConcurrentDifferentColumns(t *testing.T) {
	a := newUsersEngine(t, 1)
	b := newUsersEngine(t, 2)

	// Shared base record on both replicas.
	mustExec(t, a, `INSERT INTO users (id, name, email) VALUES (1, 'alice', 'alice@x')`)
	pull(t, b, a)

	// Concurrent edits to different columns of the same record.
	mustExec(t, a, `UPDATE users SET email = 'a1@x' WHERE id = 1`)
	mustExec(t, b, `UPDATE users SET name = 'Alice Smith' WHERE id = 1`)

	pull(t, b, a)
	pull(t, a, b)

	for _, e := range []*Engine{a, b} {
		if got := queryText(t, e, `SELECT name FROM users WHERE id = 1`); got != "Alice Smith" {
			t.Errorf("node %d: name = %q, want 'Alice Smith'", e.NodeID(), got)
		}
		if got := queryText(t, e, `SELECT email FROM users WHERE id = 1`); got != "a1@x" {
			t.Errorf("node %d: email = %q, want 'a1@x'", e.NodeID(), got)
		}
	}
}

func TestMergeConcurrentSameColumn(t *testing.T) {
	a := newUsersEngine(t, 1)
	b := newUsersEngine(t, 2)

	mustExec(t, a, `INSERT INTO users (id, name, email) VALUES (1, 'alice', 'alice@x')`)
	pull(t, b, a)

	mustExec(t, a, `UPDATE users SET email = 'from-a@x' WHERE id = 1`)
	mustExec(t, b, `UPDATE users SET email = 'from-b@x' WHERE id = 1`)

	// Same column version on both sides; the node id breaks the tie, so
	// node 2's write must win everywhere.
	accIntoB := pull(t, b, a)
	accIntoA := pull(t, a, b)

	for _, e := range []*Engine{a, b} {
		if got := queryText(t, e, `SELECT email FROM users WHERE id = 1`); got != "from-b@x" {
			t.Errorf("node %d: email = %q, want 'from-b@x'", e.NodeID(), got)
		}
	}
	// The losing side accepts exactly the winning change; the winner
	// accepts nothing for that column.
	var intoALosing int
	for _, c := range accIntoA {
		if c.Column == "email" {
			intoALosing++
		}
	}
	if intoALosing != 1 {
		t.Errorf("loser accepted %d email changes, want 1", intoALosing)
	}
	for _, c := range accIntoB {
		if c.Column == "email" && c.NodeID == 1 {
			t.Errorf("winner accepted the losing email change")
		}
	}
}

func TestMergeTieRetainsLocal(t *testing.T) {
	a := newUsersEngine(t, 1)
	b := newUsersEngine(t, 2)

	mustExec(t, a, `INSERT INTO users (id, name) VALUES (1, 'alice')`)
	pull(t, b, a)

	// B now holds A's change under A's identity. Feeding the identical
	// change back is a tie on the full LWW key and must not be accepted.
	ctx := context.Background()
	fromA, err := a.ChangesSince(ctx, 0, nil, 0)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	accepted, err := b.Merge(ctx, fromA)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if len(accepted) != 0 {
		t.Errorf("tie was accepted: %d changes", len(accepted))
	}
}

func TestMergeIdempotent(t *testing.T) {
	a := newUsersEngine(t, 1)
	b := newUsersEngine(t, 2)

	mustExec(t, a, `INSERT INTO users (id, name, email) VALUES (1, 'alice', 'alice@x')`)
	mustExec(t, a, `DELETE FROM users WHERE id = 1`)
	mustExec(t, a, `INSERT INTO users (id, name) VALUES (2, 'bob')`)

	ctx := context.Background()
	changes, err := a.ChangesSince(ctx, 0, nil, 0)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}

	first, err := b.Merge(ctx, changes)
	if err != nil {
		t.Fatalf("first Merge failed: %v", err)
	}
	if len(first) != len(changes) {
		t.Fatalf("first merge accepted %d of %d", len(first), len(changes))
	}
	rows := queryInt(t, b, `SELECT COUNT(*) FROM users`)
	tombs, _ := b.TombstoneCount(ctx)

	second, err := b.Merge(ctx, changes)
	if err != nil {
		t.Fatalf("second Merge failed: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second merge accepted %d changes, want 0", len(second))
	}
	if n := queryInt(t, b, `SELECT COUNT(*) FROM users`); n != rows {
		t.Errorf("second merge changed row count: %d -> %d", rows, n)
	}
	if n, _ := b.TombstoneCount(ctx); n != tombs {
		t.Errorf("second merge changed tombstone count: %d -> %d", tombs, n)
	}
}

func TestMergeCommutesAcrossArrivalOrder(t *testing.T) {
	a := newUsersEngine(t, 1)
	b := newUsersEngine(t, 2)

	mustExec(t, a, `INSERT INTO users (id, name, email) VALUES (1, 'alice', 'alice@x')`)
	pull(t, b, a)
	mustExec(t, a, `UPDATE users SET email = 'a@x' WHERE id = 1`)
	mustExec(t, b, `UPDATE users SET name = 'Alice S' WHERE id = 1`)

	ctx := context.Background()
	fromA, err := a.ChangesSince(ctx, 0, nil, 0)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	fromB, err := b.ChangesSince(ctx, 0, nil, 0)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}

	// Two fresh observers apply the same concurrent changes in opposite
	// orders and must converge.
	c := newUsersEngine(t, 3)
	d := newUsersEngine(t, 4)
	for _, batch := range [][]types.Change{fromA, fromB} {
		if _, err := c.Merge(ctx, batch); err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
	}
	for _, batch := range [][]types.Change{fromB, fromA} {
		if _, err := d.Merge(ctx, batch); err != nil {
			t.Fatalf("Merge failed: %v", err)
		}
	}
	for _, e := range []*Engine{c, d} {
		if got := queryText(t, e, `SELECT name FROM users WHERE id = 1`); got != "Alice S" {
			t.Errorf("node %d: name = %q", e.NodeID(), got)
		}
		if got := queryText(t, e, `SELECT email FROM users WHERE id = 1`); got != "a@x" {
			t.Errorf("node %d: email = %q", e.NodeID(), got)
		}
	}
}

func TestMergeTombstoneDeletesRow(t *testing.T) {
	a := newUsersEngine(t, 1)
	b := newUsersEngine(t, 2)

	mustExec(t, a, `INSERT INTO users (id, name) VALUES (1, 'alice')`)
	pull(t, b, a)
	mustExec(t, a, `DELETE FROM users WHERE id = 1`)
	pull(t, b, a)

	if n := queryInt(t, b, `SELECT COUNT(*) FROM users`); n != 0 {
		t.Errorf("user row survived a merged tombstone")
	}
	n, err := b.TombstoneCount(context.Background())
	if err != nil {
		t.Fatalf("TombstoneCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("tombstone count = %d, want 1", n)
	}
	if v := queryInt(t, b, `SELECT COUNT(*) FROM crdt_users_versions`); v != 0 {
		t.Errorf("version rows survived a merged tombstone")
	}
}

func TestMergeOlderTombstoneLoses(t *testing.T) {
	b := newUsersEngine(t, 2)
	ctx := context.Background()

	mustExec(t, b, `INSERT INTO users (id, name) VALUES (1, 'local')`)
	mustExec(t, b, `DELETE FROM users WHERE id = 1`)

	// Local tombstone carries db_version 3; a remote tombstone with a
	// lower db_version must lose and leave metadata untouched.
	stale := []types.Change{{RecordID: types.IntID(1), DBVersion: 1, NodeID: 9}}
	accepted, err := b.Merge(ctx, stale)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if len(accepted) != 0 {
		t.Errorf("stale tombstone accepted")
	}
	if node := queryInt(t, b, `SELECT node_id FROM crdt_users_tombstones WHERE record_id = 1`); node != 2 {
		t.Errorf("tombstone node = %d, want local 2", node)
	}
}

func TestMergeRestoresTriggersAfterError(t *testing.T) {
	b := newUsersEngine(t, 2)
	ctx := context.Background()

	// A change naming a column this replica does not have fails the merge
	// mid-flight; the transaction rolls back and the triggers come back.
	bad := []types.Change{
		{RecordID: types.IntID(1), Column: "name", Value: types.Text("x"), ColumnVersion: 1, DBVersion: 1, NodeID: 9},
		{RecordID: types.IntID(1), Column: "no_such_column", Value: types.Text("y"), ColumnVersion: 1, DBVersion: 2, NodeID: 9},
	}
	if _, err := b.Merge(ctx, bad); err == nil {
		t.Fatal("merge of unknown column succeeded")
	}

	// Rollback: nothing from the failed batch stuck.
	if n := queryInt(t, b, `SELECT COUNT(*) FROM users`); n != 0 {
		t.Errorf("rolled-back merge left %d user rows", n)
	}
	if n := queryInt(t, b, `SELECT COUNT(*) FROM crdt_users_versions`); n != 0 {
		t.Errorf("rolled-back merge left %d version rows", n)
	}
	if k := mustClock(t, b); k != 0 {
		t.Errorf("rolled-back merge moved the clock to %d", k)
	}

	// Triggers restored: local writes are tracked again.
	mustExec(t, b, `INSERT INTO users (name) VALUES ('after')`)
	if k := mustClock(t, b); k != 2 {
		t.Errorf("clock = %d after post-merge insert, want 2 (triggers lost?)", k)
	}
	for _, name := range []string{"crdt_users_ins", "crdt_users_upd", "crdt_users_del"} {
		n := queryInt(t, b, `SELECT COUNT(*) FROM sqlite_schema WHERE type = 'trigger' AND name = '`+name+`'`)
		if n != 1 {
			t.Errorf("trigger %s not restored", name)
		}
	}
}

func TestMergeDoesNotRecaptureRemoteWrites(t *testing.T) {
	a := newUsersEngine(t, 1)
	b := newUsersEngine(t, 2)

	mustExec(t, a, `INSERT INTO users (id, name) VALUES (1, 'alice')`)
	pull(t, b, a)

	// Merged changes keep their remote identity: nothing in B's metadata
	// claims node 2 authored them.
	if n := queryInt(t, b, `SELECT COUNT(*) FROM crdt_users_versions WHERE node_id = 2`); n != 0 {
		t.Errorf("%d merged rows re-attributed to the local node", n)
	}
	// And pulling from B with node 1 excluded returns nothing: the merge
	// produced no self-authored echo.
	changes, err := b.ChangesSince(context.Background(), 0, []uint64{1}, 0)
	if err != nil {
		t.Fatalf("ChangesSince failed: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("merge echoed %d changes under the local identity", len(changes))
	}
}

func TestMergeAssignsDistinctLocalVersions(t *testing.T) {
	a := newUsersEngine(t, 1)
	b := newUsersEngine(t, 2)

	mustExec(t, a, `INSERT INTO users (id, name, email) VALUES (1, 'alice', 'alice@x')`)
	mustExec(t, a, `INSERT INTO users (id, name, email) VALUES (2, 'bob', 'bob@x')`)
	pull(t, b, a)

	// A merge of N changes must produce N distinct local_db_versions, or
	// peers paginating on the cursor lose changes.
	seen := make(map[int64]bool)
	stmt, err := b.Prepare(context.Background(), `SELECT local_db_version FROM crdt_users_versions`)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	defer func() { _ = stmt.Close() }()
	for stmt.Step() {
		v := stmt.Column(0).Int
		if seen[v] {
			t.Fatalf("duplicate local_db_version %d after merge", v)
		}
		seen[v] = true
	}
	if err := stmt.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(seen) != 4 {
		t.Errorf("got %d distinct local versions, want 4", len(seen))
	}
}

func TestMergeEmptyInput(t *testing.T) {
	b := newUsersEngine(t, 2)
	accepted, err := b.Merge(context.Background(), nil)
	if err != nil {
		t.Fatalf("Merge(nil) failed: %v", err)
	}
	if len(accepted) != 0 {
		t.Errorf("Merge(nil) accepted %d changes", len(accepted))
	}
}

func TestMergeErrorMentionsColumn(t *testing.T) {
	b := newUsersEngine(t, 2)
	bad := []types.Change{{RecordID: types.IntID(1), Column: "ghost", Value: types.Text("x"), ColumnVersion: 1, DBVersion: 1, NodeID: 9}}
	_, err := b.Merge(context.Background(), bad)
	if err == nil {
		t.Fatal("merge of unknown column succeeded")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("error %q does not name the failing column", err)
	}
}
