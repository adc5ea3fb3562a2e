// Package storetest holds the conformance suite every revgraph document-store
// backend must pass.
package storetest

import (
	"context"
	"errors"
	"testing"

	"revgraph/graph"
	"revgraph/keys"
	"revgraph/ops"
	"revgraph/player"
	"revgraph/revlog"
)

// Backend is the full contract of a document-store backend.
type Backend interface {
	revlog.Backend
	player.Target
	Branches(ctx context.Context, graphID string) ([]string, error)
	Close() error
}

// Factory opens a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) Backend

var (
	mainScope  = graph.Scope{Graph: "g", Branch: "main"}
	otherScope = graph.Scope{Graph: "g", Branch: "dev"}
)

// Run executes the conformance suite against backends built by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b Backend)
	}{
		{"RevisionsForTransaction", testRevisionsForTransaction},
		{"CommitSweep", testCommitSweep},
		{"DeleteTransaction", testDeleteTransaction},
		{"CommittedOrder", testCommittedOrder},
		{"CommittedSince", testCommittedSince},
		{"Branches", testBranches},
		{"Counters", testCounters},
		{"Checkpoints", testCheckpoints},
		{"Nodes", testNodes},
		{"NodeAliasIndex", testNodeAliasIndex},
		{"SetNodeProperty", testSetNodeProperty},
		{"Edges", testEdges},
		{"ResetScope", testResetScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := open(t)
			defer b.Close()
			tt.fn(t, b)
		})
	}
}

func container(id string, scope graph.Scope, txn string, submit int64, uid string) *revlog.Container {
	items := []ops.Item{ops.Wrap(&ops.NodeModification{Keys: keys.UID(uid)})}
	d, _ := revlog.ItemsDigest(items)
	return &revlog.Container{
		UniqueID:    id,
		GraphID:     scope.Graph,
		BranchID:    scope.Branch,
		TxnID:       txn,
		TxnSubmitID: submit,
		Timestamp:   100 + submit,
		Items:       items,
		Digest:      d,
	}
}

func insert(t *testing.T, b Backend, cs ...*revlog.Container) {
	t.Helper()
	for _, c := range cs {
		if err := b.InsertRevision(context.Background(), c); err != nil {
			t.Fatalf("InsertRevision(%s) failed: %v", c.UniqueID, err)
		}
	}
}

func ids(cs []*revlog.Container) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.UniqueID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func testRevisionsForTransaction(t *testing.T, b Backend) {
	ctx := context.Background()
	insert(t, b,
		container("c2", mainScope, "t1", 2, "b"),
		container("c0", mainScope, "t1", 0, "a"),
		container("x0", mainScope, "t2", 0, "x"),
	)

	cs, err := b.RevisionsForTransaction(ctx, "t1", false)
	if err != nil {
		t.Fatalf("RevisionsForTransaction failed: %v", err)
	}
	if got := ids(cs); !equal(got, []string{"c0", "c2"}) {
		t.Fatalf("expected [c0 c2], got %v", got)
	}

	c := cs[0]
	if c.GraphID != "g" || c.BranchID != "main" || c.TxnID != "t1" || c.Timestamp != 100 {
		t.Errorf("container fields not preserved: %+v", c)
	}
	if len(c.Items) != 1 || c.Items[0].Type() != ops.OpNodeModification {
		t.Fatalf("items not preserved: %+v", c.Items)
	}
	nm, ok := c.Items[0].Op.(*ops.NodeModification)
	if !ok || !nm.Keys.HasUID("a") {
		t.Errorf("unexpected operation %#v", c.Items[0].Op)
	}
	d, err := revlog.ItemsDigest(c.Items)
	if err != nil || d != c.Digest {
		t.Errorf("digest mismatch after round trip: %s vs %s (%v)", d, c.Digest, err)
	}
}

func testCommitSweep(t *testing.T, b Backend) {
	ctx := context.Background()
	insert(t, b,
		container("c0", mainScope, "t1", 0, "a"),
		container("c1", mainScope, "t1", 1, "b"),
	)

	n, err := b.CommitTransaction(ctx, "t1", 500, 1)
	if err != nil || n != 2 {
		t.Fatalf("CommitTransaction = %d, %v; want 2", n, err)
	}

	uncommitted, err := b.RevisionsForTransaction(ctx, "t1", true)
	if err != nil || len(uncommitted) != 0 {
		t.Fatalf("expected no uncommitted containers, got %d (%v)", len(uncommitted), err)
	}

	// A late container committed by a second sweep keeps the earlier dates.
	insert(t, b, container("c2", mainScope, "t1", 2, "c"))
	n, err = b.CommitTransaction(ctx, "t1", 900, 2)
	if err != nil || n != 1 {
		t.Fatalf("second CommitTransaction = %d, %v; want 1", n, err)
	}

	cs, _ := b.RevisionsForTransaction(ctx, "t1", false)
	want := []int64{500, 500, 900}
	for i, c := range cs {
		if !c.Committed || c.DateCommitted != want[i] {
			t.Errorf("container %s: committed=%v date=%d, want date %d", c.UniqueID, c.Committed, c.DateCommitted, want[i])
		}
	}

	n, err = b.CommitTransaction(ctx, "unknown", 1000, 3)
	if err != nil || n != 0 {
		t.Errorf("commit of unknown txn = %d, %v", n, err)
	}
}

func testDeleteTransaction(t *testing.T, b Backend) {
	ctx := context.Background()
	insert(t, b,
		container("c0", mainScope, "t1", 0, "a"),
		container("c1", mainScope, "t1", 1, "b"),
		container("k0", mainScope, "keep", 0, "k"),
	)
	if _, err := b.CommitTransaction(ctx, "t1", 10, 1); err != nil {
		t.Fatal(err)
	}

	n, err := b.DeleteTransaction(ctx, "t1")
	if err != nil || n != 2 {
		t.Fatalf("DeleteTransaction = %d, %v; want 2", n, err)
	}
	cs, _ := b.RevisionsForTransaction(ctx, "t1", false)
	if len(cs) != 0 {
		t.Errorf("expected no containers, got %v", ids(cs))
	}
	committed, _ := b.CommittedRevisions(ctx, mainScope, revlog.Position{})
	if len(committed) != 0 {
		t.Errorf("deleted containers still visible to replay: %v", ids(committed))
	}
	kept, _ := b.RevisionsForTransaction(ctx, "keep", false)
	if len(kept) != 1 {
		t.Errorf("other transaction affected, got %d containers", len(kept))
	}
}

func testCommittedOrder(t *testing.T, b Backend) {
	ctx := context.Background()
	insert(t, b,
		container("a1", mainScope, "ta", 1, "a1"),
		container("a0", mainScope, "ta", 0, "a0"),
		container("b0", mainScope, "tb", 0, "b0"),
		container("z0", mainScope, "tz", 0, "z0"), // same date and submit id as y0
		container("y0", mainScope, "tz", 0, "y0"),
		container("o0", otherScope, "to", 0, "o0"),
		container("u0", mainScope, "tu", 0, "u0"),
	)
	for i, txn := range []string{"ta", "tb", "tz", "to"} {
		at := map[string]int64{"ta": 20, "tb": 10, "tz": 30, "to": 5}[txn]
		if _, err := b.CommitTransaction(ctx, txn, at, int64(i+1)); err != nil {
			t.Fatal(err)
		}
	}

	cs, err := b.CommittedRevisions(ctx, mainScope, revlog.Position{})
	if err != nil {
		t.Fatalf("CommittedRevisions failed: %v", err)
	}
	want := []string{"b0", "a0", "a1", "y0", "z0"}
	if got := ids(cs); !equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	after, err := b.CommittedRevisions(ctx, mainScope, cs[2].Position())
	if err != nil {
		t.Fatalf("CommittedRevisions after failed: %v", err)
	}
	if got := ids(after); !equal(got, []string{"y0", "z0"}) {
		t.Errorf("expected [y0 z0] after a1, got %v", got)
	}

	after, _ = b.CommittedRevisions(ctx, mainScope, cs[3].Position())
	if got := ids(after); !equal(got, []string{"z0"}) {
		t.Errorf("unique id tie-break not honored, got %v", got)
	}
}

func testCommittedSince(t *testing.T, b Backend) {
	ctx := context.Background()
	insert(t, b,
		container("a0", mainScope, "ta", 0, "a0"),
		container("b0", mainScope, "tb", 0, "b0"),
		container("o0", otherScope, "to", 0, "o0"),
	)
	if _, err := b.CommitTransaction(ctx, "ta", 50, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.CommitTransaction(ctx, "to", 50, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := b.CommitTransaction(ctx, "tb", 50, 3); err != nil {
		t.Fatal(err)
	}

	// An imported container keeps its old commit date but becomes visible
	// with a later sequence.
	old := container("i0", mainScope, "ti", 0, "i0")
	old.Committed = true
	old.DateCommitted = 10
	old.CommitSeq = 4
	insert(t, b, old)

	cs, err := b.CommittedSince(ctx, mainScope, 0)
	if err != nil {
		t.Fatalf("CommittedSince failed: %v", err)
	}
	if got := ids(cs); !equal(got, []string{"i0", "a0", "b0"}) {
		t.Fatalf("expected [i0 a0 b0], got %v", got)
	}
	seqs := map[string]int64{"i0": 4, "a0": 1, "b0": 3}
	for _, c := range cs {
		if c.CommitSeq != seqs[c.UniqueID] {
			t.Errorf("container %s: commit seq %d, want %d", c.UniqueID, c.CommitSeq, seqs[c.UniqueID])
		}
	}

	cs, err = b.CommittedSince(ctx, mainScope, 1)
	if err != nil {
		t.Fatalf("CommittedSince(1) failed: %v", err)
	}
	if got := ids(cs); !equal(got, []string{"i0", "b0"}) {
		t.Errorf("expected [i0 b0] after seq 1, got %v", got)
	}

	// The position scan misses the imported container; the sequence scan
	// does not.
	after, _ := b.CommittedRevisions(ctx, mainScope, revlog.Position{DateCommitted: 50, UniqueID: "a0"})
	if got := ids(after); !equal(got, []string{"b0"}) {
		t.Errorf("expected [b0] after a0, got %v", got)
	}

	if cs, _ := b.CommittedSince(ctx, mainScope, 4); len(cs) != 0 {
		t.Errorf("expected nothing after the last seq, got %v", ids(cs))
	}

	if _, err := b.DeleteTransaction(ctx, "tb"); err != nil {
		t.Fatal(err)
	}
	if cs, _ := b.CommittedSince(ctx, mainScope, 1); !equal(ids(cs), []string{"i0"}) {
		t.Errorf("deleted container still in the sequence index: %v", ids(cs))
	}
}

func testBranches(t *testing.T, b Backend) {
	ctx := context.Background()
	insert(t, b,
		container("c0", mainScope, "t1", 0, "a"),
		container("c1", otherScope, "t2", 0, "b"),
		container("c2", graph.Scope{Graph: "h", Branch: "x"}, "t3", 0, "c"),
	)
	branches, err := b.Branches(ctx, "g")
	if err != nil {
		t.Fatalf("Branches failed: %v", err)
	}
	if !equal(branches, []string{"dev", "main"}) {
		t.Errorf("expected [dev main], got %v", branches)
	}
}

func testCounters(t *testing.T, b Backend) {
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		v, err := b.NextSequence(ctx, "a")
		if err != nil {
			t.Fatalf("NextSequence failed: %v", err)
		}
		if v != want {
			t.Errorf("expected %d, got %d", want, v)
		}
	}
	v, err := b.NextSequence(ctx, "b")
	if err != nil || v != 1 {
		t.Errorf("independent counter = %d, %v; want 1", v, err)
	}
}

func testCheckpoints(t *testing.T, b Backend) {
	ctx := context.Background()
	cp, err := b.LoadCheckpoint(ctx, mainScope)
	if err != nil || !cp.IsZero() {
		t.Fatalf("expected zero checkpoint, got %+v (%v)", cp, err)
	}

	want := revlog.Checkpoint{
		Last:    revlog.Position{DateCommitted: 42, TxnSubmitID: 3, UniqueID: "c9"},
		Seq:     4,
		Pending: 6,
	}
	if err := b.SaveCheckpoint(ctx, mainScope, want); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := b.SaveCheckpoint(ctx, otherScope, revlog.Checkpoint{Seq: 1}); err != nil {
		t.Fatal(err)
	}
	got, err := b.LoadCheckpoint(ctx, mainScope)
	if err != nil || got != want {
		t.Errorf("expected %+v, got %+v (%v)", want, got, err)
	}
}

func testNodes(t *testing.T, b Backend) {
	ctx := context.Background()
	n := &graph.Node{
		ID:      "node/1",
		Seq:     1,
		Keys:    keys.New("Person", []string{"n1"}, []string{"Alice"}),
		Content: map[string]interface{}{"age": 30, "tags": []interface{}{"x"}},
	}
	if err := b.PutNode(ctx, mainScope, n); err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}
	if err := b.PutNode(ctx, mainScope, &graph.Node{ID: "node/2", Seq: 2, Keys: keys.UID("n2")}); err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}

	got, err := b.GetNode(ctx, mainScope, "node/1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if !got.Loaded || !got.Keys.Equal(n.Keys) || got.Seq != 1 {
		t.Errorf("unexpected node %+v", got)
	}
	if age, ok := got.Content["age"].(float64); !ok || age != 30 {
		t.Errorf("expected content age 30 as float64, got %#v", got.Content["age"])
	}

	if _, err := b.GetNode(ctx, mainScope, "node/9"); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := b.GetNode(ctx, otherScope, "node/1"); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("scopes must be isolated, got %v", err)
	}

	found, err := b.FindNodes(ctx, mainScope, keys.Named("Person", "Alice"))
	if err != nil || len(found) != 1 || found[0].ID != "node/1" {
		t.Fatalf("FindNodes by name = %v, %v", found, err)
	}
	found, _ = b.FindNodes(ctx, mainScope, keys.Named("Robot", "Alice"))
	if len(found) != 0 {
		t.Errorf("type mismatch must not match, got %d", len(found))
	}

	list, err := b.ListNodes(ctx, mainScope)
	if err != nil || len(list) != 2 || list[0].ID != "node/1" || list[1].ID != "node/2" {
		t.Fatalf("ListNodes = %v, %v", list, err)
	}

	if err := b.DeleteNode(ctx, mainScope, "node/1"); err != nil {
		t.Fatalf("DeleteNode failed: %v", err)
	}
	found, _ = b.FindNodes(ctx, mainScope, keys.UID("n1"))
	if len(found) != 0 {
		t.Errorf("deleted node still indexed")
	}
	if err := b.DeleteNode(ctx, mainScope, "node/1"); err != nil {
		t.Errorf("deleting a missing node should succeed, got %v", err)
	}
}

func testNodeAliasIndex(t *testing.T, b Backend) {
	ctx := context.Background()
	if err := b.PutNode(ctx, mainScope, &graph.Node{ID: "node/1", Seq: 1, Keys: keys.UID("old")}); err != nil {
		t.Fatal(err)
	}
	if err := b.PutNode(ctx, mainScope, &graph.Node{ID: "node/3", Seq: 3, Keys: keys.UID("shared")}); err != nil {
		t.Fatal(err)
	}
	// Replacing the keys drops the stale alias and adds the new ones.
	if err := b.PutNode(ctx, mainScope, &graph.Node{ID: "node/1", Seq: 1, Keys: keys.UID("new", "shared")}); err != nil {
		t.Fatal(err)
	}

	if found, _ := b.FindNodes(ctx, mainScope, keys.UID("old")); len(found) != 0 {
		t.Errorf("stale alias still resolves")
	}
	found, err := b.FindNodes(ctx, mainScope, keys.UID("shared"))
	if err != nil || len(found) != 2 {
		t.Fatalf("expected 2 matches, got %d (%v)", len(found), err)
	}
	if found[0].ID != "node/1" || found[1].ID != "node/3" {
		t.Errorf("matches not ordered by seq: %s, %s", found[0].ID, found[1].ID)
	}
}

func testSetNodeProperty(t *testing.T, b Backend) {
	ctx := context.Background()
	if err := b.PutNode(ctx, mainScope, &graph.Node{ID: "node/1", Seq: 1, Keys: keys.UID("n1")}); err != nil {
		t.Fatal(err)
	}
	if err := b.SetNodeProperty(ctx, mainScope, "node/1", "color", "red"); err != nil {
		t.Fatalf("SetNodeProperty failed: %v", err)
	}
	n, err := b.GetNode(ctx, mainScope, "node/1")
	if err != nil || n.Content["color"] != "red" {
		t.Errorf("expected color=red, got %v (%v)", n, err)
	}
	if err := b.SetNodeProperty(ctx, mainScope, "node/9", "color", "red"); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testEdges(t *testing.T, b Backend) {
	ctx := context.Background()
	e := &graph.Edge{
		ID:      "edge/1",
		Seq:     1,
		Keys:    keys.New("KNOWS", []string{"e1"}, nil),
		From:    keys.UID("n1"),
		To:      keys.UID("n2"),
		Content: map[string]interface{}{"since": "2020"},
	}
	if err := b.PutEdge(ctx, mainScope, e); err != nil {
		t.Fatalf("PutEdge failed: %v", err)
	}
	if err := b.PutEdge(ctx, mainScope, &graph.Edge{
		ID: "edge/2", Seq: 2, Keys: keys.UID("e2"), From: keys.UID("n2"), To: keys.UID("n3"),
	}); err != nil {
		t.Fatal(err)
	}

	got, err := b.GetEdge(ctx, mainScope, "edge/1")
	if err != nil {
		t.Fatalf("GetEdge failed: %v", err)
	}
	if !got.Loaded || !got.From.Equal(e.From) || !got.To.Equal(e.To) || got.Content["since"] != "2020" {
		t.Errorf("unexpected edge %+v", got)
	}

	found, err := b.FindEdges(ctx, mainScope, keys.UID("e1"))
	if err != nil || len(found) != 1 {
		t.Fatalf("FindEdges = %v, %v", found, err)
	}

	touching, err := b.EdgesTouching(ctx, mainScope, keys.UID("n2"))
	if err != nil || len(touching) != 2 {
		t.Fatalf("EdgesTouching(n2) = %d, %v; want 2", len(touching), err)
	}
	touching, _ = b.EdgesTouching(ctx, mainScope, keys.UID("n1"))
	if len(touching) != 1 || touching[0].ID != "edge/1" {
		t.Errorf("EdgesTouching(n1) = %v", touching)
	}

	// Moving an endpoint updates the endpoint index.
	e.To = keys.UID("n4")
	if err := b.PutEdge(ctx, mainScope, e); err != nil {
		t.Fatal(err)
	}
	touching, _ = b.EdgesTouching(ctx, mainScope, keys.UID("n2"))
	if len(touching) != 1 || touching[0].ID != "edge/2" {
		t.Errorf("stale endpoint still indexed: %v", touching)
	}

	list, err := b.ListEdges(ctx, mainScope)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListEdges = %v, %v", list, err)
	}

	if err := b.DeleteEdge(ctx, mainScope, "edge/1"); err != nil {
		t.Fatalf("DeleteEdge failed: %v", err)
	}
	if _, err := b.GetEdge(ctx, mainScope, "edge/1"); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if touching, _ := b.EdgesTouching(ctx, mainScope, keys.UID("n1")); len(touching) != 0 {
		t.Errorf("deleted edge still touches n1")
	}
}

func testResetScope(t *testing.T, b Backend) {
	ctx := context.Background()
	for _, s := range []graph.Scope{mainScope, otherScope} {
		if err := b.PutNode(ctx, s, &graph.Node{ID: "node/1", Seq: 1, Keys: keys.UID("n1")}); err != nil {
			t.Fatal(err)
		}
		if err := b.PutEdge(ctx, s, &graph.Edge{ID: "edge/1", Seq: 1, Keys: keys.UID("e1"), From: keys.UID("n1"), To: keys.UID("n2")}); err != nil {
			t.Fatal(err)
		}
		if _, err := b.NextSequence(ctx, graph.NodeCounter(s)); err != nil {
			t.Fatal(err)
		}
		if err := b.SaveCheckpoint(ctx, s, revlog.Checkpoint{Last: revlog.Position{DateCommitted: 7}, Seq: 7}); err != nil {
			t.Fatal(err)
		}
	}
	insert(t, b, container("c0", mainScope, "t1", 0, "a"))

	if err := b.ResetScope(ctx, mainScope); err != nil {
		t.Fatalf("ResetScope failed: %v", err)
	}

	if nodes, _ := b.ListNodes(ctx, mainScope); len(nodes) != 0 {
		t.Errorf("nodes survived reset: %d", len(nodes))
	}
	if edges, _ := b.ListEdges(ctx, mainScope); len(edges) != 0 {
		t.Errorf("edges survived reset: %d", len(edges))
	}
	if found, _ := b.FindNodes(ctx, mainScope, keys.UID("n1")); len(found) != 0 {
		t.Errorf("alias index survived reset")
	}
	if cp, _ := b.LoadCheckpoint(ctx, mainScope); !cp.IsZero() {
		t.Errorf("checkpoint survived reset: %+v", cp)
	}
	if v, _ := b.NextSequence(ctx, graph.NodeCounter(mainScope)); v != 1 {
		t.Errorf("node counter not reset, got %d", v)
	}

	if nodes, _ := b.ListNodes(ctx, otherScope); len(nodes) != 1 {
		t.Errorf("other scope affected by reset")
	}
	if cp, _ := b.LoadCheckpoint(ctx, otherScope); cp.IsZero() {
		t.Errorf("other scope checkpoint affected by reset")
	}
	if cs, _ := b.RevisionsForTransaction(ctx, "t1", false); len(cs) != 1 {
		t.Errorf("reset must not touch the revision log")
	}
}
