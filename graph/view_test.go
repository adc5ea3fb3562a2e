package graph_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"revgraph/cas"
	"revgraph/graph"
	"revgraph/keys"
	"revgraph/store"
)

var scope = graph.Scope{Graph: "g", Branch: "main"}

func openView(t *testing.T) (*store.DB, *graph.View) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, graph.NewView(db, scope)
}

func putNode(t *testing.T, db *store.DB, id string, seq int64, k keys.EntityKeys) {
	t.Helper()
	if err := db.PutNode(context.Background(), scope, &graph.Node{ID: id, Seq: seq, Keys: k}); err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}
}

func putEdge(t *testing.T, db *store.DB, id string, seq int64, typ string, from, to keys.EntityKeys) {
	t.Helper()
	e := &graph.Edge{ID: id, Seq: seq, Keys: keys.New(typ, []string{id}, nil), From: from, To: to}
	if err := db.PutEdge(context.Background(), scope, e); err != nil {
		t.Fatalf("PutEdge failed: %v", err)
	}
}

func TestScopeValidate(t *testing.T) {
	tests := []struct {
		scope graph.Scope
		ok    bool
	}{
		{graph.Scope{Graph: "g", Branch: "main"}, true},
		{graph.Scope{Graph: "g", Branch: "feature-1"}, true},
		{graph.Scope{Graph: "", Branch: "main"}, false},
		{graph.Scope{Graph: "g", Branch: ""}, false},
		{graph.Scope{Graph: "a/b", Branch: "main"}, false},
		{graph.Scope{Graph: "g", Branch: `x\y`}, false},
	}
	for _, tt := range tests {
		err := tt.scope.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("Validate(%q) = %v, want ok=%v", tt.scope.String(), err, tt.ok)
		}
		if err != nil && !errors.Is(err, graph.ErrInvalidScope) {
			t.Errorf("expected ErrInvalidScope, got %v", err)
		}
	}
}

func TestMatchType(t *testing.T) {
	tests := []struct {
		pattern, typ string
		want         bool
	}{
		{"", "Person", true},
		{"Person", "Person", true},
		{"Per*", "Person", true},
		{"Robot", "Person", false},
		{"{Person,Robot}", "Robot", true},
	}
	for _, tt := range tests {
		got, err := graph.MatchType(tt.pattern, tt.typ)
		if err != nil {
			t.Fatalf("MatchType(%q, %q) failed: %v", tt.pattern, tt.typ, err)
		}
		if got != tt.want {
			t.Errorf("MatchType(%q, %q) = %v, want %v", tt.pattern, tt.typ, got, tt.want)
		}
	}
	if _, err := graph.MatchType("[", "x"); err == nil {
		t.Error("expected error for malformed pattern")
	}
}

func TestFindNodeAndResolve(t *testing.T) {
	ctx := context.Background()
	db, v := openView(t)
	putNode(t, db, "node/1", 1, keys.New("Person", []string{"n1"}, []string{"Alice"}))
	putNode(t, db, "node/2", 2, keys.New("Person", []string{"n1", "n9"}, nil))

	n, err := v.FindNode(ctx, keys.Named("Person", "Alice"))
	if err != nil || n.ID != "node/1" {
		t.Fatalf("FindNode = %v, %v", n, err)
	}
	if _, err := v.FindNode(ctx, keys.UID("missing")); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	full, err := v.ResolveNode(ctx, keys.Named("Person", "Alice"))
	if err != nil {
		t.Fatalf("ResolveNode failed: %v", err)
	}
	if !full.HasUID("n1") || !full.HasUID("n9") || !full.HasName("Alice") {
		t.Errorf("expected closure over n1/n9/Alice, got %s", full)
	}
}

func TestNodesAndEdgesByType(t *testing.T) {
	ctx := context.Background()
	db, v := openView(t)
	putNode(t, db, "node/1", 1, keys.New("Person", []string{"a"}, nil))
	putNode(t, db, "node/2", 2, keys.New("City", []string{"b"}, nil))
	putEdge(t, db, "edge/1", 1, "LIVES_IN", keys.UID("a"), keys.UID("b"))
	putEdge(t, db, "edge/2", 2, "KNOWS", keys.UID("a"), keys.UID("c"))

	people, err := v.Nodes(ctx, "Person")
	if err != nil || len(people) != 1 || people[0].ID != "node/1" {
		t.Errorf("Nodes(Person) = %v, %v", people, err)
	}
	all, _ := v.Nodes(ctx, "")
	if len(all) != 2 {
		t.Errorf("expected 2 nodes, got %d", len(all))
	}
	edges, err := v.Edges(ctx, "LIVES_*")
	if err != nil || len(edges) != 1 || edges[0].ID != "edge/1" {
		t.Errorf("Edges(LIVES_*) = %v, %v", edges, err)
	}
	of, _ := v.EdgesOf(ctx, keys.UID("a"))
	if len(of) != 2 {
		t.Errorf("expected 2 edges touching a, got %d", len(of))
	}
}

func TestHangingEdges(t *testing.T) {
	ctx := context.Background()
	db, v := openView(t)
	putNode(t, db, "node/1", 1, keys.UID("n1"))
	putEdge(t, db, "edge/1", 1, "KNOWS", keys.UID("n1"), keys.UID("n2"))
	putEdge(t, db, "edge/2", 2, "KNOWS", keys.UID("n1"), keys.UID("n1"))

	hanging, err := v.HangingEdges(ctx)
	if err != nil {
		t.Fatalf("HangingEdges failed: %v", err)
	}
	if len(hanging) != 1 {
		t.Fatalf("expected 1 hanging edge, got %d", len(hanging))
	}
	h := hanging[0]
	if h.Edge.ID != "edge/1" || h.FromMissing || !h.ToMissing {
		t.Errorf("unexpected hanging report %+v", h)
	}
}

func TestStateDigest(t *testing.T) {
	ctx := context.Background()
	db1, v1 := openView(t)
	db2, v2 := openView(t)

	// Same state written in different orders.
	putNode(t, db1, "node/1", 1, keys.UID("a"))
	putNode(t, db1, "node/2", 2, keys.UID("b"))
	putNode(t, db2, "node/2", 2, keys.UID("b"))
	putNode(t, db2, "node/1", 1, keys.UID("a"))

	d1, err := v1.StateDigest(ctx)
	if err != nil {
		t.Fatalf("StateDigest failed: %v", err)
	}
	d2, _ := v2.StateDigest(ctx)
	if !bytes.Equal(d1, d2) {
		t.Error("equal states produced different digests")
	}
	if len(d1) != 32 {
		t.Errorf("expected a 32-byte digest, got %d", len(d1))
	}

	_, empty := openView(t)
	de, err := empty.StateDigest(ctx)
	if err != nil {
		t.Fatalf("StateDigest of empty scope failed: %v", err)
	}
	want, _ := cas.Digest(map[string]interface{}{"nodes": []interface{}{}, "edges": []interface{}{}})
	if !bytes.Equal(de, want) {
		t.Errorf("empty state digest %x, want %x", de, want)
	}

	if err := db2.SetNodeProperty(ctx, scope, "node/1", "x", 1); err != nil {
		t.Fatal(err)
	}
	d3, _ := v2.StateDigest(ctx)
	if bytes.Equal(d1, d3) {
		t.Error("digest did not change with content")
	}
}
