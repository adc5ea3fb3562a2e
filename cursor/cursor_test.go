package cursor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"revgraph/graph"
	"revgraph/keys"
	"revgraph/store"
)

var scope = graph.Scope{Graph: "g", Branch: "main"}

// testGraph builds:
//
//	alice -KNOWS-> bob -LIVES_IN-> paris
//	alice -LIVES_IN-> berlin
//	bob -KNOWS-> ghost (hanging)
//	loop: carol -KNOWS-> carol
func testGraph(t *testing.T) *graph.View {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	nodes := []struct{ uid, typ string }{
		{"alice", "Person"}, {"bob", "Person"}, {"carol", "Person"},
		{"paris", "City"}, {"berlin", "City"},
	}
	for i, n := range nodes {
		err := db.PutNode(ctx, scope, &graph.Node{
			ID: "node/" + n.uid, Seq: int64(i + 1), Keys: keys.New(n.typ, []string{n.uid}, nil),
		})
		if err != nil {
			t.Fatalf("PutNode failed: %v", err)
		}
	}
	edges := []struct{ id, typ, from, to string }{
		{"e1", "KNOWS", "alice", "bob"},
		{"e2", "LIVES_IN", "bob", "paris"},
		{"e3", "LIVES_IN", "alice", "berlin"},
		{"e4", "KNOWS", "bob", "ghost"},
		{"e5", "KNOWS", "carol", "carol"},
	}
	for i, e := range edges {
		err := db.PutEdge(ctx, scope, &graph.Edge{
			ID: "edge/" + e.id, Seq: int64(i + 1), Keys: keys.New(e.typ, []string{e.id}, nil),
			From: keys.UID(e.from), To: keys.UID(e.to),
		})
		if err != nil {
			t.Fatalf("PutEdge failed: %v", err)
		}
	}
	return graph.NewView(db, scope)
}

func at(t *testing.T, c *Cursor, uid string) {
	t.Helper()
	k, ok := c.Current()
	if !ok {
		t.Fatalf("expected cursor at %s, got dead end", uid)
	}
	if !k.HasUID(uid) {
		t.Fatalf("expected cursor at %s, got %s", uid, k)
	}
}

func TestStartAndStepToNode(t *testing.T) {
	ctx := context.Background()
	v := testGraph(t)

	c0, err := Start(ctx, v, "c", keys.UID("alice"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	at(t, c0, "alice")
	if c0.Index() != 0 || c0.Last().Movement != StartPosition {
		t.Errorf("unexpected start item %+v", c0.Last())
	}

	c1, err := c0.StepToNode(ctx, keys.UID("bob"))
	if err != nil {
		t.Fatalf("StepToNode failed: %v", err)
	}
	at(t, c1, "bob")
	last := c1.Last()
	if last.Via == nil || !last.Via.HasUID("e1") || last.DestinationType != DestinationNode {
		t.Errorf("unexpected history item %+v", last)
	}

	// Walking an edge backwards works too.
	c2, err := c1.StepToNode(ctx, keys.UID("alice"))
	if err != nil {
		t.Fatalf("StepToNode back failed: %v", err)
	}
	at(t, c2, "alice")

	c3, err := c2.StepToNode(ctx, keys.UID("paris"))
	if err != nil {
		t.Fatalf("StepToNode failed: %v", err)
	}
	if !c3.IsDeadEnd() || c3.Last().DestinationType != DeadEnd {
		t.Errorf("expected dead end without a connecting edge")
	}
	if len(c3.History()) != 4 {
		t.Errorf("expected 4 history items, got %d", len(c3.History()))
	}
}

func TestCursorReuseRejected(t *testing.T) {
	ctx := context.Background()
	v := testGraph(t)

	c0, _ := Start(ctx, v, "c", keys.UID("alice"))
	c1, err := c0.StepToFirstNodeOfType(ctx, "City")
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	at(t, c1, "berlin")

	_, err = c0.StepToNode(ctx, keys.UID("bob"))
	if !errors.Is(err, ErrCursorReused) {
		t.Fatalf("expected ErrCursorReused, got %v", err)
	}
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Cursor != "c" || cerr.Movement != StepToNode {
		t.Errorf("expected *Error with context, got %#v", err)
	}
	if c1.Index() != 1 || len(c1.History()) != 2 {
		t.Errorf("failed step must not touch history")
	}

	if _, err := c1.StepToNode(ctx, keys.UID("alice")); err != nil {
		t.Errorf("stepping from the tip should succeed: %v", err)
	}
}

func TestJumpForksHistory(t *testing.T) {
	ctx := context.Background()
	v := testGraph(t)

	c0, _ := Start(ctx, v, "c", keys.UID("alice"))
	c1, _ := c0.StepToNode(ctx, keys.UID("bob"))
	c2, _ := c1.StepToFirstNodeOfType(ctx, "City")
	at(t, c2, "paris")

	fork, err := c0.Jump(ctx, keys.UID("carol"))
	if err != nil {
		t.Fatalf("Jump failed: %v", err)
	}
	at(t, fork, "carol")
	if fork.Index() != 1 {
		t.Errorf("expected fork at index 1, got %d", fork.Index())
	}
	if h := fork.History(); len(h) != 2 || h[1].Movement != Jump {
		t.Errorf("unexpected fork history %+v", h)
	}
	if len(c2.History()) != 3 || !c2.IsTip() {
		t.Errorf("original history changed by fork")
	}

	// Jumping from the tip continues the same history.
	c3, err := c2.Jump(ctx, keys.UID("missing"))
	if err != nil {
		t.Fatalf("Jump failed: %v", err)
	}
	if !c3.IsDeadEnd() || c3.Index() != 3 || c2.IsTip() {
		t.Errorf("expected dead end appended to the same history")
	}
	if _, err := c3.StepToFirstNodeOfType(ctx, "*"); !errors.Is(err, ErrDeadEnd) {
		t.Errorf("expected ErrDeadEnd, got %v", err)
	}
}

func TestAmbiguousDestination(t *testing.T) {
	ctx := context.Background()
	v := testGraph(t)

	c0, _ := Start(ctx, v, "c", keys.UID("carol"))
	_, err := c0.StepToNode(ctx, keys.UID("carol"))
	if !errors.Is(err, ErrAmbiguousDestination) {
		t.Fatalf("expected ErrAmbiguousDestination, got %v", err)
	}
	if !c0.IsTip() {
		t.Error("ambiguous step must not be recorded")
	}
}

func TestStepViaFirstEdgeOfType(t *testing.T) {
	ctx := context.Background()
	v := testGraph(t)

	c0, _ := Start(ctx, v, "c", keys.UID("alice"))
	c1, err := c0.StepViaFirstEdgeOfType(ctx, "LIVES_*")
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	at(t, c1, "berlin")

	c2, _ := c0.Jump(ctx, keys.UID("bob"))
	c3, err := c2.StepViaFirstEdgeOfType(ctx, "KNOWS")
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	// e1 alice->bob is older than e4 bob->ghost.
	at(t, c3, "alice")

	c4, _ := c3.Jump(ctx, keys.UID("bob"))
	c5, _ := c4.StepToNode(ctx, keys.UID("ghost"))
	last := c5.Last()
	if !c5.IsDeadEnd() || last.Via == nil || !last.Via.HasUID("e4") {
		t.Errorf("hanging edge should lead to a dead end via e4, got %+v", last)
	}

	c6, _ := c4.Jump(ctx, keys.UID("bob"))
	c7, err := c6.StepViaFirstEdgeOfType(ctx, "OWNS")
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if !c7.IsDeadEnd() || c7.Last().Via != nil {
		t.Errorf("expected dead end without via, got %+v", c7.Last())
	}
}

func TestWalk(t *testing.T) {
	ctx := context.Background()
	v := testGraph(t)

	c0, _ := Start(ctx, v, "c", keys.UID("alice"))
	end, err := c0.Walk(ctx, []string{"KNOWS", "LIVES_IN"}, []string{"Person", "City"})
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	at(t, end, "paris")
	if end.Index() != 2 {
		t.Errorf("expected 2 steps, got index %d", end.Index())
	}

	if _, err := end.Walk(ctx, []string{"KNOWS"}, nil); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	v := testGraph(t)
	r := NewRegistry(nil)

	updates, cancel := r.Subscribe(4)
	defer cancel()

	c0, _ := Start(ctx, v, "walker", keys.UID("alice"))
	r.Publish(c0)

	select {
	case u := <-updates:
		if u.Snapshot.Name != "walker" || u.Snapshot.Current == nil || !u.Snapshot.Current.HasUID("alice") {
			t.Errorf("unexpected update %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}

	got, err := r.Get(scope, "walker")
	if err != nil || got != c0 {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if _, err := r.Get(scope, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	c1, _ := c0.StepToNode(ctx, keys.UID("bob"))
	r.Publish(c1)
	got, _ = r.Get(scope, "walker")
	if got.Index() != 1 {
		t.Errorf("expected last writer to win")
	}
	if list := r.List(scope); len(list) != 1 {
		t.Errorf("expected 1 cursor, got %d", len(list))
	}

	if !r.Remove(scope, "walker") || r.Remove(scope, "walker") {
		t.Error("Remove should report presence once")
	}

	cancel()
	if _, ok := <-drain(updates); ok {
		t.Error("channel should be closed after cancel")
	}
}

// drain discards buffered updates and returns the channel once empty.
func drain(ch <-chan Update) <-chan Update {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return ch
			}
		default:
			return ch
		}
	}
}

func TestBindSharesHistory(t *testing.T) {
	ctx := context.Background()
	v := testGraph(t)

	c0, _ := Start(ctx, v, "c", keys.UID("alice"))
	stale := &Cursor{name: c0.name, scope: c0.scope, current: c0.current, history: c0.history, index: c0.index}
	if _, err := stale.StepToNode(ctx, keys.UID("bob")); !errors.Is(err, ErrUnbound) {
		t.Errorf("expected ErrUnbound, got %v", err)
	}
	bound := stale.Bind(v)
	if _, err := bound.StepToNode(ctx, keys.UID("bob")); err != nil {
		t.Fatalf("bound step failed: %v", err)
	}
	if _, err := c0.StepToNode(ctx, keys.UID("bob")); !errors.Is(err, ErrCursorReused) {
		t.Errorf("bound copy must share the single-advance rule, got %v", err)
	}
}
