package background

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"revgraph/graph"
	"revgraph/keys"
	"revgraph/ops"
	"revgraph/player"
	"revgraph/revlog"
	"revgraph/store"
)

var scope = graph.Scope{Graph: "g", Branch: "main"}

func setup(t *testing.T) (*revlog.Log, *store.DB, *player.Player) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	log := revlog.New(db)
	return log, db, player.New(log, db, player.Options{})
}

func commit(t *testing.T, log *revlog.Log, uid string) {
	t.Helper()
	ctx := context.Background()
	txn, err := log.Begin(ctx, scope.Graph, scope.Branch)
	if err != nil {
		t.Fatal(err)
	}
	if err := txn.Submit(ctx, &ops.NodeModification{Keys: keys.UID(uid)}); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestProcessAll(t *testing.T) {
	ctx := context.Background()
	log, db, p := setup(t)
	r := NewReplayer(p, time.Hour, nil)
	log.AddListener(r)

	commit(t, log, "a")
	commit(t, log, "b")
	if r.Pending() != 1 {
		t.Fatalf("expected one queued scope, got %d", r.Pending())
	}

	if err := r.ProcessAll(ctx); err != nil {
		t.Fatalf("ProcessAll failed: %v", err)
	}
	if r.Pending() != 0 {
		t.Errorf("queue not drained")
	}
	nodes, _ := db.ListNodes(ctx, scope)
	if len(nodes) != 2 {
		t.Errorf("expected 2 materialized nodes, got %d", len(nodes))
	}
}

func TestLoopReplaysCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log, db, p := setup(t)
	r := NewReplayer(p, 10*time.Millisecond, nil)
	log.AddListener(r)
	r.Start(ctx)
	defer r.Stop()

	commit(t, log, "a")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		nodes, _ := db.ListNodes(ctx, scope)
		if len(nodes) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("background replay did not materialize the node")
}

type failing struct {
	mu    sync.Mutex
	calls int
}

func (f *failing) ReplayIncremental(ctx context.Context, s graph.Scope) (player.Stats, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return player.Stats{}, errors.New("boom")
}

func TestProcessAllReportsErrors(t *testing.T) {
	f := &failing{}
	r := NewReplayer(f, time.Hour, nil)
	r.Enqueue(scope, graph.Scope{Graph: "g", Branch: "dev"})

	if err := r.ProcessAll(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if f.calls != 2 {
		t.Errorf("expected every scope to be attempted, got %d calls", f.calls)
	}
}
