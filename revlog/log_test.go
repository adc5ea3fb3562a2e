package revlog_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"revgraph/graph"
	"revgraph/keys"
	"revgraph/ops"
	"revgraph/revlog"
	"revgraph/store"
)

func openLog(t *testing.T) (*revlog.Log, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	var now int64 = 1000
	log := revlog.New(db, revlog.WithClock(func() int64 {
		now++
		return now
	}))
	return log, db
}

func node(uid string) ops.Operation {
	return &ops.NodeModification{Keys: keys.UID(uid)}
}

type recorder struct {
	events []revlog.CommitEvent
}

func (r *recorder) Committed(ctx context.Context, ev revlog.CommitEvent) {
	r.events = append(r.events, ev)
}

func TestSubmitAndIterate(t *testing.T) {
	ctx := context.Background()
	log, _ := openLog(t)

	if err := log.Submit(ctx, "g", "main", "t1", 1, node("b")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := log.Submit(ctx, "g", "main", "t1", 0, node("a")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	cs, err := log.Uncommitted(ctx, "t1")
	if err != nil {
		t.Fatalf("Uncommitted failed: %v", err)
	}
	if len(cs) != 2 || cs[0].TxnSubmitID != 0 || cs[1].TxnSubmitID != 1 {
		t.Fatalf("expected containers ordered by submit id, got %d", len(cs))
	}
	if cs[0].Digest == "" || cs[0].Committed {
		t.Errorf("unexpected container state: %+v", cs[0])
	}

	committed, err := log.Committed(ctx, "g", "main")
	if err != nil || len(committed) != 0 {
		t.Errorf("nothing should be committed yet, got %d (%v)", len(committed), err)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	log, _ := openLog(t)
	rec := &recorder{}
	log.AddListener(rec)

	txn := log.Resume("g", "main", "t1", 0)
	if err := txn.Submit(ctx, node("a")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	before, _ := log.ForTransaction(ctx, "t1")
	if len(before) != 2 {
		t.Fatalf("expected 2 containers, got %d", len(before))
	}
	for _, c := range before {
		if !c.Committed || c.DateCommitted == 0 {
			t.Fatalf("container %s not committed", c.UniqueID)
		}
	}

	// A second commit of the same transaction only adds its own marker.
	if err := log.Submit(ctx, "g", "main", "t1", 2, &ops.TransactionCommit{TxnID: "t1"}); err != nil {
		t.Fatalf("second commit failed: %v", err)
	}
	after, _ := log.ForTransaction(ctx, "t1")
	if len(after) != 3 {
		t.Fatalf("expected 3 containers, got %d", len(after))
	}
	for i := range before {
		if after[i].DateCommitted != before[i].DateCommitted {
			t.Errorf("container %d: dateCommitted changed %d -> %d", i, before[i].DateCommitted, after[i].DateCommitted)
		}
	}

	if len(rec.events) != 2 {
		t.Fatalf("expected 2 commit events, got %d", len(rec.events))
	}
	if rec.events[0].Containers != 2 || rec.events[1].Containers != 1 {
		t.Errorf("unexpected sweep counts: %d, %d", rec.events[0].Containers, rec.events[1].Containers)
	}
	if len(rec.events[0].Scopes) != 1 || rec.events[0].Scopes[0] != (graph.Scope{Graph: "g", Branch: "main"}) {
		t.Errorf("unexpected scopes %v", rec.events[0].Scopes)
	}

	log.RemoveListener(rec)
	if err := log.Submit(ctx, "g", "main", "t1", 3, &ops.TransactionCommit{TxnID: "t1"}); err != nil {
		t.Fatalf("third commit failed: %v", err)
	}
	if len(rec.events) != 2 {
		t.Error("removed listener was notified")
	}
}

func TestRollbackDeletesEverything(t *testing.T) {
	ctx := context.Background()
	log, _ := openLog(t)

	txn, err := log.Begin(ctx, "g", "main")
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := txn.SubmitBatch(ctx, []ops.Operation{node("a"), node("b")}); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if err := txn.Rollback(ctx); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}

	cs, err := log.ForTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("ForTransaction failed: %v", err)
	}
	if len(cs) != 0 {
		t.Errorf("expected no revisions after rollback, got %d", len(cs))
	}

	if err := txn.Submit(ctx, node("c")); !errors.Is(err, revlog.ErrTxnDone) {
		t.Errorf("expected ErrTxnDone, got %v", err)
	}
}

func TestBatchRules(t *testing.T) {
	ctx := context.Background()
	log, _ := openLog(t)

	err := log.SubmitBatch(ctx, "g", "main", "t1", 0, []ops.Operation{node("a"), &ops.TransactionCommit{TxnID: "t1"}})
	if !errors.Is(err, revlog.ErrBoundaryInBatch) {
		t.Errorf("expected ErrBoundaryInBatch, got %v", err)
	}

	if err := log.SubmitBatch(ctx, "g", "main", "t1", 0, nil); err != nil {
		t.Errorf("empty batch should be a no-op, got %v", err)
	}

	if err := log.SubmitBatch(ctx, "g", "main", "t1", 0, []ops.Operation{node("a"), node("b")}); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	cs, _ := log.ForTransaction(ctx, "t1")
	if len(cs) != 1 || len(cs[0].Items) != 2 {
		t.Fatalf("expected one container with 2 items, got %d containers", len(cs))
	}
}

func TestValidationBeforeWrite(t *testing.T) {
	ctx := context.Background()
	log, _ := openLog(t)

	tests := []struct {
		name string
		op   ops.Operation
	}{
		{"empty node keys", &ops.NodeModification{}},
		{"names without type", &ops.NodeModification{Keys: keys.EntityKeys{Names: []string{"Alice"}}}},
		{"edge without keys", &ops.EdgeModification{From: keys.UID("a"), To: keys.UID("b")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := log.Submit(ctx, "g", "main", "t1", 0, tt.op)
			if !errors.Is(err, revlog.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
			if !errors.Is(err, keys.ErrInvalidKeys) {
				t.Errorf("expected cause ErrInvalidKeys, got %v", err)
			}
			var rerr *revlog.Error
			if !errors.As(err, &rerr) || rerr.TxnID != "t1" {
				t.Errorf("expected *revlog.Error with txn context, got %T", err)
			}
		})
	}

	cs, _ := log.ForTransaction(ctx, "t1")
	if len(cs) != 0 {
		t.Errorf("invalid submissions must not be stored, found %d", len(cs))
	}

	err := log.Submit(ctx, "g", "main", "t1", 0, &ops.TransactionCommit{TxnID: "other"})
	if !errors.Is(err, revlog.ErrValidation) {
		t.Errorf("expected ErrValidation for mismatched commit, got %v", err)
	}
}

func TestCommittedOrder(t *testing.T) {
	ctx := context.Background()
	log, _ := openLog(t)

	// t2 commits first even though t1 was submitted first.
	if err := log.Submit(ctx, "g", "main", "t1", 0, node("a")); err != nil {
		t.Fatal(err)
	}
	if err := log.Submit(ctx, "g", "main", "t2", 0, node("b")); err != nil {
		t.Fatal(err)
	}
	if err := log.Submit(ctx, "g", "main", "t2", 1, &ops.TransactionCommit{TxnID: "t2"}); err != nil {
		t.Fatal(err)
	}
	if err := log.Submit(ctx, "g", "main", "t1", 1, &ops.TransactionCommit{TxnID: "t1"}); err != nil {
		t.Fatal(err)
	}
	if err := log.Submit(ctx, "g", "other", "t3", 0, node("c")); err != nil {
		t.Fatal(err)
	}

	cs, err := log.Committed(ctx, "g", "main")
	if err != nil {
		t.Fatalf("Committed failed: %v", err)
	}
	var txns []string
	for _, c := range cs {
		txns = append(txns, c.TxnID)
	}
	want := []string{"t2", "t2", "t1", "t1"}
	if len(txns) != len(want) {
		t.Fatalf("expected %v, got %v", want, txns)
	}
	for i := range want {
		if txns[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, txns)
		}
	}

	after, err := log.CommittedAfter(ctx, "g", "main", cs[1].Position())
	if err != nil || len(after) != 2 || after[0].TxnID != "t1" {
		t.Errorf("CommittedAfter returned %d containers (%v)", len(after), err)
	}
}

func TestPositionOrder(t *testing.T) {
	a := revlog.Position{DateCommitted: 5, TxnSubmitID: 1, UniqueID: "b"}
	b := revlog.Position{DateCommitted: 5, TxnSubmitID: 1, UniqueID: "c"}
	c := revlog.Position{DateCommitted: 5, TxnSubmitID: 2, UniqueID: "a"}
	d := revlog.Position{DateCommitted: 6}

	cs := []*revlog.Container{
		{UniqueID: "a", DateCommitted: 5, TxnSubmitID: 2},
		{UniqueID: "x", DateCommitted: 6},
		{UniqueID: "c", DateCommitted: 5, TxnSubmitID: 1},
		{UniqueID: "b", DateCommitted: 5, TxnSubmitID: 1},
	}
	revlog.SortReplayOrder(cs)
	if cs[0].UniqueID != "b" || cs[1].UniqueID != "c" || cs[2].UniqueID != "a" || cs[3].UniqueID != "x" {
		t.Errorf("unexpected order %s %s %s %s", cs[0].UniqueID, cs[1].UniqueID, cs[2].UniqueID, cs[3].UniqueID)
	}
	if !a.Before(b) || !b.Before(c) || !c.Before(d) || d.Before(a) {
		t.Error("Position.Before is not the replay order")
	}
	if !(revlog.Position{}).IsZero() || a.IsZero() {
		t.Error("IsZero mismatch")
	}
}

func TestCommitSequence(t *testing.T) {
	ctx := context.Background()
	log, _ := openLog(t)

	txn, err := log.Begin(ctx, "g", "main")
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := txn.Submit(ctx, node("a")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	imported := &revlog.Container{
		GraphID:       "g",
		BranchID:      "main",
		TxnID:         "imported",
		Committed:     true,
		DateCommitted: 1,
		CommitSeq:     99,
		Items:         []ops.Item{ops.Wrap(node("old"))},
	}
	if err := log.Insert(ctx, imported); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if imported.CommitSeq != 2 {
		t.Errorf("expected a fresh commit seq 2, got %d", imported.CommitSeq)
	}

	cs, err := log.CommittedSince(ctx, "g", "main", 0)
	if err != nil {
		t.Fatalf("CommittedSince failed: %v", err)
	}
	if len(cs) != 4 || cs[0].UniqueID != imported.UniqueID {
		t.Fatalf("expected the imported container first of 4, got %d", len(cs))
	}
	for _, c := range cs[1:] {
		if c.CommitSeq != 1 {
			t.Errorf("container %s: commit seq %d, want 1", c.UniqueID, c.CommitSeq)
		}
	}

	cs, err = log.CommittedSince(ctx, "g", "main", 1)
	if err != nil || len(cs) != 1 || cs[0].UniqueID != imported.UniqueID {
		t.Errorf("expected only the imported container after seq 1, got %d (%v)", len(cs), err)
	}
}
