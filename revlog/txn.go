package revlog

import (
	"context"

	"revgraph/ops"
)

// Txn is a client-side handle on one transaction. It assigns increasing
// submit ids and wraps the boundary submissions. A Txn is not safe for
// concurrent use.
type Txn struct {
	log      *Log
	GraphID  string
	BranchID string
	ID       string

	next int64
	done bool
}

// Begin starts a transaction on a graph branch with a fresh id and submits
// its TransactionBegin marker.
func (l *Log) Begin(ctx context.Context, graphID, branchID string) (*Txn, error) {
	t := l.Resume(graphID, branchID, NewTxnID(), 0)
	if err := t.submit(ctx, &ops.TransactionBegin{TxnID: t.ID}); err != nil {
		return nil, err
	}
	return t, nil
}

// Resume returns a handle on an existing transaction whose next submit id
// is next.
func (l *Log) Resume(graphID, branchID, txnID string, next int64) *Txn {
	return &Txn{log: l, GraphID: graphID, BranchID: branchID, ID: txnID, next: next}
}

// NextSubmitID returns the submit id the next submission will use.
func (t *Txn) NextSubmitID() int64 {
	return t.next
}

// Submit stores one operation in the transaction.
func (t *Txn) Submit(ctx context.Context, op ops.Operation) error {
	return t.submit(ctx, op)
}

// SubmitBatch stores several operations as one container.
func (t *Txn) SubmitBatch(ctx context.Context, list []ops.Operation) error {
	if t.done {
		return &Error{Op: "submit batch", TxnID: t.ID, GraphID: t.GraphID, BranchID: t.BranchID, Err: ErrTxnDone}
	}
	if len(list) == 0 {
		return nil
	}
	if err := t.log.SubmitBatch(ctx, t.GraphID, t.BranchID, t.ID, t.next, list); err != nil {
		return err
	}
	t.next++
	return nil
}

// Commit submits TransactionCommit.
func (t *Txn) Commit(ctx context.Context) error {
	if err := t.submit(ctx, &ops.TransactionCommit{TxnID: t.ID}); err != nil {
		return err
	}
	t.done = true
	return nil
}

// Rollback submits TransactionRollback. The transaction's revisions are
// deleted permanently.
func (t *Txn) Rollback(ctx context.Context) error {
	if err := t.submit(ctx, &ops.TransactionRollback{TxnID: t.ID}); err != nil {
		return err
	}
	t.done = true
	return nil
}

func (t *Txn) submit(ctx context.Context, op ops.Operation) error {
	if t.done {
		return &Error{Op: "submit", TxnID: t.ID, GraphID: t.GraphID, BranchID: t.BranchID, Err: ErrTxnDone}
	}
	if err := t.log.Submit(ctx, t.GraphID, t.BranchID, t.ID, t.next, op); err != nil {
		return err
	}
	t.next++
	return nil
}
