// Package revlog implements the append-only revision log and the transaction
// protocol.
//
// Operations are wrapped in containers and stored under a transaction. A
// TransactionCommit submission marks every container of its transaction
// committed in one backend sweep; a TransactionRollback submission deletes
// them. Only committed containers are visible to replay, which consumes them
// ordered by commit time, then submit id, then container unique id.
package revlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"revgraph/cas"
	"revgraph/graph"
	"revgraph/ops"
)

// Backend is the document-store contract the log depends on.
type Backend interface {
	// InsertRevision stores a container.
	InsertRevision(ctx context.Context, c *Container) error

	// CommitTransaction sets committed=true, dateCommitted=at and
	// commitSeq=seq on every uncommitted container of the transaction,
	// atomically. Containers that are already committed are not touched.
	// Returns the number updated.
	CommitTransaction(ctx context.Context, txnID string, at, seq int64) (int, error)

	// DeleteTransaction deletes every container of the transaction,
	// atomically. Returns the number deleted.
	DeleteTransaction(ctx context.Context, txnID string) (int, error)

	// RevisionsForTransaction returns the containers of a transaction in
	// submit order, optionally only the uncommitted ones.
	RevisionsForTransaction(ctx context.Context, txnID string, uncommittedOnly bool) ([]*Container, error)

	// CommittedRevisions returns the committed containers of a graph branch
	// positioned strictly after the given position, in replay order.
	CommittedRevisions(ctx context.Context, scope graph.Scope, after Position) ([]*Container, error)

	// CommittedSince returns the committed containers of a graph branch
	// whose commit sequence is greater than seq, in replay order.
	CommittedSince(ctx context.Context, scope graph.Scope, seq int64) ([]*Container, error)

	// NextSequence atomically increments and returns a named counter.
	NextSequence(ctx context.Context, name string) (int64, error)
}

// CommitEvent describes a completed commit sweep.
type CommitEvent struct {
	TxnID         string
	DateCommitted int64
	Containers    int
	Scopes        []graph.Scope
}

// Listener observes commits. Committed is called synchronously after the
// commit sweep succeeded. Listeners are compared by identity, so use
// pointer types.
type Listener interface {
	Committed(ctx context.Context, ev CommitEvent)
}

// Log is the revision log over a backend.
type Log struct {
	backend Backend
	logger  *slog.Logger
	now     func() int64

	mu        sync.Mutex
	listeners []Listener
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the structured logger. Nil discards.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Log) {
		if l != nil {
			lg.logger = l
		}
	}
}

// WithClock overrides the millisecond clock.
func WithClock(now func() int64) Option {
	return func(lg *Log) {
		if now != nil {
			lg.now = now
		}
	}
}

// New creates a revision log.
func New(b Backend, opts ...Option) *Log {
	l := &Log{
		backend: b,
		logger:  slog.New(slog.DiscardHandler),
		now:     cas.NowMs,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewTxnID returns a fresh transaction id.
func NewTxnID() string {
	return uuid.NewString()
}

// Submit stores a single operation. A TransactionCommit or
// TransactionRollback triggers the commit or rollback sweep within the call.
func (l *Log) Submit(ctx context.Context, graphID, branchID, txnID string, submitID int64, op ops.Operation) error {
	e := &Error{Op: "submit", TxnID: txnID, GraphID: graphID, BranchID: branchID}
	if op == nil {
		e.Err = fmt.Errorf("%w: nil operation", ErrValidation)
		return e
	}
	if err := l.check(graphID, branchID, txnID, op); err != nil {
		e.Err = err
		return e
	}
	if id, ok := ops.BoundaryTxn(op); ok && id != txnID {
		e.Err = fmt.Errorf("%w: %s names transaction %q", ErrValidation, op.Type(), id)
		return e
	}

	if err := l.insert(ctx, graphID, branchID, txnID, submitID, []ops.Item{ops.Wrap(op)}); err != nil {
		e.Err = err
		return e
	}

	switch op.(type) {
	case *ops.TransactionCommit:
		return l.commit(ctx, graphID, branchID, txnID)
	case *ops.TransactionRollback:
		return l.rollback(ctx, graphID, branchID, txnID)
	}
	return nil
}

// SubmitBatch stores several operations in one container sharing one
// timestamp. Boundary operations are rejected; an empty list is a no-op.
func (l *Log) SubmitBatch(ctx context.Context, graphID, branchID, txnID string, submitID int64, list []ops.Operation) error {
	if len(list) == 0 {
		return nil
	}
	e := &Error{Op: "submit batch", TxnID: txnID, GraphID: graphID, BranchID: branchID}
	items := make([]ops.Item, 0, len(list))
	for i, op := range list {
		if op == nil {
			e.Err = fmt.Errorf("%w: item %d: nil operation", ErrValidation, i)
			return e
		}
		if ops.IsBoundary(op) {
			e.Err = fmt.Errorf("%w: item %d is %s", ErrBoundaryInBatch, i, op.Type())
			return e
		}
		if err := l.check(graphID, branchID, txnID, op); err != nil {
			e.Err = fmt.Errorf("item %d: %w", i, err)
			return e
		}
		items = append(items, ops.Wrap(op))
	}
	if err := l.insert(ctx, graphID, branchID, txnID, submitID, items); err != nil {
		e.Err = err
		return e
	}
	return nil
}

// Insert stores a fully formed container as is, preserving its commit state.
// It is used to import containers from a pack. A committed container gets a
// fresh commit sequence, so incremental replay sees it even when it sorts
// before containers already replayed.
func (l *Log) Insert(ctx context.Context, c *Container) error {
	e := &Error{Op: "insert", TxnID: c.TxnID, GraphID: c.GraphID, BranchID: c.BranchID}
	if c.UniqueID == "" {
		c.UniqueID = uuid.NewString()
	}
	c.CommitSeq = 0
	if c.Committed {
		seq, err := l.backend.NextSequence(ctx, CommitCounter(c.GraphID))
		if err != nil {
			e.Err = storageErr(err)
			return e
		}
		c.CommitSeq = seq
	}
	if c.Digest == "" {
		d, err := ItemsDigest(c.Items)
		if err != nil {
			e.Err = fmt.Errorf("%w: %w", ErrValidation, err)
			return e
		}
		c.Digest = d
	}
	if err := l.backend.InsertRevision(ctx, c); err != nil {
		e.Err = storageErr(err)
		return e
	}
	return nil
}

// Uncommitted returns the uncommitted containers of a transaction in submit
// order.
func (l *Log) Uncommitted(ctx context.Context, txnID string) ([]*Container, error) {
	cs, err := l.backend.RevisionsForTransaction(ctx, txnID, true)
	if err != nil {
		return nil, &Error{Op: "iterate uncommitted", TxnID: txnID, Err: storageErr(err)}
	}
	return cs, nil
}

// ForTransaction returns every container of a transaction in submit order,
// regardless of commit state.
func (l *Log) ForTransaction(ctx context.Context, txnID string) ([]*Container, error) {
	cs, err := l.backend.RevisionsForTransaction(ctx, txnID, false)
	if err != nil {
		return nil, &Error{Op: "iterate transaction", TxnID: txnID, Err: storageErr(err)}
	}
	return cs, nil
}

// Committed returns the committed containers of a graph branch in replay
// order.
func (l *Log) Committed(ctx context.Context, graphID, branchID string) ([]*Container, error) {
	return l.CommittedAfter(ctx, graphID, branchID, Position{})
}

// CommittedAfter returns the committed containers of a graph branch that sort
// after pos, in replay order.
func (l *Log) CommittedAfter(ctx context.Context, graphID, branchID string, pos Position) ([]*Container, error) {
	cs, err := l.backend.CommittedRevisions(ctx, graph.Scope{Graph: graphID, Branch: branchID}, pos)
	if err != nil {
		return nil, &Error{Op: "iterate committed", GraphID: graphID, BranchID: branchID, Err: storageErr(err)}
	}
	return cs, nil
}

// CommittedSince returns the committed containers of a graph branch that
// became visible after commit sequence seq, in replay order.
func (l *Log) CommittedSince(ctx context.Context, graphID, branchID string, seq int64) ([]*Container, error) {
	cs, err := l.backend.CommittedSince(ctx, graph.Scope{Graph: graphID, Branch: branchID}, seq)
	if err != nil {
		return nil, &Error{Op: "iterate committed", GraphID: graphID, BranchID: branchID, Err: storageErr(err)}
	}
	return cs, nil
}

// AddListener registers a commit listener.
func (l *Log) AddListener(ln Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, ln)
}

// RemoveListener unregisters a commit listener.
func (l *Log) RemoveListener(ln Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, x := range l.listeners {
		if x == ln {
			l.listeners = append(l.listeners[:i:i], l.listeners[i+1:]...)
			return
		}
	}
}

func (l *Log) check(graphID, branchID, txnID string, op ops.Operation) error {
	if err := (graph.Scope{Graph: graphID, Branch: branchID}).Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if txnID == "" {
		return fmt.Errorf("%w: empty transaction id", ErrValidation)
	}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

func (l *Log) insert(ctx context.Context, graphID, branchID, txnID string, submitID int64, items []ops.Item) error {
	digest, err := ItemsDigest(items)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	c := &Container{
		UniqueID:    uuid.NewString(),
		GraphID:     graphID,
		BranchID:    branchID,
		TxnID:       txnID,
		TxnSubmitID: submitID,
		Timestamp:   l.now(),
		Items:       items,
		Digest:      digest,
	}
	if err := l.backend.InsertRevision(ctx, c); err != nil {
		return storageErr(err)
	}
	l.logger.Debug("revision stored",
		"graph", graphID, "branch", branchID, "txn", txnID,
		"submit_id", submitID, "items", len(items), "container", c.UniqueID)
	return nil
}

func (l *Log) commit(ctx context.Context, graphID, branchID, txnID string) error {
	at := l.now()
	seq, err := l.backend.NextSequence(ctx, CommitCounter(graphID))
	if err != nil {
		return &Error{Op: "commit", TxnID: txnID, GraphID: graphID, BranchID: branchID, Err: storageErr(err)}
	}
	n, err := l.backend.CommitTransaction(ctx, txnID, at, seq)
	if err != nil {
		return &Error{Op: "commit", TxnID: txnID, GraphID: graphID, BranchID: branchID, Err: storageErr(err)}
	}

	cs, err := l.backend.RevisionsForTransaction(ctx, txnID, false)
	if err != nil {
		return &Error{Op: "commit", TxnID: txnID, GraphID: graphID, BranchID: branchID, Err: storageErr(err)}
	}
	ev := CommitEvent{TxnID: txnID, DateCommitted: at, Containers: n}
	seen := make(map[graph.Scope]bool)
	for _, c := range cs {
		s := c.Scope()
		if !seen[s] {
			seen[s] = true
			ev.Scopes = append(ev.Scopes, s)
		}
	}

	l.logger.Info("transaction committed", "txn", txnID, "containers", n)

	l.mu.Lock()
	listeners := append([]Listener(nil), l.listeners...)
	l.mu.Unlock()
	for _, ln := range listeners {
		ln.Committed(ctx, ev)
	}
	return nil
}

func (l *Log) rollback(ctx context.Context, graphID, branchID, txnID string) error {
	n, err := l.backend.DeleteTransaction(ctx, txnID)
	if err != nil {
		return &Error{Op: "rollback", TxnID: txnID, GraphID: graphID, BranchID: branchID, Err: storageErr(err)}
	}
	left, err := l.backend.RevisionsForTransaction(ctx, txnID, false)
	if err != nil {
		return &Error{Op: "rollback", TxnID: txnID, GraphID: graphID, BranchID: branchID, Err: storageErr(err)}
	}
	if len(left) > 0 {
		l.logger.Error("rollback left revisions behind", "txn", txnID, "deleted", n, "remaining", len(left))
		return &Error{Op: "rollback", TxnID: txnID, GraphID: graphID, BranchID: branchID,
			Err: fmt.Errorf("%w: %d containers remain", ErrRollbackIncomplete, len(left))}
	}
	l.logger.Info("transaction rolled back", "txn", txnID, "containers", n)
	return nil
}
