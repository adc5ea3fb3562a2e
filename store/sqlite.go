// Package store provides the SQLite-backed document store for revgraph:
// the revision log, materialized nodes and edges, counters and replay
// checkpoints of one graph.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"revgraph/graph"
	"revgraph/ops"
	"revgraph/revlog"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// FileName is the database file name inside a graph directory.
const FileName = "graph.db"

const (
	initAttempts = 5
	initMaxDelay = 400 * time.Millisecond
)

// DB wraps a SQLite connection holding one graph.
type DB struct {
	conn *sql.DB
	path string
}

// OpenGraphDB opens or creates the database of a graph under root.
func OpenGraphDB(root, graphID string) (*DB, error) {
	dir := filepath.Join(root, graphID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}
	return Open(filepath.Join(dir, FileName))
}

// Open opens a database at the given path.
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// A single connection keeps the pragmas in effect and serializes writers.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, path: dbPath}

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	// Another process may be initializing the same file.
	err = withRetry(func() error {
		_, err := conn.Exec(schemaSQL)
		return err
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// withRetry retries fn on SQLITE_BUSY with random backoff.
func withRetry(fn func() error) error {
	var err error
	for i := 0; i < initAttempts; i++ {
		err = fn()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		time.Sleep(time.Duration(rand.Int63n(int64(initMaxDelay))))
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") ||
		strings.Contains(err.Error(), "database is locked")
}

// ----- Revisions -----

// InsertRevision stores a container.
func (db *DB) InsertRevision(ctx context.Context, c *revlog.Container) error {
	items, err := ops.EncodeItems(c.Items)
	if err != nil {
		return fmt.Errorf("encoding items: %w", err)
	}
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO revisions (unique_id, graph_id, branch_id, txn_id, txn_submit_id, ts, committed, date_committed, commit_seq, items, digest)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.UniqueID, c.GraphID, c.BranchID, c.TxnID, c.TxnSubmitID, c.Timestamp,
		boolInt(c.Committed), c.DateCommitted, c.CommitSeq, string(items), c.Digest,
	)
	if err != nil {
		return fmt.Errorf("inserting revision: %w", err)
	}
	return nil
}

// CommitTransaction marks the uncommitted containers of a transaction
// committed in a single statement.
func (db *DB) CommitTransaction(ctx context.Context, txnID string, at, seq int64) (int, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE revisions SET committed = 1, date_committed = ?, commit_seq = ? WHERE txn_id = ? AND committed = 0`,
		at, seq, txnID,
	)
	if err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteTransaction deletes every container of a transaction.
func (db *DB) DeleteTransaction(ctx context.Context, txnID string) (int, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM revisions WHERE txn_id = ?`, txnID)
	if err != nil {
		return 0, fmt.Errorf("deleting transaction: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const revisionColumns = `unique_id, graph_id, branch_id, txn_id, txn_submit_id, ts, committed, date_committed, commit_seq, items, digest`

// RevisionsForTransaction returns the containers of a transaction in submit
// order.
func (db *DB) RevisionsForTransaction(ctx context.Context, txnID string, uncommittedOnly bool) ([]*revlog.Container, error) {
	q := `SELECT ` + revisionColumns + ` FROM revisions WHERE txn_id = ?`
	if uncommittedOnly {
		q += ` AND committed = 0`
	}
	q += ` ORDER BY txn_submit_id ASC, unique_id ASC`
	return db.queryRevisions(ctx, q, txnID)
}

// CommittedRevisions returns committed containers of a scope after pos, in
// replay order.
func (db *DB) CommittedRevisions(ctx context.Context, scope graph.Scope, after revlog.Position) ([]*revlog.Container, error) {
	return db.queryRevisions(ctx,
		`SELECT `+revisionColumns+` FROM revisions
		 WHERE graph_id = ? AND branch_id = ? AND committed = 1
		   AND (date_committed > ?
		        OR (date_committed = ? AND (txn_submit_id > ?
		            OR (txn_submit_id = ? AND unique_id > ?))))
		 ORDER BY date_committed ASC, txn_submit_id ASC, unique_id ASC`,
		scope.Graph, scope.Branch,
		after.DateCommitted, after.DateCommitted, after.TxnSubmitID, after.TxnSubmitID, after.UniqueID,
	)
}

// CommittedSince returns committed containers of a scope whose commit
// sequence is greater than seq, in replay order.
func (db *DB) CommittedSince(ctx context.Context, scope graph.Scope, seq int64) ([]*revlog.Container, error) {
	return db.queryRevisions(ctx,
		`SELECT `+revisionColumns+` FROM revisions
		 WHERE graph_id = ? AND branch_id = ? AND committed = 1 AND commit_seq > ?
		 ORDER BY date_committed ASC, txn_submit_id ASC, unique_id ASC`,
		scope.Graph, scope.Branch, seq,
	)
}

// Branches lists the branches of a graph that have revisions.
func (db *DB) Branches(ctx context.Context, graphID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT DISTINCT branch_id FROM revisions WHERE graph_id = ? ORDER BY branch_id`, graphID)
	if err != nil {
		return nil, fmt.Errorf("querying branches: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scanning branch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (db *DB) queryRevisions(ctx context.Context, q string, args ...interface{}) ([]*revlog.Container, error) {
	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying revisions: %w", err)
	}
	defer rows.Close()

	var out []*revlog.Container
	for rows.Next() {
		var (
			c         revlog.Container
			committed int
			items     string
		)
		if err := rows.Scan(&c.UniqueID, &c.GraphID, &c.BranchID, &c.TxnID, &c.TxnSubmitID, &c.Timestamp,
			&committed, &c.DateCommitted, &c.CommitSeq, &items, &c.Digest); err != nil {
			return nil, fmt.Errorf("scanning revision: %w", err)
		}
		c.Committed = committed != 0
		c.Items, err = ops.DecodeItems([]byte(items))
		if err != nil {
			return nil, fmt.Errorf("revision %s: %w", c.UniqueID, err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ----- Counters -----

// NextSequence atomically increments and returns a named counter. The
// first value is 1.
func (db *DB) NextSequence(ctx context.Context, name string) (int64, error) {
	var v int64
	err := db.conn.QueryRowContext(ctx,
		`INSERT INTO counters (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`,
		name,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("incrementing counter %s: %w", name, err)
	}
	return v, nil
}

// ----- Checkpoints -----

// LoadCheckpoint returns the replay progress of a scope, or the zero
// checkpoint if it was never replayed.
func (db *DB) LoadCheckpoint(ctx context.Context, scope graph.Scope) (revlog.Checkpoint, error) {
	var cp revlog.Checkpoint
	err := db.conn.QueryRowContext(ctx,
		`SELECT date_committed, txn_submit_id, unique_id, commit_seq, pending_seq FROM checkpoints WHERE scope = ?`,
		scope.String(),
	).Scan(&cp.Last.DateCommitted, &cp.Last.TxnSubmitID, &cp.Last.UniqueID, &cp.Seq, &cp.Pending)
	if err == sql.ErrNoRows {
		return revlog.Checkpoint{}, nil
	}
	if err != nil {
		return cp, fmt.Errorf("querying checkpoint: %w", err)
	}
	return cp, nil
}

// SaveCheckpoint records the replay progress of a scope.
func (db *DB) SaveCheckpoint(ctx context.Context, scope graph.Scope, cp revlog.Checkpoint) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO checkpoints (scope, date_committed, txn_submit_id, unique_id, commit_seq, pending_seq, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope) DO UPDATE SET date_committed=excluded.date_committed,
		   txn_submit_id=excluded.txn_submit_id, unique_id=excluded.unique_id,
		   commit_seq=excluded.commit_seq, pending_seq=excluded.pending_seq, updated_at=excluded.updated_at`,
		scope.String(), cp.Last.DateCommitted, cp.Last.TxnSubmitID, cp.Last.UniqueID, cp.Seq, cp.Pending, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// ResetScope deletes the materialized state, counters and checkpoint of a
// scope. The revision log is untouched.
func (db *DB) ResetScope(ctx context.Context, scope graph.Scope) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reset: %w", err)
	}
	defer tx.Rollback()

	s := scope.String()
	for _, table := range []string{"nodes", "node_aliases", "edges", "edge_aliases", "edge_endpoints", "checkpoints"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE scope = ?`, s); err != nil {
			return fmt.Errorf("resetting %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM counters WHERE name IN (?, ?)`,
		graph.NodeCounter(scope), graph.EdgeCounter(scope)); err != nil {
		return fmt.Errorf("resetting counters: %w", err)
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
