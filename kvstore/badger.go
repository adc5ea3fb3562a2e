// Package kvstore provides a Badger-backed document store for revgraph with
// msgpack-encoded records. It implements the same contracts as package store.
//
// Key layout (0x00-separated):
//
//	r  uniqueID                               revision record
//	t  txnID  submitID  uniqueID              transaction index
//	c  scope  dateCommitted  submitID  uniqueID  committed index (replay order)
//	q  scope  commitSeq  uniqueID             committed index (commit order)
//	n  scope  id                              node record
//	na scope  kind  value  id                 node alias index
//	e  scope  id                              edge record
//	ea scope  kind  value  id                 edge alias index
//	ep scope  kind  value  id                 edge endpoint index
//	k  name                                   counter
//	p  scope                                  replay checkpoint
package kvstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"revgraph/graph"
	"revgraph/ops"
	"revgraph/revlog"
)

// DirName is the Badger directory name inside a graph directory.
const DirName = "graph.badger"

const (
	conflictAttempts = 5
	conflictMaxDelay = 400 * time.Millisecond
)

const sep = 0x00

// DB wraps a Badger database holding one graph.
type DB struct {
	db   *badger.DB
	path string
}

// OpenGraphDB opens or creates the Badger store of a graph under root.
func OpenGraphDB(root, graphID string) (*DB, error) {
	dir := filepath.Join(root, graphID, DirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating badger directory: %w", err)
	}
	return Open(dir)
}

// Open opens a Badger store in dir.
func Open(dir string) (*DB, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return &DB{db: db, path: dir}, nil
}

// Close closes the database.
func (s *DB) Close() error {
	return s.db.Close()
}

// Path returns the database directory.
func (s *DB) Path() string {
	return s.path
}

// Ping reports whether the database is open.
func (s *DB) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger closed")
	}
	return nil
}

// ----- keys -----

func key(parts ...[]byte) []byte {
	n := len(parts)
	for _, p := range parts {
		n += len(p)
	}
	k := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			k = append(k, sep)
		}
		k = append(k, p...)
	}
	return k
}

// prefix returns key(parts...) followed by a separator.
func prefix(parts ...[]byte) []byte {
	return append(key(parts...), sep)
}

func b(s string) []byte { return []byte(s) }

// ordered encodes an int64 so that byte order matches numeric order.
func ordered(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
	return buf[:]
}

func revisionKey(id string) []byte { return key(b("r"), b(id)) }

func txnIndexKey(txn string, submit int64, id string) []byte {
	return key(b("t"), b(txn), ordered(submit), b(id))
}

func committedKey(scope graph.Scope, date, submit int64, id string) []byte {
	return key(b("c"), b(scope.String()), ordered(date), ordered(submit), b(id))
}

func commitSeqKey(scope graph.Scope, seq int64, id string) []byte {
	return key(b("q"), b(scope.String()), ordered(seq), b(id))
}

func entityKey(kind string, scope graph.Scope, id string) []byte {
	return key(b(kind), b(scope.String()), b(id))
}

func indexKey(kind string, scope graph.Scope, a alias, id string) []byte {
	return key(b(kind), b(scope.String()), b(a.kind), b(a.value), b(id))
}

func counterKey(name string) []byte { return key(b("k"), b(name)) }

func checkpointKey(scope graph.Scope) []byte { return key(b("p"), b(scope.String())) }

// ----- records -----

type revisionRecord struct {
	UniqueID      string `msgpack:"id"`
	GraphID       string `msgpack:"g"`
	BranchID      string `msgpack:"b"`
	TxnID         string `msgpack:"t"`
	TxnSubmitID   int64  `msgpack:"s"`
	Timestamp     int64  `msgpack:"ts"`
	Committed     bool   `msgpack:"c"`
	DateCommitted int64  `msgpack:"dc"`
	CommitSeq     int64  `msgpack:"cs"`
	Items         []byte `msgpack:"items"`
	Digest        string `msgpack:"d"`
}

func toRecord(c *revlog.Container) (*revisionRecord, error) {
	items, err := ops.EncodeItems(c.Items)
	if err != nil {
		return nil, fmt.Errorf("encoding items: %w", err)
	}
	return &revisionRecord{
		UniqueID: c.UniqueID, GraphID: c.GraphID, BranchID: c.BranchID, TxnID: c.TxnID,
		TxnSubmitID: c.TxnSubmitID, Timestamp: c.Timestamp, Committed: c.Committed,
		DateCommitted: c.DateCommitted, CommitSeq: c.CommitSeq, Items: items, Digest: c.Digest,
	}, nil
}

func (r *revisionRecord) container() (*revlog.Container, error) {
	items, err := ops.DecodeItems(r.Items)
	if err != nil {
		return nil, fmt.Errorf("revision %s: %w", r.UniqueID, err)
	}
	return &revlog.Container{
		UniqueID: r.UniqueID, GraphID: r.GraphID, BranchID: r.BranchID, TxnID: r.TxnID,
		TxnSubmitID: r.TxnSubmitID, Timestamp: r.Timestamp, Committed: r.Committed,
		DateCommitted: r.DateCommitted, CommitSeq: r.CommitSeq, Items: items, Digest: r.Digest,
	}, nil
}

func (r *revisionRecord) scope() graph.Scope {
	return graph.Scope{Graph: r.GraphID, Branch: r.BranchID}
}

func getRecord(txn *badger.Txn, k []byte, v interface{}) error {
	item, err := txn.Get(k)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, v)
	})
}

func setRecord(txn *badger.Txn, k []byte, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	return txn.Set(k, data)
}

// scanKeys returns the keys under p.
func scanKeys(txn *badger.Txn, p []byte) [][]byte {
	return scanKeysFrom(txn, p, p)
}

// scanKeysFrom returns the keys under p starting at start.
func scanKeysFrom(txn *badger.Txn, p, start []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = p
	it := txn.NewIterator(opts)
	defer it.Close()

	var out [][]byte
	for it.Seek(start); it.ValidForPrefix(p); it.Next() {
		out = append(out, it.Item().KeyCopy(nil))
	}
	return out
}

// lastSegment returns the part of k after its final separator.
func lastSegment(k []byte) string {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == sep {
			return string(k[i+1:])
		}
	}
	return string(k)
}

// ----- Revisions -----

// InsertRevision stores a container and its indexes.
func (s *DB) InsertRevision(ctx context.Context, c *revlog.Container) error {
	rec, err := toRecord(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(revisionKey(c.UniqueID)); err == nil {
			return fmt.Errorf("revision %s already exists", c.UniqueID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := setRecord(txn, revisionKey(c.UniqueID), rec); err != nil {
			return err
		}
		if err := txn.Set(txnIndexKey(c.TxnID, c.TxnSubmitID, c.UniqueID), nil); err != nil {
			return err
		}
		if c.Committed {
			if err := txn.Set(commitSeqKey(rec.scope(), c.CommitSeq, c.UniqueID), nil); err != nil {
				return err
			}
			return txn.Set(committedKey(rec.scope(), c.DateCommitted, c.TxnSubmitID, c.UniqueID), nil)
		}
		return nil
	})
}

// CommitTransaction marks the uncommitted containers of a transaction
// committed in one Badger transaction.
func (s *DB) CommitTransaction(ctx context.Context, txnID string, at, seq int64) (int, error) {
	var n int
	err := s.retryConflict(func() error {
		n = 0
		return s.db.Update(func(txn *badger.Txn) error {
			for _, k := range scanKeys(txn, prefix(b("t"), b(txnID))) {
				id := lastSegment(k)
				var rec revisionRecord
				if err := getRecord(txn, revisionKey(id), &rec); err != nil {
					return fmt.Errorf("loading revision %s: %w", id, err)
				}
				if rec.Committed {
					continue
				}
				rec.Committed = true
				rec.DateCommitted = at
				rec.CommitSeq = seq
				if err := setRecord(txn, revisionKey(id), &rec); err != nil {
					return err
				}
				if err := txn.Set(commitSeqKey(rec.scope(), seq, id), nil); err != nil {
					return err
				}
				if err := txn.Set(committedKey(rec.scope(), at, rec.TxnSubmitID, id), nil); err != nil {
					return err
				}
				n++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return n, nil
}

// DeleteTransaction deletes every container of a transaction in one Badger
// transaction.
func (s *DB) DeleteTransaction(ctx context.Context, txnID string) (int, error) {
	var n int
	err := s.retryConflict(func() error {
		n = 0
		return s.db.Update(func(txn *badger.Txn) error {
			for _, k := range scanKeys(txn, prefix(b("t"), b(txnID))) {
				id := lastSegment(k)
				var rec revisionRecord
				if err := getRecord(txn, revisionKey(id), &rec); err != nil && err != badger.ErrKeyNotFound {
					return err
				} else if err == nil {
					if rec.Committed {
						if err := txn.Delete(committedKey(rec.scope(), rec.DateCommitted, rec.TxnSubmitID, id)); err != nil {
							return err
						}
						if err := txn.Delete(commitSeqKey(rec.scope(), rec.CommitSeq, id)); err != nil {
							return err
						}
					}
					if err := txn.Delete(revisionKey(id)); err != nil {
						return err
					}
					n++
				}
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("deleting transaction: %w", err)
	}
	return n, nil
}

// RevisionsForTransaction returns the containers of a transaction in submit
// order.
func (s *DB) RevisionsForTransaction(ctx context.Context, txnID string, uncommittedOnly bool) ([]*revlog.Container, error) {
	var out []*revlog.Container
	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range scanKeys(txn, prefix(b("t"), b(txnID))) {
			var rec revisionRecord
			if err := getRecord(txn, revisionKey(lastSegment(k)), &rec); err != nil {
				return err
			}
			if uncommittedOnly && rec.Committed {
				continue
			}
			c, err := rec.container()
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying revisions: %w", err)
	}
	return out, nil
}

// CommittedRevisions returns committed containers of a scope after pos, in
// replay order. The scan seeks straight to pos in the committed index.
func (s *DB) CommittedRevisions(ctx context.Context, scope graph.Scope, after revlog.Position) ([]*revlog.Container, error) {
	var out []*revlog.Container
	err := s.db.View(func(txn *badger.Txn) error {
		start := committedKey(scope, after.DateCommitted, after.TxnSubmitID, after.UniqueID)
		for _, k := range scanKeysFrom(txn, prefix(b("c"), b(scope.String())), start) {
			if bytes.Equal(k, start) {
				continue
			}
			c, err := loadContainer(txn, lastSegment(k))
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying committed revisions: %w", err)
	}
	return out, nil
}

// CommittedSince returns committed containers of a scope whose commit
// sequence is greater than seq, in replay order.
func (s *DB) CommittedSince(ctx context.Context, scope graph.Scope, seq int64) ([]*revlog.Container, error) {
	var out []*revlog.Container
	err := s.db.View(func(txn *badger.Txn) error {
		p := prefix(b("q"), b(scope.String()))
		for _, k := range scanKeysFrom(txn, p, append(append([]byte(nil), p...), ordered(seq+1)...)) {
			c, err := loadContainer(txn, lastSegment(k))
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying committed revisions: %w", err)
	}
	revlog.SortReplayOrder(out)
	return out, nil
}

func loadContainer(txn *badger.Txn, id string) (*revlog.Container, error) {
	var rec revisionRecord
	if err := getRecord(txn, revisionKey(id), &rec); err != nil {
		return nil, fmt.Errorf("loading revision %s: %w", id, err)
	}
	return rec.container()
}

// Branches lists the branches of a graph that have revisions.
func (s *DB) Branches(ctx context.Context, graphID string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		p := prefix(b("r"))
		it := txn.NewIterator(badger.IteratorOptions{Prefix: p, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			var rec revisionRecord
			if err := it.Item().Value(func(val []byte) error { return msgpack.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			if rec.GraphID == graphID && !seen[rec.BranchID] {
				seen[rec.BranchID] = true
				out = append(out, rec.BranchID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying branches: %w", err)
	}
	sortStrings(out)
	return out, nil
}

// ----- Counters -----

// NextSequence atomically increments and returns a named counter. The first
// value is 1. Conflicting concurrent increments are retried.
func (s *DB) NextSequence(ctx context.Context, name string) (int64, error) {
	var v int64
	err := s.retryConflict(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			v = 0
			item, err := txn.Get(counterKey(name))
			switch {
			case err == badger.ErrKeyNotFound:
			case err != nil:
				return err
			default:
				if err := item.Value(func(val []byte) error {
					v = int64(binary.BigEndian.Uint64(val))
					return nil
				}); err != nil {
					return err
				}
			}
			v++
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(v))
			return txn.Set(counterKey(name), buf[:])
		})
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing counter %s: %w", name, err)
	}
	return v, nil
}

func (s *DB) retryConflict(fn func() error) error {
	var err error
	for i := 0; i < conflictAttempts; i++ {
		err = fn()
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(time.Duration(rand.Int63n(int64(conflictMaxDelay))))
	}
	return err
}

// ----- Checkpoints -----

// LoadCheckpoint returns the replay progress of a scope.
func (s *DB) LoadCheckpoint(ctx context.Context, scope graph.Scope) (revlog.Checkpoint, error) {
	var cp revlog.Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		return getRecord(txn, checkpointKey(scope), &cp)
	})
	if err == badger.ErrKeyNotFound {
		return revlog.Checkpoint{}, nil
	}
	if err != nil {
		return cp, fmt.Errorf("loading checkpoint: %w", err)
	}
	return cp, nil
}

// SaveCheckpoint records the replay progress of a scope.
func (s *DB) SaveCheckpoint(ctx context.Context, scope graph.Scope, cp revlog.Checkpoint) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return setRecord(txn, checkpointKey(scope), &cp)
	})
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// ResetScope deletes the materialized state, counters and checkpoint of a
// scope.
func (s *DB) ResetScope(ctx context.Context, scope graph.Scope) error {
	sc := b(scope.String())
	prefixes := [][]byte{
		prefix(b("n"), sc), prefix(b("na"), sc),
		prefix(b("e"), sc), prefix(b("ea"), sc), prefix(b("ep"), sc),
	}
	// DropPrefix cannot run inside a transaction and is not atomic with the
	// counter reset; a reset is always followed by a full replay.
	if err := s.db.DropPrefix(prefixes...); err != nil {
		return fmt.Errorf("resetting scope: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range [][]byte{
			checkpointKey(scope),
			counterKey(graph.NodeCounter(scope)),
			counterKey(graph.EdgeCounter(scope)),
		} {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
