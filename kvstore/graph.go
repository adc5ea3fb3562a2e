package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"revgraph/graph"
	"revgraph/keys"
)

type alias struct {
	kind  string
	value string
}

func aliasesOf(ks ...keys.EntityKeys) []alias {
	seen := make(map[alias]bool)
	var out []alias
	add := func(a alias) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, k := range ks {
		for _, u := range k.UIDs {
			add(alias{"uid", u})
		}
		for _, n := range k.Names {
			add(alias{"name", n})
		}
	}
	return out
}

// Content is kept as JSON inside the msgpack record so both backends decode
// it to the same Go values.
type nodeRecord struct {
	ID      string          `msgpack:"id"`
	Seq     int64           `msgpack:"seq"`
	Keys    keys.EntityKeys `msgpack:"keys"`
	Content []byte          `msgpack:"content,omitempty"`
}

type edgeRecord struct {
	ID      string          `msgpack:"id"`
	Seq     int64           `msgpack:"seq"`
	Keys    keys.EntityKeys `msgpack:"keys"`
	From    keys.EntityKeys `msgpack:"from"`
	To      keys.EntityKeys `msgpack:"to"`
	Content []byte          `msgpack:"content,omitempty"`
}

func encodeContent(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}
	return data, nil
}

func decodeContent(data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding content: %w", err)
	}
	return m, nil
}

func (r *nodeRecord) node() (*graph.Node, error) {
	content, err := decodeContent(r.Content)
	if err != nil {
		return nil, err
	}
	return &graph.Node{ID: r.ID, Seq: r.Seq, Keys: r.Keys.Normalize(), Content: content, Loaded: true}, nil
}

func (r *edgeRecord) edge() (*graph.Edge, error) {
	content, err := decodeContent(r.Content)
	if err != nil {
		return nil, err
	}
	return &graph.Edge{
		ID: r.ID, Seq: r.Seq, Keys: r.Keys.Normalize(),
		From: r.From.Normalize(), To: r.To.Normalize(),
		Content: content, Loaded: true,
	}, nil
}

// candidateIDs returns the ids indexed under any alias of probe.
func candidateIDs(txn *badger.Txn, index string, scope graph.Scope, probe keys.EntityKeys) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, a := range aliasesOf(probe) {
		p := prefix(b(index), b(scope.String()), b(a.kind), b(a.value))
		for _, k := range scanKeys(txn, p) {
			id := string(k[len(p):])
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func putIndex(txn *badger.Txn, index string, scope graph.Scope, id string, old, cur []alias) error {
	for _, a := range old {
		if err := txn.Delete(indexKey(index, scope, a, id)); err != nil {
			return err
		}
	}
	for _, a := range cur {
		if err := txn.Set(indexKey(index, scope, a, id), nil); err != nil {
			return err
		}
	}
	return nil
}

// ----- Nodes -----

func getNode(txn *badger.Txn, scope graph.Scope, id string) (*nodeRecord, error) {
	var rec nodeRecord
	if err := getRecord(txn, entityKey("n", scope, id), &rec); err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, graph.ErrNotFound
		}
		return nil, fmt.Errorf("loading node %s: %w", id, err)
	}
	return &rec, nil
}

// FindNodes returns the nodes referring to the same entity as probe.
func (s *DB) FindNodes(ctx context.Context, scope graph.Scope, probe keys.EntityKeys) ([]*graph.Node, error) {
	var out []*graph.Node
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range candidateIDs(txn, "na", scope, probe) {
			rec, err := getNode(txn, scope, id)
			if err == graph.ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			n, err := rec.node()
			if err != nil {
				return err
			}
			if keys.SameEntity(n.Keys, probe) {
				out = append(out, n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// GetNode retrieves a node by id.
func (s *DB) GetNode(ctx context.Context, scope graph.Scope, id string) (*graph.Node, error) {
	var n *graph.Node
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getNode(txn, scope, id)
		if err != nil {
			return err
		}
		n, err = rec.node()
		return err
	})
	return n, err
}

// PutNode inserts or replaces a node and its alias index.
func (s *DB) PutNode(ctx context.Context, scope graph.Scope, n *graph.Node) error {
	content, err := encodeContent(n.Content)
	if err != nil {
		return err
	}
	rec := &nodeRecord{ID: n.ID, Seq: n.Seq, Keys: n.Keys.Normalize(), Content: content}
	return s.retryConflict(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			var old []alias
			if prev, err := getNode(txn, scope, n.ID); err == nil {
				old = aliasesOf(prev.Keys)
			} else if err != graph.ErrNotFound {
				return err
			}
			if err := setRecord(txn, entityKey("n", scope, n.ID), rec); err != nil {
				return err
			}
			return putIndex(txn, "na", scope, n.ID, old, aliasesOf(rec.Keys))
		})
	})
}

// DeleteNode removes a node and its alias index.
func (s *DB) DeleteNode(ctx context.Context, scope graph.Scope, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		prev, err := getNode(txn, scope, id)
		if err == graph.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := putIndex(txn, "na", scope, id, aliasesOf(prev.Keys), nil); err != nil {
			return err
		}
		return txn.Delete(entityKey("n", scope, id))
	})
}

// SetNodeProperty sets one content property of a node.
func (s *DB) SetNodeProperty(ctx context.Context, scope graph.Scope, id, name string, value interface{}) error {
	return s.retryConflict(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			rec, err := getNode(txn, scope, id)
			if err != nil {
				return err
			}
			m, err := decodeContent(rec.Content)
			if err != nil {
				return err
			}
			if m == nil {
				m = make(map[string]interface{})
			}
			m[name] = value
			if rec.Content, err = encodeContent(m); err != nil {
				return err
			}
			return setRecord(txn, entityKey("n", scope, id), rec)
		})
	})
}

// ListNodes returns all nodes of a scope ordered by seq.
func (s *DB) ListNodes(ctx context.Context, scope graph.Scope) ([]*graph.Node, error) {
	var out []*graph.Node
	err := s.db.View(func(txn *badger.Txn) error {
		return scanRecords(txn, prefix(b("n"), b(scope.String())), func() interface{} { return &nodeRecord{} }, func(v interface{}) error {
			n, err := v.(*nodeRecord).node()
			if err != nil {
				return err
			}
			out = append(out, n)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func scanRecords(txn *badger.Txn, p []byte, alloc func() interface{}, fn func(interface{}) error) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: p, PrefetchValues: true, PrefetchSize: 100})
	defer it.Close()
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		v := alloc()
		if err := it.Item().Value(func(val []byte) error { return msgpack.Unmarshal(val, v) }); err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// ----- Edges -----

func getEdge(txn *badger.Txn, scope graph.Scope, id string) (*edgeRecord, error) {
	var rec edgeRecord
	if err := getRecord(txn, entityKey("e", scope, id), &rec); err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, graph.ErrNotFound
		}
		return nil, fmt.Errorf("loading edge %s: %w", id, err)
	}
	return &rec, nil
}

func (s *DB) loadEdges(index string, scope graph.Scope, probe keys.EntityKeys, keep func(*graph.Edge) bool) ([]*graph.Edge, error) {
	var out []*graph.Edge
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range candidateIDs(txn, index, scope, probe) {
			rec, err := getEdge(txn, scope, id)
			if err == graph.ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			e, err := rec.edge()
			if err != nil {
				return err
			}
			if keep(e) {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// FindEdges returns the edges referring to the same entity as probe.
func (s *DB) FindEdges(ctx context.Context, scope graph.Scope, probe keys.EntityKeys) ([]*graph.Edge, error) {
	return s.loadEdges("ea", scope, probe, func(e *graph.Edge) bool {
		return keys.SameEntity(e.Keys, probe)
	})
}

// EdgesTouching returns edges whose from or to refers to node.
func (s *DB) EdgesTouching(ctx context.Context, scope graph.Scope, node keys.EntityKeys) ([]*graph.Edge, error) {
	return s.loadEdges("ep", scope, node, func(e *graph.Edge) bool {
		return keys.SameEntity(e.From, node) || keys.SameEntity(e.To, node)
	})
}

// GetEdge retrieves an edge by id.
func (s *DB) GetEdge(ctx context.Context, scope graph.Scope, id string) (*graph.Edge, error) {
	var e *graph.Edge
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getEdge(txn, scope, id)
		if err != nil {
			return err
		}
		e, err = rec.edge()
		return err
	})
	return e, err
}

// PutEdge inserts or replaces an edge and its indexes.
func (s *DB) PutEdge(ctx context.Context, scope graph.Scope, e *graph.Edge) error {
	content, err := encodeContent(e.Content)
	if err != nil {
		return err
	}
	rec := &edgeRecord{
		ID: e.ID, Seq: e.Seq, Keys: e.Keys.Normalize(),
		From: e.From.Normalize(), To: e.To.Normalize(), Content: content,
	}
	return s.retryConflict(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			var oldKeys, oldEnds []alias
			if prev, err := getEdge(txn, scope, e.ID); err == nil {
				oldKeys = aliasesOf(prev.Keys)
				oldEnds = aliasesOf(prev.From, prev.To)
			} else if err != graph.ErrNotFound {
				return err
			}
			if err := setRecord(txn, entityKey("e", scope, e.ID), rec); err != nil {
				return err
			}
			if err := putIndex(txn, "ea", scope, e.ID, oldKeys, aliasesOf(rec.Keys)); err != nil {
				return err
			}
			return putIndex(txn, "ep", scope, e.ID, oldEnds, aliasesOf(rec.From, rec.To))
		})
	})
}

// DeleteEdge removes an edge and its indexes.
func (s *DB) DeleteEdge(ctx context.Context, scope graph.Scope, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		prev, err := getEdge(txn, scope, id)
		if err == graph.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := putIndex(txn, "ea", scope, id, aliasesOf(prev.Keys), nil); err != nil {
			return err
		}
		if err := putIndex(txn, "ep", scope, id, aliasesOf(prev.From, prev.To), nil); err != nil {
			return err
		}
		return txn.Delete(entityKey("e", scope, id))
	})
}

// ListEdges returns all edges of a scope ordered by seq.
func (s *DB) ListEdges(ctx context.Context, scope graph.Scope) ([]*graph.Edge, error) {
	var out []*graph.Edge
	err := s.db.View(func(txn *badger.Txn) error {
		return scanRecords(txn, prefix(b("e"), b(scope.String())), func() interface{} { return &edgeRecord{} }, func(v interface{}) error {
			e, err := v.(*edgeRecord).edge()
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing edges: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func sortStrings(s []string) {
	sort.Strings(s)
}
