package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"revgraph/graph"
	"revgraph/keys"
)

const (
	aliasUID  = "uid"
	aliasName = "name"
)

type alias struct {
	kind  string
	value string
}

func aliasesOf(ks ...keys.EntityKeys) []alias {
	seen := make(map[alias]bool)
	var out []alias
	for _, k := range ks {
		for _, u := range k.UIDs {
			a := alias{aliasUID, u}
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
		for _, n := range k.Names {
			a := alias{aliasName, n}
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// candidateIDs returns the ids indexed in table under any alias of probe.
func (db *DB) candidateIDs(ctx context.Context, table string, scope graph.Scope, probe keys.EntityKeys) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, a := range aliasesOf(probe) {
		rows, err := db.conn.QueryContext(ctx,
			`SELECT id FROM `+table+` WHERE scope = ? AND kind = ? AND value = ?`,
			scope.String(), a.kind, a.value)
		if err != nil {
			return nil, fmt.Errorf("querying %s: %w", table, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning %s: %w", table, err)
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func writeAliases(ctx context.Context, tx *sql.Tx, table string, scope graph.Scope, id string, aliases []alias) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE scope = ? AND id = ?`, scope.String(), id); err != nil {
		return fmt.Errorf("clearing %s: %w", table, err)
	}
	for _, a := range aliases {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO `+table+` (scope, kind, value, id) VALUES (?, ?, ?, ?)`,
			scope.String(), a.kind, a.value, id); err != nil {
			return fmt.Errorf("indexing %s: %w", table, err)
		}
	}
	return nil
}

func encodeContent(m map[string]interface{}) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding content: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeContent(s sql.NullString) (map[string]interface{}, error) {
	if !s.Valid {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("decoding content: %w", err)
	}
	return m, nil
}

func encodeKeys(k keys.EntityKeys) (string, error) {
	data, err := json.Marshal(k.Normalize())
	if err != nil {
		return "", fmt.Errorf("encoding keys: %w", err)
	}
	return string(data), nil
}

func decodeKeys(s string) (keys.EntityKeys, error) {
	var k keys.EntityKeys
	if err := json.Unmarshal([]byte(s), &k); err != nil {
		return k, fmt.Errorf("decoding keys: %w", err)
	}
	return k.Normalize(), nil
}

// ----- Nodes -----

// FindNodes returns the nodes referring to the same entity as probe.
func (db *DB) FindNodes(ctx context.Context, scope graph.Scope, probe keys.EntityKeys) ([]*graph.Node, error) {
	ids, err := db.candidateIDs(ctx, "node_aliases", scope, probe)
	if err != nil {
		return nil, err
	}
	var out []*graph.Node
	for _, id := range ids {
		n, err := db.GetNode(ctx, scope, id)
		if err == graph.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keys.SameEntity(n.Keys, probe) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// GetNode retrieves a node by id.
func (db *DB) GetNode(ctx context.Context, scope graph.Scope, id string) (*graph.Node, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, seq, keys, content FROM nodes WHERE scope = ? AND id = ?`, scope.String(), id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, graph.ErrNotFound
	}
	return n, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(s scanner) (*graph.Node, error) {
	var (
		n       graph.Node
		k       string
		content sql.NullString
	)
	if err := s.Scan(&n.ID, &n.Seq, &k, &content); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning node: %w", err)
	}
	var err error
	if n.Keys, err = decodeKeys(k); err != nil {
		return nil, err
	}
	if n.Content, err = decodeContent(content); err != nil {
		return nil, err
	}
	n.Loaded = true
	return &n, nil
}

// PutNode inserts or replaces a node and its alias index.
func (db *DB) PutNode(ctx context.Context, scope graph.Scope, n *graph.Node) error {
	k, err := encodeKeys(n.Keys)
	if err != nil {
		return err
	}
	content, err := encodeContent(n.Content)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning node write: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO nodes (scope, id, seq, type, keys, content) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope, id) DO UPDATE SET seq=excluded.seq, type=excluded.type, keys=excluded.keys, content=excluded.content`,
		scope.String(), n.ID, n.Seq, n.Keys.Type, k, content)
	if err != nil {
		return fmt.Errorf("upserting node: %w", err)
	}
	if err := writeAliases(ctx, tx, "node_aliases", scope, n.ID, aliasesOf(n.Keys)); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteNode removes a node and its alias index.
func (db *DB) DeleteNode(ctx context.Context, scope graph.Scope, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning node delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE scope = ? AND id = ?`, scope.String(), id); err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}
	if err := writeAliases(ctx, tx, "node_aliases", scope, id, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// SetNodeProperty sets one content property of a node.
func (db *DB) SetNodeProperty(ctx context.Context, scope graph.Scope, id, name string, value interface{}) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning property write: %w", err)
	}
	defer tx.Rollback()

	var content sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT content FROM nodes WHERE scope = ? AND id = ?`, scope.String(), id).Scan(&content)
	if err == sql.ErrNoRows {
		return graph.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading node content: %w", err)
	}
	m, err := decodeContent(content)
	if err != nil {
		return err
	}
	if m == nil {
		m = make(map[string]interface{})
	}
	m[name] = value
	enc, err := encodeContent(m)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE nodes SET content = ? WHERE scope = ? AND id = ?`, enc, scope.String(), id); err != nil {
		return fmt.Errorf("updating node content: %w", err)
	}
	return tx.Commit()
}

// ListNodes returns all nodes of a scope ordered by seq.
func (db *DB) ListNodes(ctx context.Context, scope graph.Scope) ([]*graph.Node, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, seq, keys, content FROM nodes WHERE scope = ? ORDER BY seq ASC, id ASC`, scope.String())
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var out []*graph.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ----- Edges -----

const edgeColumns = `id, seq, keys, from_keys, to_keys, content`

func scanEdge(s scanner) (*graph.Edge, error) {
	var (
		e           graph.Edge
		k, from, to string
		content     sql.NullString
	)
	if err := s.Scan(&e.ID, &e.Seq, &k, &from, &to, &content); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning edge: %w", err)
	}
	var err error
	if e.Keys, err = decodeKeys(k); err != nil {
		return nil, err
	}
	if e.From, err = decodeKeys(from); err != nil {
		return nil, err
	}
	if e.To, err = decodeKeys(to); err != nil {
		return nil, err
	}
	if e.Content, err = decodeContent(content); err != nil {
		return nil, err
	}
	e.Loaded = true
	return &e, nil
}

// FindEdges returns the edges referring to the same entity as probe.
func (db *DB) FindEdges(ctx context.Context, scope graph.Scope, probe keys.EntityKeys) ([]*graph.Edge, error) {
	ids, err := db.candidateIDs(ctx, "edge_aliases", scope, probe)
	if err != nil {
		return nil, err
	}
	return db.loadEdges(ctx, scope, ids, func(e *graph.Edge) bool {
		return keys.SameEntity(e.Keys, probe)
	})
}

// EdgesTouching returns edges whose from or to refers to node.
func (db *DB) EdgesTouching(ctx context.Context, scope graph.Scope, node keys.EntityKeys) ([]*graph.Edge, error) {
	ids, err := db.candidateIDs(ctx, "edge_endpoints", scope, node)
	if err != nil {
		return nil, err
	}
	return db.loadEdges(ctx, scope, ids, func(e *graph.Edge) bool {
		return keys.SameEntity(e.From, node) || keys.SameEntity(e.To, node)
	})
}

func (db *DB) loadEdges(ctx context.Context, scope graph.Scope, ids []string, keep func(*graph.Edge) bool) ([]*graph.Edge, error) {
	var out []*graph.Edge
	for _, id := range ids {
		e, err := db.GetEdge(ctx, scope, id)
		if err == graph.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// GetEdge retrieves an edge by id.
func (db *DB) GetEdge(ctx context.Context, scope graph.Scope, id string) (*graph.Edge, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE scope = ? AND id = ?`, scope.String(), id)
	e, err := scanEdge(row)
	if err == sql.ErrNoRows {
		return nil, graph.ErrNotFound
	}
	return e, err
}

// PutEdge inserts or replaces an edge, its alias index and endpoint index.
func (db *DB) PutEdge(ctx context.Context, scope graph.Scope, e *graph.Edge) error {
	k, err := encodeKeys(e.Keys)
	if err != nil {
		return err
	}
	from, err := encodeKeys(e.From)
	if err != nil {
		return err
	}
	to, err := encodeKeys(e.To)
	if err != nil {
		return err
	}
	content, err := encodeContent(e.Content)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning edge write: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO edges (scope, id, seq, type, keys, from_keys, to_keys, content) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope, id) DO UPDATE SET seq=excluded.seq, type=excluded.type, keys=excluded.keys,
		   from_keys=excluded.from_keys, to_keys=excluded.to_keys, content=excluded.content`,
		scope.String(), e.ID, e.Seq, e.Keys.Type, k, from, to, content)
	if err != nil {
		return fmt.Errorf("upserting edge: %w", err)
	}
	if err := writeAliases(ctx, tx, "edge_aliases", scope, e.ID, aliasesOf(e.Keys)); err != nil {
		return err
	}
	if err := writeAliases(ctx, tx, "edge_endpoints", scope, e.ID, aliasesOf(e.From, e.To)); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteEdge removes an edge and its indexes.
func (db *DB) DeleteEdge(ctx context.Context, scope graph.Scope, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning edge delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE scope = ? AND id = ?`, scope.String(), id); err != nil {
		return fmt.Errorf("deleting edge: %w", err)
	}
	for _, table := range []string{"edge_aliases", "edge_endpoints"} {
		if err := writeAliases(ctx, tx, table, scope, id, nil); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListEdges returns all edges of a scope ordered by seq.
func (db *DB) ListEdges(ctx context.Context, scope graph.Scope) ([]*graph.Edge, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE scope = ? ORDER BY seq ASC, id ASC`, scope.String())
	if err != nil {
		return nil, fmt.Errorf("listing edges: %w", err)
	}
	defer rows.Close()

	var out []*graph.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
