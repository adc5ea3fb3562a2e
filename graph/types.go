// Package graph provides the materialized graph model (nodes and edges
// identified by entity keys) and the storage interfaces the log player and
// graph cursor consume.
package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"revgraph/keys"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidScope = errors.New("invalid graph scope")
)

// Scope names one branch of one graph. Every branch has its own revision
// stream and its own materialized node and edge collections.
type Scope struct {
	Graph  string `json:"graph"`
	Branch string `json:"branch"`
}

// String returns "graph/branch".
func (s Scope) String() string {
	return s.Graph + "/" + s.Branch
}

// Validate rejects empty names and names containing a slash.
func (s Scope) Validate() error {
	if s.Graph == "" || s.Branch == "" {
		return fmt.Errorf("%w: graph and branch required", ErrInvalidScope)
	}
	if strings.ContainsAny(s.Graph, "/\\\x00") || strings.ContainsAny(s.Branch, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidScope, s.String())
	}
	return nil
}

// Node is a materialized node.
type Node struct {
	// ID is the storage identifier assigned when the node is first created.
	ID      string                 `json:"id"`
	Keys    keys.EntityKeys        `json:"keys"`
	Content map[string]interface{} `json:"content,omitempty"`
	// Seq orders nodes by creation.
	Seq int64 `json:"seq"`
	// Loaded is set by stores on nodes read back from storage.
	Loaded bool `json:"-"`
}

// Edge is a materialized edge. From and To reference node keysets that may
// resolve to no stored node (a hanging edge), which is not an error.
type Edge struct {
	ID      string                 `json:"id"`
	Keys    keys.EntityKeys        `json:"keys"`
	From    keys.EntityKeys        `json:"from"`
	To      keys.EntityKeys        `json:"to"`
	Content map[string]interface{} `json:"content,omitempty"`
	Seq     int64                  `json:"seq"`
	Loaded  bool                   `json:"-"`
}

// Other returns the endpoint opposite to the one matching node, and whether
// node matched either endpoint.
func (e *Edge) Other(node keys.EntityKeys) (keys.EntityKeys, bool) {
	switch {
	case keys.SameEntity(e.From, node):
		return e.To, true
	case keys.SameEntity(e.To, node):
		return e.From, true
	default:
		return keys.EntityKeys{}, false
	}
}

// NodeStore provides materialized node storage.
type NodeStore interface {
	// FindNodes returns every stored node whose keyset refers to the same
	// entity as probe, ordered by Seq.
	FindNodes(ctx context.Context, scope Scope, probe keys.EntityKeys) ([]*Node, error)

	// GetNode retrieves a node by storage ID. Returns ErrNotFound if absent.
	GetNode(ctx context.Context, scope Scope, id string) (*Node, error)

	// PutNode inserts or replaces a node and its key index.
	PutNode(ctx context.Context, scope Scope, n *Node) error

	// DeleteNode removes a node and its key index.
	DeleteNode(ctx context.Context, scope Scope, id string) error

	// SetNodeProperty sets a single content property without touching keys.
	SetNodeProperty(ctx context.Context, scope Scope, id, name string, value interface{}) error

	// ListNodes returns all nodes ordered by Seq.
	ListNodes(ctx context.Context, scope Scope) ([]*Node, error)
}

// EdgeStore provides materialized edge storage.
type EdgeStore interface {
	// FindEdges returns every stored edge whose keyset refers to the same
	// entity as probe, ordered by Seq.
	FindEdges(ctx context.Context, scope Scope, probe keys.EntityKeys) ([]*Edge, error)

	// GetEdge retrieves an edge by storage ID. Returns ErrNotFound if absent.
	GetEdge(ctx context.Context, scope Scope, id string) (*Edge, error)

	// PutEdge inserts or replaces an edge, its key index and endpoint index.
	PutEdge(ctx context.Context, scope Scope, e *Edge) error

	// DeleteEdge removes an edge and its indexes.
	DeleteEdge(ctx context.Context, scope Scope, id string) error

	// EdgesTouching returns edges whose From or To refers to node, ordered by Seq.
	EdgesTouching(ctx context.Context, scope Scope, node keys.EntityKeys) ([]*Edge, error)

	// ListEdges returns all edges ordered by Seq.
	ListEdges(ctx context.Context, scope Scope) ([]*Edge, error)
}

// Sequencer hands out monotonically increasing values per counter name
// (an atomic find-and-modify increment).
type Sequencer interface {
	NextSequence(ctx context.Context, name string) (int64, error)
}

// Store combines the materialized graph interfaces.
type Store interface {
	NodeStore
	EdgeStore
	Sequencer
}

// NodeCounter names the sequence that numbers the nodes of a scope.
func NodeCounter(s Scope) string {
	return "node@" + s.String()
}

// EdgeCounter names the sequence that numbers the edges of a scope.
func EdgeCounter(s Scope) string {
	return "edge@" + s.String()
}
