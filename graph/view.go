package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"revgraph/cas"
	"revgraph/keys"
)

// View is a read-only window onto one scope of a Store.
type View struct {
	store Store
	scope Scope
}

// NewView creates a view of scope.
func NewView(s Store, scope Scope) *View {
	return &View{store: s, scope: scope}
}

// Scope returns the viewed scope.
func (v *View) Scope() Scope {
	return v.scope
}

// FindNode returns the oldest stored node referring to the same entity as k.
func (v *View) FindNode(ctx context.Context, k keys.EntityKeys) (*Node, error) {
	nodes, err := v.store.FindNodes(ctx, v.scope, k.Normalize())
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("node %s: %w", k, ErrNotFound)
	}
	return nodes[0], nil
}

// NodeExists reports whether a stored node refers to the same entity as k.
func (v *View) NodeExists(ctx context.Context, k keys.EntityKeys) (bool, error) {
	nodes, err := v.store.FindNodes(ctx, v.scope, k.Normalize())
	if err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

// ResolveNode returns the complete keyset known for a partial node keyset.
func (v *View) ResolveNode(ctx context.Context, partial keys.EntityKeys) (keys.EntityKeys, error) {
	return keys.Closure(ctx, v.nodeLookup, partial)
}

func (v *View) nodeLookup(ctx context.Context, probe keys.EntityKeys) ([]keys.EntityKeys, error) {
	nodes, err := v.store.FindNodes(ctx, v.scope, probe)
	if err != nil {
		return nil, err
	}
	out := make([]keys.EntityKeys, len(nodes))
	for i, n := range nodes {
		out[i] = n.Keys
	}
	return out, nil
}

// Nodes lists nodes whose type matches the glob pattern ("" matches all).
func (v *View) Nodes(ctx context.Context, typePattern string) ([]*Node, error) {
	nodes, err := v.store.ListNodes(ctx, v.scope)
	if err != nil {
		return nil, err
	}
	if typePattern == "" {
		return nodes, nil
	}
	var out []*Node
	for _, n := range nodes {
		ok, err := MatchType(typePattern, n.Keys.Type)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// Edges lists edges whose type matches the glob pattern ("" matches all).
func (v *View) Edges(ctx context.Context, typePattern string) ([]*Edge, error) {
	edges, err := v.store.ListEdges(ctx, v.scope)
	if err != nil {
		return nil, err
	}
	if typePattern == "" {
		return edges, nil
	}
	var out []*Edge
	for _, e := range edges {
		ok, err := MatchType(typePattern, e.Keys.Type)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// EdgesOf returns edges touching the node referenced by k.
func (v *View) EdgesOf(ctx context.Context, k keys.EntityKeys) ([]*Edge, error) {
	return v.store.EdgesTouching(ctx, v.scope, k.Normalize())
}

// Hanging describes which endpoints of an edge resolve to no stored node.
type Hanging struct {
	Edge        *Edge
	FromMissing bool
	ToMissing   bool
}

// CheckHanging reports which endpoints of e are missing.
func (v *View) CheckHanging(ctx context.Context, e *Edge) (Hanging, error) {
	h := Hanging{Edge: e}
	fromOK, err := v.NodeExists(ctx, e.From)
	if err != nil {
		return h, err
	}
	toOK, err := v.NodeExists(ctx, e.To)
	if err != nil {
		return h, err
	}
	h.FromMissing = !fromOK
	h.ToMissing = !toOK
	return h, nil
}

// HangingEdges returns every edge with at least one missing endpoint.
func (v *View) HangingEdges(ctx context.Context) ([]Hanging, error) {
	edges, err := v.store.ListEdges(ctx, v.scope)
	if err != nil {
		return nil, err
	}
	var out []Hanging
	for _, e := range edges {
		h, err := v.CheckHanging(ctx, e)
		if err != nil {
			return nil, err
		}
		if h.FromMissing || h.ToMissing {
			out = append(out, h)
		}
	}
	return out, nil
}

type stateSnapshot struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// StateDigest fingerprints the materialized state of the scope: the
// content digest of all nodes and edges sorted by ID. Two replays of the
// same committed history produce the same digest.
func (v *View) StateDigest(ctx context.Context) ([]byte, error) {
	nodes, err := v.store.ListNodes(ctx, v.scope)
	if err != nil {
		return nil, err
	}
	edges, err := v.store.ListEdges(ctx, v.scope)
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	snap := stateSnapshot{Nodes: []*Node{}, Edges: []*Edge{}}
	snap.Nodes = append(snap.Nodes, nodes...)
	snap.Edges = append(snap.Edges, edges...)
	sum, err := cas.Digest(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	return sum, nil
}

// MatchType matches an entity type against a glob pattern. An empty pattern
// matches everything.
func MatchType(pattern, typ string) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	ok, err := doublestar.Match(pattern, typ)
	if err != nil {
		return false, fmt.Errorf("bad type pattern %q: %w", pattern, err)
	}
	return ok, nil
}
