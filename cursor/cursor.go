// Package cursor navigates the materialized graph from node to node.
//
// A Cursor is an immutable snapshot. Every movement appends exactly one
// HistoryItem to the History shared by all snapshots of a walk and returns
// a new Cursor one index further. A snapshot may be advanced only once;
// continuing from an earlier snapshot requires a Jump, which forks the
// history at that point.
package cursor

import (
	"context"
	"errors"

	"revgraph/graph"
	"revgraph/keys"
)

// Cursor is one position of a walk.
type Cursor struct {
	name    string
	scope   graph.Scope
	view    *graph.View
	current *keys.EntityKeys
	history *History
	index   int
}

// Start places a new cursor on the node referenced by at. If no such node
// is stored the cursor starts at a dead end.
func Start(ctx context.Context, v *graph.View, name string, at keys.EntityKeys) (*Cursor, error) {
	at = at.Normalize()
	if err := at.Validate(); err != nil {
		return nil, &Error{Cursor: name, Movement: StartPosition, Err: err}
	}
	c := &Cursor{name: name, scope: v.Scope(), view: v, history: &History{}, index: -1}
	dest, err := c.locate(ctx, at)
	if err != nil {
		return nil, &Error{Cursor: name, Movement: StartPosition, Err: err}
	}
	return c.advance(HistoryItem{
		Movement:   StartPosition,
		Parameters: map[string]string{"node": at.String()},
	}, nil, dest)
}

// Name returns the cursor name.
func (c *Cursor) Name() string { return c.name }

// Scope returns the graph branch the cursor walks.
func (c *Cursor) Scope() graph.Scope { return c.scope }

// Index returns the position of this snapshot in its history.
func (c *Cursor) Index() int { return c.index }

// Current returns the keys of the node under the cursor, and false at a
// dead end.
func (c *Cursor) Current() (keys.EntityKeys, bool) {
	if c.current == nil {
		return keys.EntityKeys{}, false
	}
	return c.current.Clone(), true
}

// IsDeadEnd reports whether the cursor has no position.
func (c *Cursor) IsDeadEnd() bool {
	return c.current == nil
}

// Last returns the movement that produced this snapshot.
func (c *Cursor) Last() HistoryItem {
	return c.history.At(c.index)
}

// History returns the movements up to and including this snapshot.
func (c *Cursor) History() []HistoryItem {
	return c.history.Items(c.index + 1)
}

// IsTip reports whether no movement was recorded after this snapshot.
func (c *Cursor) IsTip() bool {
	return c.history.Len() == c.index+1
}

// Bind returns a copy of the snapshot reading from v. The copy shares the
// history, so it is subject to the same single-advance rule.
func (c *Cursor) Bind(v *graph.View) *Cursor {
	cp := *c
	cp.view = v
	cp.scope = v.Scope()
	return &cp
}

// Jump moves the cursor to the node referenced by to. Jumping from the tip
// continues the history; jumping from an earlier snapshot forks it.
func (c *Cursor) Jump(ctx context.Context, to keys.EntityKeys) (*Cursor, error) {
	if c.view == nil {
		return nil, &Error{Cursor: c.name, Movement: Jump, Err: ErrUnbound}
	}
	to = to.Normalize()
	if err := to.Validate(); err != nil {
		return nil, &Error{Cursor: c.name, Movement: Jump, Err: err}
	}
	dest, err := c.locate(ctx, to)
	if err != nil {
		return nil, &Error{Cursor: c.name, Movement: Jump, Err: err}
	}
	item := HistoryItem{Movement: Jump, Parameters: map[string]string{"node": to.String()}}

	from := c
	if !c.IsTip() {
		from = &Cursor{name: c.name, scope: c.scope, view: c.view, current: c.current,
			history: c.history.fork(c.index + 1), index: c.index}
	}
	return from.advance(item, nil, dest)
}

// StepToNode moves along an edge touching the current node to the endpoint
// matching dest. An edge whose both endpoints match dest is ambiguous.
func (c *Cursor) StepToNode(ctx context.Context, dest keys.EntityKeys) (*Cursor, error) {
	if err := c.ready(StepToNode); err != nil {
		return nil, err
	}
	dest = dest.Normalize()
	if err := dest.Validate(); err != nil {
		return nil, &Error{Cursor: c.name, Movement: StepToNode, Err: err}
	}
	edges, err := c.view.EdgesOf(ctx, *c.current)
	if err != nil {
		return nil, &Error{Cursor: c.name, Movement: StepToNode, Err: err}
	}

	item := HistoryItem{Movement: StepToNode, Parameters: map[string]string{"node": dest.String()}}
	for _, e := range edges {
		fromMatch := keys.SameEntity(e.From, dest)
		toMatch := keys.SameEntity(e.To, dest)
		if fromMatch && toMatch {
			return nil, &Error{Cursor: c.name, Movement: StepToNode, Err: errAmbiguous(e.ID)}
		}
		var side keys.EntityKeys
		switch {
		case toMatch && keys.SameEntity(e.From, *c.current):
			side = e.To
		case fromMatch && keys.SameEntity(e.To, *c.current):
			side = e.From
		default:
			continue
		}
		target, err := c.locate(ctx, side)
		if err != nil {
			return nil, &Error{Cursor: c.name, Movement: StepToNode, Err: err}
		}
		via := e.Keys
		return c.advance(item, &via, target)
	}
	return c.advance(item, nil, nil)
}

// StepToFirstNodeOfType moves along the first edge, in creation order, whose
// opposite endpoint is a stored node with a type matching pattern.
func (c *Cursor) StepToFirstNodeOfType(ctx context.Context, pattern string) (*Cursor, error) {
	if err := c.ready(StepToFirstNodeOfType); err != nil {
		return nil, err
	}
	item := HistoryItem{Movement: StepToFirstNodeOfType, Parameters: map[string]string{"type": pattern}}
	via, dest, err := c.firstMatch(ctx, "", pattern)
	if err != nil {
		return nil, &Error{Cursor: c.name, Movement: StepToFirstNodeOfType, Err: err}
	}
	return c.advance(item, via, dest)
}

// StepViaFirstEdgeOfType moves along the first edge, in creation order,
// whose type matches pattern. A hanging edge leads to a dead end that still
// records the edge taken.
func (c *Cursor) StepViaFirstEdgeOfType(ctx context.Context, pattern string) (*Cursor, error) {
	return c.stepVia(ctx, pattern, "")
}

// Walk steps via an edge of edgeTypes[i] to a node of nodeTypes[i] for each
// i, stopping early at a dead end. The returned cursor is the last position
// reached.
func (c *Cursor) Walk(ctx context.Context, edgeTypes, nodeTypes []string) (*Cursor, error) {
	if len(edgeTypes) != len(nodeTypes) {
		return nil, &Error{Cursor: c.name, Movement: StepViaFirstEdgeOfType,
			Err: pathErr(len(edgeTypes), len(nodeTypes))}
	}
	cur := c
	for i := range edgeTypes {
		next, err := cur.stepVia(ctx, edgeTypes[i], nodeTypes[i])
		if err != nil {
			return cur, err
		}
		cur = next
		if cur.IsDeadEnd() {
			break
		}
	}
	return cur, nil
}

func (c *Cursor) stepVia(ctx context.Context, edgePattern, nodePattern string) (*Cursor, error) {
	if err := c.ready(StepViaFirstEdgeOfType); err != nil {
		return nil, err
	}
	params := map[string]string{"edgeType": edgePattern}
	if nodePattern != "" {
		params["nodeType"] = nodePattern
	}
	item := HistoryItem{Movement: StepViaFirstEdgeOfType, Parameters: params}
	via, dest, err := c.firstMatch(ctx, edgePattern, nodePattern)
	if err != nil {
		return nil, &Error{Cursor: c.name, Movement: StepViaFirstEdgeOfType, Err: err}
	}
	return c.advance(item, via, dest)
}

// firstMatch scans the edges of the current node in creation order for one
// whose type matches edgePattern and whose opposite node matches
// nodePattern. An empty nodePattern accepts a missing node.
func (c *Cursor) firstMatch(ctx context.Context, edgePattern, nodePattern string) (*keys.EntityKeys, *keys.EntityKeys, error) {
	edges, err := c.view.EdgesOf(ctx, *c.current)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range edges {
		ok, err := graph.MatchType(edgePattern, e.Keys.Type)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		other, ok := e.Other(*c.current)
		if !ok {
			continue
		}
		n, err := c.view.FindNode(ctx, other)
		if err != nil && !errors.Is(err, graph.ErrNotFound) {
			return nil, nil, err
		}
		via := e.Keys
		if nodePattern == "" {
			if n == nil {
				return &via, nil, nil
			}
			dest := n.Keys
			return &via, &dest, nil
		}
		if n == nil {
			continue
		}
		ok, err = graph.MatchType(nodePattern, n.Keys.Type)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			dest := n.Keys
			return &via, &dest, nil
		}
	}
	return nil, nil, nil
}

// ready rejects movements from snapshots that cannot advance.
func (c *Cursor) ready(m MovementType) error {
	switch {
	case c.view == nil:
		return &Error{Cursor: c.name, Movement: m, Err: ErrUnbound}
	case !c.IsTip():
		return &Error{Cursor: c.name, Movement: m, Err: ErrCursorReused}
	case c.current == nil:
		return &Error{Cursor: c.name, Movement: m, Err: ErrDeadEnd}
	}
	return nil
}

func (c *Cursor) locate(ctx context.Context, k keys.EntityKeys) (*keys.EntityKeys, error) {
	n, err := c.view.FindNode(ctx, k)
	if errors.Is(err, graph.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dest := n.Keys
	return &dest, nil
}

// advance records item and returns the next snapshot.
func (c *Cursor) advance(item HistoryItem, via, dest *keys.EntityKeys) (*Cursor, error) {
	item.Via = via
	item.Destination = dest
	item.DestinationType = DestinationNode
	if dest == nil {
		item.DestinationType = DeadEnd
	}
	idx, ok := c.history.appendAfter(c.index, item)
	if !ok {
		return nil, &Error{Cursor: c.name, Movement: item.Movement, Err: ErrCursorReused}
	}
	return &Cursor{
		name:    c.name,
		scope:   c.scope,
		view:    c.view,
		current: dest,
		history: c.history,
		index:   idx,
	}, nil
}
