package merge

import (
	"fmt"
	"reflect"

	"revgraph/graph"
	"revgraph/keys"
)

// Nodes merges incoming into existing under policy p and returns a new node.
// The result keeps the storage identity (ID, Seq) of existing.
func Nodes(p Policy, existing, incoming *graph.Node) (*graph.Node, error) {
	if existing == nil || incoming == nil {
		return nil, &Error{Kind: "node", Err: fmt.Errorf("%w: nil node", ErrModel)}
	}
	if err := checkKeys("node", existing.Keys, incoming.Keys); err != nil {
		return nil, err
	}
	p = p.OrDefault()
	if !p.Valid() {
		return nil, &Error{Kind: "node", Keys: incoming.Keys, Err: fmt.Errorf("%w: %q", ErrUnknownPolicy, p)}
	}

	return &graph.Node{
		ID:      existing.ID,
		Seq:     existing.Seq,
		Keys:    Keys(p, existing.Keys, incoming.Keys),
		Content: Content(p, existing.Content, incoming.Content),
	}, nil
}

// Edges merges incoming into existing under policy p. Endpoints follow the
// same replace-or-accumulate rule as keysets; an endpoint is only unioned
// when both sides refer to the same node, otherwise the winning side's
// endpoint is taken.
func Edges(p Policy, existing, incoming *graph.Edge) (*graph.Edge, error) {
	if existing == nil || incoming == nil {
		return nil, &Error{Kind: "edge", Err: fmt.Errorf("%w: nil edge", ErrModel)}
	}
	if err := checkKeys("edge", existing.Keys, incoming.Keys); err != nil {
		return nil, err
	}
	for _, ep := range []keys.EntityKeys{incoming.From, incoming.To} {
		if !ep.IsEmpty() {
			if err := ep.Validate(); err != nil {
				return nil, &Error{Kind: "edge", Keys: incoming.Keys, Err: fmt.Errorf("%w: endpoint: %v", ErrModel, err)}
			}
		}
	}
	p = p.OrDefault()
	if !p.Valid() {
		return nil, &Error{Kind: "edge", Keys: incoming.Keys, Err: fmt.Errorf("%w: %q", ErrUnknownPolicy, p)}
	}

	return &graph.Edge{
		ID:      existing.ID,
		Seq:     existing.Seq,
		Keys:    Keys(p, existing.Keys, incoming.Keys),
		From:    endpoint(p, existing.From, incoming.From),
		To:      endpoint(p, existing.To, incoming.To),
		Content: Content(p, existing.Content, incoming.Content),
	}, nil
}

// Keys reconciles two keysets. Every policy except PolicyNone unions them.
func Keys(p Policy, existing, incoming keys.EntityKeys) keys.EntityKeys {
	if !p.Accumulates() {
		return incoming.Normalize()
	}
	if p.OrDefault() == PolicyUnion {
		return keys.Union(existing, incoming)
	}
	// Incoming type wins for replace and merge.
	return keys.Union(incoming, existing)
}

func endpoint(p Policy, existing, incoming keys.EntityKeys) keys.EntityKeys {
	switch {
	case incoming.IsEmpty():
		return existing
	case existing.IsEmpty():
		return incoming.Normalize()
	}
	switch p.OrDefault() {
	case PolicyNone, PolicyReplace:
		return incoming.Normalize()
	case PolicyUnion:
		if keys.SameEntity(existing, incoming) {
			return keys.Union(existing, incoming)
		}
		return existing
	default:
		if keys.SameEntity(existing, incoming) {
			return keys.Union(incoming, existing)
		}
		return incoming.Normalize()
	}
}

// Content reconciles two content payloads. The inputs are not modified.
func Content(p Policy, existing, incoming map[string]interface{}) map[string]interface{} {
	switch p.OrDefault() {
	case PolicyNone:
		return cloneMap(incoming)
	case PolicyReplace:
		if incoming == nil {
			return cloneMap(existing)
		}
		return cloneMap(incoming)
	case PolicyUnion:
		return unionMaps(existing, incoming)
	default:
		if existing == nil && incoming == nil {
			return nil
		}
		out := cloneMap(existing)
		if out == nil {
			out = make(map[string]interface{}, len(incoming))
		}
		for k, v := range incoming {
			out[k] = cloneValue(v)
		}
		return out
	}
}

func checkKeys(kind string, existing, incoming keys.EntityKeys) error {
	if err := existing.Validate(); err != nil {
		return &Error{Kind: kind, Keys: existing, Err: fmt.Errorf("%w: stored keys: %v", ErrModel, err)}
	}
	if err := incoming.Validate(); err != nil {
		return &Error{Kind: kind, Keys: incoming, Err: fmt.Errorf("%w: incoming keys: %v", ErrModel, err)}
	}
	return nil
}

// unionMaps keeps every stored value, fills fields the stored side lacks,
// recurses into nested objects and unions lists.
func unionMaps(existing, incoming map[string]interface{}) map[string]interface{} {
	if existing == nil && incoming == nil {
		return nil
	}
	out := cloneMap(existing)
	if out == nil {
		out = make(map[string]interface{}, len(incoming))
	}
	for k, iv := range incoming {
		ev, ok := out[k]
		if !ok {
			out[k] = cloneValue(iv)
			continue
		}
		switch e := ev.(type) {
		case map[string]interface{}:
			if im, ok := iv.(map[string]interface{}); ok {
				out[k] = unionMaps(e, im)
			}
		case []interface{}:
			if il, ok := iv.([]interface{}); ok {
				out[k] = unionLists(e, il)
			}
		}
	}
	return out
}

// unionLists appends incoming elements not already present, preserving order.
func unionLists(existing, incoming []interface{}) []interface{} {
	out := make([]interface{}, 0, len(existing)+len(incoming))
	for _, v := range existing {
		out = append(out, cloneValue(v))
	}
	for _, v := range incoming {
		found := false
		for _, o := range out {
			if reflect.DeepEqual(o, v) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, cloneValue(v))
		}
	}
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
