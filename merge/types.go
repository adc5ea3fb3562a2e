// Package merge reconciles a stored node or edge with an incoming
// modification under a merge policy.
//
// Merging is pure computation: no storage access, no clock. The functions
// here never fail because an edge endpoint resolves to no stored node.
package merge

import (
	"errors"
	"fmt"
	"strings"

	"revgraph/keys"
)

// Policy selects how an incoming modification is reconciled with the stored
// entity it refers to.
type Policy string

const (
	// PolicyNone stores the incoming entity as is, discarding the stored one.
	PolicyNone Policy = "none"
	// PolicyReplace unions keysets; incoming content and endpoints overwrite.
	PolicyReplace Policy = "replace"
	// PolicyMerge unions keysets and shallow-merges content with incoming
	// values winning per top-level field.
	PolicyMerge Policy = "merge"
	// PolicyUnion unions keysets and accumulates content: stored values win,
	// incoming values only fill absent fields, and lists are unioned.
	PolicyUnion Policy = "union"
)

// DefaultPolicy applies when an operation names no policy.
const DefaultPolicy = PolicyMerge

var (
	// ErrModel reports structurally invalid merge input.
	ErrModel = errors.New("invalid graph model")
	// ErrUnknownPolicy reports a policy name that is not recognized.
	ErrUnknownPolicy = errors.New("unknown merge policy")
)

// ParsePolicy parses a policy name. The empty string yields DefaultPolicy.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return DefaultPolicy, nil
	}
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
	return p, nil
}

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyNone, PolicyReplace, PolicyMerge, PolicyUnion:
		return true
	}
	return false
}

// OrDefault returns p, or DefaultPolicy when p is empty.
func (p Policy) OrDefault() Policy {
	if p == "" {
		return DefaultPolicy
	}
	return p
}

// Accumulates reports whether the policy unions keysets.
func (p Policy) Accumulates() bool {
	return p.OrDefault() != PolicyNone
}

// Error describes a failed merge.
type Error struct {
	Kind string // "node" or "edge"
	Keys keys.EntityKeys
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("merging %s %s: %v", e.Kind, e.Keys, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
