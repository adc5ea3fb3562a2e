// Package keys implements the entity identity model.
//
// An entity (node or edge) is referenced by an EntityKeys value: an optional
// type name plus a set of UIDs and a set of well-known names. The same entity
// may be known under several aliases, and independently submitted operations
// may reference only part of its keyset. Two notions of sameness are kept
// apart on purpose:
//
//   - Equal is strict structural equality, suitable for containers and tests.
//   - SameEntity is the fuzzy "refers to the same entity" relation used by the
//     merge engine, the log player and the graph cursor.
package keys

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidKeys is returned when a keyset cannot identify an entity.
var ErrInvalidKeys = errors.New("invalid entity keys")

// EntityKeys identifies a node or edge. UIDs and Names are kept sorted and
// free of duplicates; use Normalize after building one by hand.
type EntityKeys struct {
	Type  string   `json:"type,omitempty" msgpack:"type,omitempty"`
	UIDs  []string `json:"uids,omitempty" msgpack:"uids,omitempty"`
	Names []string `json:"names,omitempty" msgpack:"names,omitempty"`
}

// New builds a normalized keyset.
func New(typ string, uids, names []string) EntityKeys {
	return EntityKeys{Type: typ, UIDs: uids, Names: names}.Normalize()
}

// UID returns a keyset holding only the given UIDs.
func UID(uids ...string) EntityKeys {
	return New("", uids, nil)
}

// Named returns a keyset of the given type holding the given names.
func Named(typ string, names ...string) EntityKeys {
	return New(typ, nil, names)
}

// Normalize returns a copy with sorted, de-duplicated, non-empty sets.
func (k EntityKeys) Normalize() EntityKeys {
	return EntityKeys{
		Type:  strings.TrimSpace(k.Type),
		UIDs:  normalizeSet(k.UIDs),
		Names: normalizeSet(k.Names),
	}
}

// Clone returns a deep copy.
func (k EntityKeys) Clone() EntityKeys {
	return EntityKeys{
		Type:  k.Type,
		UIDs:  append([]string(nil), k.UIDs...),
		Names: append([]string(nil), k.Names...),
	}
}

// IsEmpty reports whether the keyset carries no aliases at all.
func (k EntityKeys) IsEmpty() bool {
	return len(k.UIDs) == 0 && len(k.Names) == 0
}

// Validate checks that the keyset can identify an entity: at least one UID,
// or a type together with at least one name.
func (k EntityKeys) Validate() error {
	if len(k.UIDs) > 0 {
		return nil
	}
	if len(k.Names) == 0 {
		return fmt.Errorf("%w: no uids and no names", ErrInvalidKeys)
	}
	if k.Type == "" {
		return fmt.Errorf("%w: names %v without a type", ErrInvalidKeys, k.Names)
	}
	return nil
}

// HasUID reports whether uid is one of the keyset's UIDs.
func (k EntityKeys) HasUID(uid string) bool {
	return contains(k.UIDs, uid)
}

// HasName reports whether name is one of the keyset's names.
func (k EntityKeys) HasName(name string) bool {
	return contains(k.Names, name)
}

// AddUID adds uid to the set.
func (k *EntityKeys) AddUID(uid string) {
	k.UIDs = insert(k.UIDs, uid)
}

// AddName adds name to the set.
func (k *EntityKeys) AddName(name string) {
	k.Names = insert(k.Names, name)
}

// Equal reports strict structural equality of two normalized keysets.
func (k EntityKeys) Equal(o EntityKeys) bool {
	return k.Type == o.Type && equalSets(k.UIDs, o.UIDs) && equalSets(k.Names, o.Names)
}

// String renders the keyset for logs and error messages.
func (k EntityKeys) String() string {
	var b strings.Builder
	b.WriteByte('{')
	if k.Type != "" {
		b.WriteString("type=")
		b.WriteString(k.Type)
	}
	if len(k.UIDs) > 0 {
		if b.Len() > 1 {
			b.WriteByte(' ')
		}
		b.WriteString("uids=")
		b.WriteString(strings.Join(k.UIDs, ","))
	}
	if len(k.Names) > 0 {
		if b.Len() > 1 {
			b.WriteByte(' ')
		}
		b.WriteString("names=")
		b.WriteString(strings.Join(k.Names, ","))
	}
	b.WriteByte('}')
	return b.String()
}

// SameEntity reports whether two keysets refer to the same entity: they share
// a UID, or they share a name and their types are compatible. An untyped
// keyset is compatible with every type.
func SameEntity(a, b EntityKeys) bool {
	if intersects(a.UIDs, b.UIDs) {
		return true
	}
	return TypesCompatible(a.Type, b.Type) && intersects(a.Names, b.Names)
}

// TypesCompatible reports whether two type names may describe the same entity.
func TypesCompatible(a, b string) bool {
	return a == "" || b == "" || a == b
}

// Union accumulates both keysets. The type of a is kept when set.
func Union(a, b EntityKeys) EntityKeys {
	typ := a.Type
	if typ == "" {
		typ = b.Type
	}
	uids := make([]string, 0, len(a.UIDs)+len(b.UIDs))
	uids = append(append(uids, a.UIDs...), b.UIDs...)
	names := make([]string, 0, len(a.Names)+len(b.Names))
	names = append(append(names, a.Names...), b.Names...)
	return New(typ, uids, names)
}

// Aliases splits a keyset into single-alias probes, one per UID and one per
// name. Names carry the keyset's type.
func (k EntityKeys) Aliases() []EntityKeys {
	out := make([]EntityKeys, 0, len(k.UIDs)+len(k.Names))
	for _, u := range k.UIDs {
		out = append(out, EntityKeys{UIDs: []string{u}})
	}
	for _, n := range k.Names {
		out = append(out, EntityKeys{Type: k.Type, Names: []string{n}})
	}
	return out
}

func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	j := 0
	for i := range out {
		if i == 0 || out[i] != out[j-1] {
			out[j] = out[i]
			j++
		}
	}
	if j == 0 {
		return nil
	}
	return out[:j]
}

func contains(set []string, s string) bool {
	i := sort.SearchStrings(set, s)
	return i < len(set) && set[i] == s
}

func insert(set []string, s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return set
	}
	i := sort.SearchStrings(set, s)
	if i < len(set) && set[i] == s {
		return set
	}
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = s
	return set
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// intersects does not rely on ordering, so hand-built keysets compare correctly.
func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
