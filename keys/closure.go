package keys

import (
	"context"
	"fmt"
)

// Lookup returns the keysets of all stored entities sharing the single alias
// carried by probe (one UID, or one type-scoped name).
type Lookup func(ctx context.Context, probe EntityKeys) ([]EntityKeys, error)

// Closure resolves the complete keyset for a partial one by following alias
// links through stored entities until no new alias appears. It runs as a
// worklist over visited sets, so alias chains of any length use bounded
// stack depth and every alias is probed at most once.
func Closure(ctx context.Context, lookup Lookup, partial EntityKeys) (EntityKeys, error) {
	result := partial.Normalize()
	if result.IsEmpty() {
		return result, fmt.Errorf("%w: empty keyset", ErrInvalidKeys)
	}

	seenUIDs := make(map[string]bool)
	seenNames := make(map[string]bool)
	var queue []EntityKeys

	enqueue := func(k EntityKeys) {
		for _, u := range k.UIDs {
			if !seenUIDs[u] {
				seenUIDs[u] = true
				queue = append(queue, EntityKeys{UIDs: []string{u}})
			}
		}
		for _, n := range k.Names {
			if !seenNames[n] {
				seenNames[n] = true
				queue = append(queue, EntityKeys{Type: result.Type, Names: []string{n}})
			}
		}
	}
	enqueue(result)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		probe := queue[0]
		queue = queue[1:]

		found, err := lookup(ctx, probe)
		if err != nil {
			return result, fmt.Errorf("resolving alias %s: %w", probe, err)
		}
		for _, k := range found {
			if !TypesCompatible(result.Type, k.Type) && !intersects(probe.UIDs, k.UIDs) {
				continue
			}
			result = Union(result, k)
			enqueue(k)
		}
	}

	return result, nil
}

// AllUIDs returns every UID known for the entity carrying uid.
func AllUIDs(ctx context.Context, lookup Lookup, uid string) ([]string, error) {
	k, err := Closure(ctx, lookup, UID(uid))
	if err != nil {
		return nil, err
	}
	return k.UIDs, nil
}

// AllNames returns every name known for the entity referenced by k.
func AllNames(ctx context.Context, lookup Lookup, k EntityKeys) ([]string, error) {
	full, err := Closure(ctx, lookup, k)
	if err != nil {
		return nil, err
	}
	return full.Names, nil
}
