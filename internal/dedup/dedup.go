// Package dedup removes repeated records by a composite key while keeping
// first-seen order.
package dedup

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/proxy-inventory/internal/types"
)

// Deduplicate drops nil items, then drops every item whose key tuple over
// keyFields was already seen. Missing fields count as empty strings.
func Deduplicate(items []*types.Candidate, keyFields []string) []*types.Candidate {
	return By(items, func(c *types.Candidate) string {
		return c.Key(keyFields)
	})
}

// By is the generic form of Deduplicate. Nil pointers are dropped before
// key is called.
func By[T any](items []*T, key func(*T) string) []*T {
	seen := mapset.NewThreadUnsafeSetWithSize[string](len(items))
	unique := make([]*T, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}
		if !seen.Add(key(item)) {
			continue
		}
		unique = append(unique, item)
	}

	return unique
}
