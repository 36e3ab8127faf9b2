// Package evict selects index entries to remove when the remote collection is full.
//
// The policy is oldest-first by insertion order. Protected names are never
// selected, no matter how full the collection is.
package evict

import (
	"github.com/wolfeidau/asset-cache/store/index"
)

const (
	// DefaultCapacity is the index size at which an insert triggers eviction.
	DefaultCapacity = 300

	// DefaultBatchSize is how many entries one eviction run removes.
	DefaultBatchSize = 5
)

// Set is a set of protected asset names.
type Set map[string]struct{}

// NewSet creates a Set containing names.
func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Contains reports whether name is in the set.
func (s Set) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// NeedsEviction reports whether inserting one more entry into an index of
// size n requires an eviction run first.
func NeedsEviction(n, capacity int) bool {
	return n >= capacity
}

// Select returns up to batch entries to evict, walking entries oldest first
// and skipping protected names. Fewer than batch entries are returned when
// not enough unprotected entries exist.
func Select(entries []index.Entry, protected Set, batch int) []index.Entry {
	if batch <= 0 {
		return nil
	}

	var victims []index.Entry
	for _, e := range entries {
		if protected.Contains(e.Name) {
			continue
		}
		victims = append(victims, e)
		if len(victims) == batch {
			break
		}
	}
	return victims
}
