// Package index provides the in-memory mirror of the remote asset collection.
package index

import (
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/wolfeidau/asset-cache/remote"
)

// Entry is one indexed asset.
type Entry struct {
	Name string
	ID   string
}

// Index maps asset names to remote ids in the order they were learned.
//
// The ordering lives in a simplelru list that is only ever read with Peek and
// sized so it never evicts on its own; removal is always explicit.
// Index is safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	entries *simplelru.LRU[string, string]
}

// New creates an empty index.
func New() *Index {
	// NewLRU only fails for a non-positive size.
	entries, _ := simplelru.NewLRU[string, string](math.MaxInt32, nil)
	return &Index{entries: entries}
}

// Load inserts assets in order, as returned by a remote listing.
// When a name appears more than once the last occurrence wins and the
// displaced entries are returned so callers can report them.
func (idx *Index) Load(assets []remote.Asset) (displaced []Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, a := range assets {
		if prev, ok := idx.entries.Peek(a.Name); ok {
			displaced = append(displaced, Entry{Name: a.Name, ID: prev})
		}
		idx.entries.Add(a.Name, a.ID)
	}
	return displaced
}

// Get returns the remote id stored under name.
func (idx *Index) Get(name string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.entries.Peek(name)
}

// Put records name → id as the newest entry. Re-putting an existing name
// replaces its id and moves it to the newest position.
func (idx *Index) Put(name, id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries.Add(name, id)
}

// Remove deletes name, reporting whether it was present.
func (idx *Index) Remove(name string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.entries.Remove(name)
}

// Len returns the number of entries.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.entries.Len()
}

// Entries returns a snapshot of all entries, oldest first.
func (idx *Index) Entries() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	keys := idx.entries.Keys()
	out := make([]Entry, 0, len(keys))
	for _, name := range keys {
		id, _ := idx.entries.Peek(name)
		out = append(out, Entry{Name: name, ID: id})
	}
	return out
}
