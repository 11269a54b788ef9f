package vm

import (
	"sync"
	"time"

	"github.com/google/btree"

	"vmservice/internal/portmap"
)

// Entry is one isolate known to the service isolate.
type Entry struct {
	Port  portmap.Port
	Name  string
	Since time.Time
}

// Registry is the service isolate's ordered table of running isolates, fed
// by isolate startup and shutdown messages.
type Registry struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[Entry]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tree: btree.NewG(8, func(a, b Entry) bool { return a.Port < b.Port })}
}

// Add records e, replacing any entry with the same port. It reports whether
// the port was new.
func (r *Registry) Add(e Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.tree.ReplaceOrInsert(e)
	return !replaced
}

// Remove deletes the entry for port.
func (r *Registry) Remove(port portmap.Port) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Delete(Entry{Port: port})
}

// Get returns the entry for port.
func (r *Registry) Get(port portmap.Port) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Get(Entry{Port: port})
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree.Len()
}

// List returns all entries ordered by port.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, r.tree.Len())
	r.tree.Ascend(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Clear removes every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.Clear(false)
}
