package btree

import (
	"sync"
	"sync/atomic"
)

// sharedMutex serialises access to a BtShared. The handle that holds it may
// enter again; depth counts the nesting.
type sharedMutex struct {
	mu     sync.Mutex
	holder atomic.Pointer[Btree]
	depth  int
}

func (m *sharedMutex) enter(b *Btree) {
	if m.holder.Load() == b {
		m.depth++
		return
	}
	m.mu.Lock()
	m.holder.Store(b)
	m.depth = 1
}

func (m *sharedMutex) leave(b *Btree) {
	if m.holder.Load() != b || m.depth == 0 {
		panic("btree: leave without matching enter")
	}
	m.depth--
	if m.depth == 0 {
		m.holder.Store(nil)
		m.mu.Unlock()
	}
}

// held reports whether b holds the mutex.
func (m *sharedMutex) held(b *Btree) bool {
	return m.holder.Load() == b
}

// Registry tracks the BtShared objects open in shared-cache mode, keyed by
// absolute file name. Handles opened with the same registry and
// SharedCache set share one page cache.
type Registry struct {
	mu     sync.Mutex
	shared map[string]*BtShared
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{shared: make(map[string]*BtShared)}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry used when Options
// names none.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Len returns the number of shared databases open.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shared)
}

// acquire returns the BtShared registered for path with one more
// reference, or nil.
func (r *Registry) acquire(path string) *BtShared {
	r.mu.Lock()
	defer r.mu.Unlock()
	bt := r.shared[path]
	if bt != nil {
		bt.nRef++
	}
	return bt
}

// add registers bt unless another BtShared for the same file won the race,
// in which case that one is returned with a new reference.
func (r *Registry) add(path string, bt *BtShared) *BtShared {
	r.mu.Lock()
	defer r.mu.Unlock()
	if other := r.shared[path]; other != nil {
		other.nRef++
		return other
	}
	r.shared[path] = bt
	return bt
}

// release drops a reference and reports whether it was the last one, in
// which case bt has been removed.
func (r *Registry) release(bt *BtShared) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	bt.nRef--
	if bt.nRef > 0 {
		return false
	}
	if r.shared[bt.filename] == bt {
		delete(r.shared, bt.filename)
	}
	return true
}
