// Package registry implements a concurrent store that indexes live entities
// by two independent keys at once.
//
// Every entry is reachable both by its internal ID and by its namespace ID.
// The two maps are mutated only together under one exclusive lock, so outside
// a critical section an entry is present in both or in neither, each key maps
// to at most one entry, and both keys of an entry resolve to the same object.
// Nothing is ever removed implicitly.
package registry

import "fmt"

// Registry is the dual-keyed store. The zero value is not usable; call New.
type Registry[I, N comparable, E Entry[I, N]] struct {
	name   string
	mu     rwMutex
	byID   map[I]E
	byNSID map[N]E
}

// New creates an unnamed registry; its errors are labelled "registry".
func New[I, N comparable, E Entry[I, N]]() *Registry[I, N, E] {
	return NewNamed[I, N, E]("")
}

// NewNamed creates a registry whose name appears in error messages.
func NewNamed[I, N comparable, E Entry[I, N]](name string) *Registry[I, N, E] {
	return &Registry[I, N, E]{
		name:   name,
		byID:   make(map[I]E),
		byNSID: make(map[N]E),
	}
}

func (r *Registry[I, N, E]) Name() string {
	return r.name
}

// RegisterIfAbsent returns the entry registered under nsid, creating it with
// factory when there is none.
//
// The lookup, the factory call and the publication of the result under both
// keys happen inside one exclusive window, so concurrent callers racing on the
// same nsid observe exactly one factory invocation and all receive the same
// entry. The factory may look up other entries of this registry through the
// token it is given. It must not block: every other operation on the registry
// waits for it.
//
// Nothing is published when the factory fails, returns a nil entry, returns an
// entry whose NSID is not nsid, or returns an entry whose ID is taken.
func (r *Registry[I, N, E]) RegisterIfAbsent(nsid N, factory Factory[I, N, E]) (E, error) {
	var zero E

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byNSID[nsid]; ok {
		return existing, nil
	}

	entry, err := r.build(factory)
	if err != nil {
		return zero, err
	}
	if entry == zero {
		return zero, ErrNilEntry
	}
	if got := entry.NSID(); got != nsid {
		return zero, fmt.Errorf("%w: %s wanted nsid=%v got nsid=%v", ErrNSIDMismatch, r.label(), nsid, got)
	}
	id := entry.ID()
	if _, ok := r.byID[id]; ok {
		return zero, fmt.Errorf("%w: %s id=%v", ErrExists, r.label(), id)
	}

	r.byID[id] = entry
	r.byNSID[nsid] = entry
	return entry, nil
}

// build runs factory with a token that is closed on every exit path,
// including a panic in the factory.
func (r *Registry[I, N, E]) build(factory Factory[I, N, E]) (E, error) {
	held := r.hold()
	defer held.release()
	return factory(held)
}

// Register inserts entry under both of its keys.
//
// Without replace it fails with ErrExists, leaving the registry untouched, when
// either key is occupied. With replace it overwrites whatever occupies the two
// keys. Replace does not check that both keys were held by one predecessor: if
// the entry displaced from the ID slot differs from the one displaced from the
// NSID slot, each of them keeps its other key and the index views disagree
// until someone repairs them. Use replace only when the caller knows the
// predecessor is a single entry.
func (r *Registry[I, N, E]) Register(entry E, replace bool) error {
	var zero E
	if entry == zero {
		return ErrNilEntry
	}
	id, nsid := entry.ID(), entry.NSID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if !replace {
		if _, ok := r.byID[id]; ok {
			return fmt.Errorf("%w: %s id=%v", ErrExists, r.label(), id)
		}
		if _, ok := r.byNSID[nsid]; ok {
			return fmt.Errorf("%w: %s nsid=%v", ErrExists, r.label(), nsid)
		}
	}

	r.byID[id] = entry
	r.byNSID[nsid] = entry
	return nil
}

// UnregisterByID removes the entry stored under id together with its NSID
// mapping. ErrInconsistent means the entry's NSID slot is missing or held by
// another entry, which points at a bug elsewhere; nothing is removed then.
func (r *Registry[I, N, E]) UnregisterByID(id I) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s id=%v", ErrNotFound, r.label(), id)
	}
	nsid := entry.NSID()
	if other, ok := r.byNSID[nsid]; !ok || other != entry {
		return fmt.Errorf("%w: %s id=%v not mirrored at nsid=%v", ErrInconsistent, r.label(), id, nsid)
	}

	delete(r.byID, id)
	delete(r.byNSID, nsid)
	return nil
}

// UnregisterByNSID is UnregisterByID keyed by namespace ID.
func (r *Registry[I, N, E]) UnregisterByNSID(nsid N) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byNSID[nsid]
	if !ok {
		return fmt.Errorf("%w: %s nsid=%v", ErrNotFound, r.label(), nsid)
	}
	id := entry.ID()
	if other, ok := r.byID[id]; !ok || other != entry {
		return fmt.Errorf("%w: %s nsid=%v not mirrored at id=%v", ErrInconsistent, r.label(), nsid, id)
	}

	delete(r.byID, id)
	delete(r.byNSID, nsid)
	return nil
}

// Unregister removes entry only if the objects stored under both of its keys
// are entry itself. A caller holding a stale entry therefore cannot remove a
// newer one that reuses the same IDs; that case reports ErrInconsistent and
// leaves the registry untouched. Prefer this over the keyed variants.
func (r *Registry[I, N, E]) Unregister(entry E) error {
	var zero E
	if entry == zero {
		return ErrNilEntry
	}
	id, nsid := entry.ID(), entry.NSID()

	r.mu.Lock()
	defer r.mu.Unlock()

	byID, okID := r.byID[id]
	byNSID, okNSID := r.byNSID[nsid]
	if !okID || !okNSID {
		return fmt.Errorf("%w: %s id=%v nsid=%v", ErrNotFound, r.label(), id, nsid)
	}
	if byID != entry || byNSID != entry {
		return fmt.Errorf("%w: %s id=%v nsid=%v is held by another entry", ErrInconsistent, r.label(), id, nsid)
	}

	delete(r.byID, id)
	delete(r.byNSID, nsid)
	return nil
}

func (r *Registry[I, N, E]) LookupByID(id I) (E, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byID[id]
	return entry, ok
}

func (r *Registry[I, N, E]) LookupByNSID(nsid N) (E, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byNSID[nsid]
	return entry, ok
}

// Len reports the number of live entries.
func (r *Registry[I, N, E]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Snapshot copies the live entries in no particular order.
func (r *Registry[I, N, E]) Snapshot() []E {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]E, 0, len(r.byID))
	for _, entry := range r.byID {
		out = append(out, entry)
	}
	return out
}

// Range calls fn for each live entry under the read lock until fn returns
// false. fn must not call back into mutating methods of r.
func (r *Registry[I, N, E]) Range(fn func(E) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.byID {
		if !fn(entry) {
			return
		}
	}
}

// Check verifies that both index views describe the same set of entries.
func (r *Registry[I, N, E]) Check() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.byID) != len(r.byNSID) {
		return fmt.Errorf("%w: %s has %d ids and %d nsids", ErrInconsistent, r.label(), len(r.byID), len(r.byNSID))
	}
	for id, entry := range r.byID {
		if entry.ID() != id {
			return fmt.Errorf("%w: %s id=%v stores entry with id=%v", ErrInconsistent, r.label(), id, entry.ID())
		}
		if other, ok := r.byNSID[entry.NSID()]; !ok || other != entry {
			return fmt.Errorf("%w: %s id=%v not mirrored at nsid=%v", ErrInconsistent, r.label(), id, entry.NSID())
		}
	}
	for nsid, entry := range r.byNSID {
		if entry.NSID() != nsid {
			return fmt.Errorf("%w: %s nsid=%v stores entry with nsid=%v", ErrInconsistent, r.label(), nsid, entry.NSID())
		}
	}
	return nil
}

func (r *Registry[I, N, E]) label() string {
	if r.name == "" {
		return "registry"
	}
	return r.name
}
