package registry

import (
	"fmt"
	"sync/atomic"
)

// Locked proves that its holder is inside an exclusive window of one specific
// Registry: a RegisterIfAbsent factory or a WithLock body. Lookups through it
// skip locking, which is what lets a factory resolve related entries of the
// registry it is being created in without deadlocking.
//
// A token is bound to the registry that issued it and dies when the window
// closes. Using it against another registry, or after the window closed,
// panics; a token is never a license to read a registry whose lock the holder
// does not own.
type Locked[I, N comparable, E Entry[I, N]] struct {
	reg  *Registry[I, N, E]
	open atomic.Bool
}

func (r *Registry[I, N, E]) hold() *Locked[I, N, E] {
	held := &Locked[I, N, E]{reg: r}
	held.open.Store(true)
	return held
}

func (l *Locked[I, N, E]) release() {
	l.open.Store(false)
}

// Valid reports whether the exclusive window the token was issued for is
// still open.
func (l *Locked[I, N, E]) Valid() bool {
	return l != nil && l.open.Load()
}

func (l *Locked[I, N, E]) LookupByID(id I) (E, bool) {
	if l == nil {
		panic(ErrForeignToken)
	}
	return l.reg.LookupByIDHeld(l, id)
}

func (l *Locked[I, N, E]) LookupByNSID(nsid N) (E, bool) {
	if l == nil {
		panic(ErrForeignToken)
	}
	return l.reg.LookupByNSIDHeld(l, nsid)
}

// LookupByIDHeld reads the ID index without locking. held must have been
// issued by r and still be open.
func (r *Registry[I, N, E]) LookupByIDHeld(held *Locked[I, N, E], id I) (E, bool) {
	r.verify(held)
	entry, ok := r.byID[id]
	return entry, ok
}

// LookupByNSIDHeld is LookupByIDHeld for the NSID index.
func (r *Registry[I, N, E]) LookupByNSIDHeld(held *Locked[I, N, E], nsid N) (E, bool) {
	r.verify(held)
	entry, ok := r.byNSID[nsid]
	return entry, ok
}

func (r *Registry[I, N, E]) verify(held *Locked[I, N, E]) {
	if held == nil || held.reg != r {
		panic(fmt.Errorf("%w: %s", ErrForeignToken, r.label()))
	}
	if !held.open.Load() {
		panic(fmt.Errorf("%w: %s", ErrTokenExpired, r.label()))
	}
}

// WithLock runs fn with the registry exclusively locked and releases the lock
// on every exit path, panics included. No entry can be added or removed while
// fn runs. fn reads the registry through held; calling any other method of r
// from fn deadlocks.
//
// This is rarely what you want. It exists for callers that must keep an entry
// from being removed while they act on it by means other than a held entry.
func (r *Registry[I, N, E]) WithLock(fn func(held *Locked[I, N, E]) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	held := r.hold()
	defer held.release()
	return fn(held)
}

// Lock acquires the registry exclusively without a scope guard.
//
// Unsafe: every Lock must be matched by exactly one Unlock on every path, or
// the registry deadlocks (missing Unlock) or panics (double Unlock). The
// holder must not call any other method of r until Unlock. Use WithLock
// unless the critical section genuinely cannot be expressed as one function.
func (r *Registry[I, N, E]) Lock() {
	r.mu.Lock()
}

// Unlock releases a Lock. See Lock.
func (r *Registry[I, N, E]) Unlock() {
	r.mu.Unlock()
}
