package registry

import "errors"

var (
	ErrNotFound     = errors.New("registry: entry not found")
	ErrExists       = errors.New("registry: entry already exists")
	ErrInconsistent = errors.New("registry: index views disagree")
	ErrNilEntry     = errors.New("registry: nil entry")
	ErrNSIDMismatch = errors.New("registry: factory produced entry for a different nsid")
	ErrTokenExpired = errors.New("registry: lock token used outside its exclusive window")
	ErrForeignToken = errors.New("registry: lock token belongs to another registry")
)

// Entry is what a type must provide to be tracked by a Registry.
//
// ID is the server-internal identifier and NSID the identifier the guest
// namespace uses for the same entity. Each must be unique among live entries
// of one registry, and both accessors must be side-effect free and stable for
// as long as the entry is registered.
//
// Entries are compared with ==, so E is normally a pointer type: two distinct
// objects that happen to carry the same IDs are different entries.
type Entry[I, N comparable] interface {
	comparable
	ID() I
	NSID() N
}

// Factory builds a new entry inside RegisterIfAbsent. It runs while the
// registry is exclusively locked and may only read the registry through held.
type Factory[I, N comparable, E Entry[I, N]] func(held *Locked[I, N, E]) (E, error)
