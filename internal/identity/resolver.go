package identity

import (
	"context"
	"fmt"
	"sync"
)

// Lookup finds one account kind by id; nil, nil means not found.
type Lookup struct {
	Kind Kind
	Find func(ctx context.Context, id uint64) (*Identity, error)
}

// Resolver maps (kind, id) pairs or bare ids to identities. Lookups are tried
// in registration order when the kind is unknown.
type Resolver struct {
	mu      sync.RWMutex
	order   []Kind
	lookups map[Kind]Lookup
}

func NewResolver(lookups ...Lookup) *Resolver {
	r := &Resolver{lookups: make(map[Kind]Lookup)}
	for _, l := range lookups {
		r.Register(l)
	}
	return r
}

func (r *Resolver) Register(l Lookup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lookups[l.Kind]; !ok {
		r.order = append(r.order, l.Kind)
	}
	r.lookups[l.Kind] = l
}

// Resolve looks up a single kind.
func (r *Resolver) Resolve(ctx context.Context, kind Kind, id uint64) (*Identity, error) {
	r.mu.RLock()
	l, ok := r.lookups[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown account kind: %s", kind)
	}
	return l.Find(ctx, id)
}

// ResolveAny tries every registered kind in order and returns the first match.
// A lookup error aborts the scan.
func (r *Resolver) ResolveAny(ctx context.Context, id uint64) (*Identity, error) {
	r.mu.RLock()
	order := append([]Kind(nil), r.order...)
	r.mu.RUnlock()

	for _, k := range order {
		ident, err := r.Resolve(ctx, k, id)
		if err != nil {
			return nil, err
		}
		if ident != nil {
			return ident, nil
		}
	}
	return nil, nil
}
