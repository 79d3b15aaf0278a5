package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/kv"
)

// Tracker owns the TTL-bounded presence records.
type Tracker struct {
	store kv.Store
	ttl   time.Duration
}

func NewTracker(store kv.Store, ttl time.Duration) *Tracker {
	return &Tracker{store: store, ttl: ttl}
}

func Key(kind identity.Kind, id uint64) string {
	return fmt.Sprintf("presence:%s:%d", kind, id)
}

// Touch writes or refreshes the record.
func (t *Tracker) Touch(ctx context.Context, ident identity.Identity) error {
	return t.store.Set(ctx, Key(ident.Kind, ident.ID), "1", t.ttl)
}

func (t *Tracker) Remove(ctx context.Context, ident identity.Identity) error {
	return t.store.Del(ctx, Key(ident.Kind, ident.ID))
}

func (t *Tracker) Online(ctx context.Context, kind identity.Kind, id uint64) (bool, error) {
	return t.store.Exists(ctx, Key(kind, id))
}
