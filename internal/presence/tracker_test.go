package presence

import (
	"context"
	"testing"
	"time"

	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/kv"
)

func TestTracker_TTLAndRemove(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := kv.NewMemoryWithClock(func() time.Time { return now })
	tr := NewTracker(store, 5*time.Minute)
	ctx := context.Background()
	seller := identity.Identity{Kind: identity.Seller, ID: 8}

	if on, _ := tr.Online(ctx, identity.Seller, 8); on {
		t.Fatalf("expected offline before touch")
	}
	if err := tr.Touch(ctx, seller); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if on, _ := tr.Online(ctx, identity.Seller, 8); !on {
		t.Fatalf("expected online after touch")
	}

	now = now.Add(4 * time.Minute)
	_ = tr.Touch(ctx, seller) // heartbeat
	now = now.Add(4 * time.Minute)
	if on, _ := tr.Online(ctx, identity.Seller, 8); !on {
		t.Fatalf("heartbeat should have refreshed the ttl")
	}

	now = now.Add(2 * time.Minute)
	if on, _ := tr.Online(ctx, identity.Seller, 8); on {
		t.Fatalf("expected record to expire")
	}

	_ = tr.Touch(ctx, seller)
	_ = tr.Remove(ctx, seller)
	if on, _ := tr.Online(ctx, identity.Seller, 8); on {
		t.Fatalf("expected offline after remove")
	}
}
