package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/kv"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type downStore struct{ kv.Store }

func (downStore) Get(context.Context, string) (string, error) { return "", errors.New("connection refused") }
func (downStore) Incr(context.Context, string) (int64, error)  { return 0, errors.New("connection refused") }

func TestAllow_DeniesAfterCap(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := New(kv.NewMemoryWithClock(clock.Now), time.Minute, 100, zerolog.Nop())
	buyer := identity.Identity{Kind: identity.Buyer, ID: 1}
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		if !l.Allow(ctx, buyer, "send_message") {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if l.Allow(ctx, buyer, "send_message") {
		t.Fatalf("101st call should be denied")
	}

	// other scopes and identities are independent
	if !l.Allow(ctx, buyer, "typing") {
		t.Fatalf("typing scope should have its own counter")
	}
	if !l.Allow(ctx, identity.Identity{Kind: identity.Seller, ID: 1}, "send_message") {
		t.Fatalf("seller #1 should not share buyer #1's counter")
	}

	clock.Advance(61 * time.Second)
	if !l.Allow(ctx, buyer, "send_message") {
		t.Fatalf("expected a fresh window after expiry")
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	l := New(downStore{kv.NewMemory()}, time.Minute, 1, zerolog.Nop())
	buyer := identity.Identity{Kind: identity.Buyer, ID: 1}
	for i := 0; i < 5; i++ {
		if !l.Allow(context.Background(), buyer, "send_message") {
			t.Fatalf("store outage must not block call %d", i)
		}
	}
}
