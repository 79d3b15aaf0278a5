package kv

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemory_TTLExpiry(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemoryWithClock(clk.Now)
	ctx := context.Background()

	if err := m.Set(ctx, "presence:buyer:1", "1", 5*time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	clk.Advance(4 * time.Minute)
	if ok, _ := m.Exists(ctx, "presence:buyer:1"); !ok {
		t.Fatalf("expected key alive before ttl")
	}
	clk.Advance(time.Minute)
	if ok, _ := m.Exists(ctx, "presence:buyer:1"); ok {
		t.Fatalf("expected key expired at ttl")
	}
	if _, err := m.Get(ctx, "presence:buyer:1"); !errors.Is(err, ErrNil) {
		t.Fatalf("expected ErrNil, got %v", err)
	}
}

func TestMemory_IncrAndExpire(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemoryWithClock(clk.Now)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := m.Incr(ctx, "c")
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != int64(i) {
			t.Fatalf("expected %d, got %d", i, n)
		}
	}
	if ttl, _ := m.TTL(ctx, "c"); ttl != -1 {
		t.Fatalf("expected no expiry, got %s", ttl)
	}
	_ = m.Expire(ctx, "c", time.Minute)
	if ttl, _ := m.TTL(ctx, "c"); ttl != time.Minute {
		t.Fatalf("expected 1m ttl, got %s", ttl)
	}
	clk.Advance(time.Minute)
	n, _ := m.Incr(ctx, "c")
	if n != 1 {
		t.Fatalf("expected counter restart after expiry, got %d", n)
	}
	if ttl, _ := m.TTL(ctx, "missing"); ttl != -2 {
		t.Fatalf("expected -2 for missing key, got %s", ttl)
	}
}

func TestMemory_SetNX(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "k", "first", time.Hour)
	if err != nil || !ok {
		t.Fatalf("expected first SetNX to write, ok=%v err=%v", ok, err)
	}
	ok, _ = m.SetNX(ctx, "k", "second", time.Hour)
	if ok {
		t.Fatalf("expected second SetNX to be refused")
	}
	v, _ := m.Get(ctx, "k")
	if v != "first" {
		t.Fatalf("expected original value, got %q", v)
	}
}
