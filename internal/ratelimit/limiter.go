package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/kv"
	"github.com/suPer8Hu/marketplace-chat/internal/metrics"
)

const ExceededMessage = "Rate limit exceeded. Please slow down."

// Limiter is a fixed-window counter per (identity, scope). Store errors fail open.
type Limiter struct {
	store  kv.Store
	window time.Duration
	max    int
	logger zerolog.Logger
}

func New(store kv.Store, window time.Duration, max int, logger zerolog.Logger) *Limiter {
	return &Limiter{store: store, window: window, max: max, logger: logger}
}

func Key(ident identity.Identity, scope string) string {
	return fmt.Sprintf("rate_limit:%s:%s", ident.Key(), scope)
}

// Allow reports whether ident may perform one more event in scope.
func (l *Limiter) Allow(ctx context.Context, ident identity.Identity, scope string) bool {
	key := Key(ident, scope)

	current := 0
	raw, err := l.store.Get(ctx, key)
	switch {
	case err == nil:
		current, _ = strconv.Atoi(raw)
	case errors.Is(err, kv.ErrNil):
	default:
		l.failOpen(err, ident, scope)
		return true
	}

	if current >= l.max {
		metrics.RateLimitHits.WithLabelValues(scope).Inc()
		l.logger.Warn().
			Str("type", "security").
			Str("event", "rate_limit_exceeded").
			Str("identity", ident.String()).
			Str("scope", scope).
			Int("count", current).
			Msg("rate limit exceeded")
		return false
	}

	n, err := l.store.Incr(ctx, key)
	if err != nil {
		l.failOpen(err, ident, scope)
		return true
	}
	if n == 1 {
		if err := l.store.Expire(ctx, key, l.window); err != nil {
			l.failOpen(err, ident, scope)
		}
		return true
	}
	// repair a counter that lost its TTL
	if ttl, err := l.store.TTL(ctx, key); err == nil && ttl == -1 {
		_ = l.store.Expire(ctx, key, l.window)
	}
	return true
}

func (l *Limiter) failOpen(err error, ident identity.Identity, scope string) {
	l.logger.Error().Err(err).
		Str("identity", ident.String()).
		Str("scope", scope).
		Msg("rate limit store error, allowing")
}
