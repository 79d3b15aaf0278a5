package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/marketplace-chat/internal/metrics"
)

// Broadcaster publishes events with bounded linear-backoff retry. It never
// returns an error to the caller: exhausted retries are logged and dropped.
type Broadcaster struct {
	bus       Bus
	baseDelay time.Duration
	logger    zerolog.Logger
	sleep     func(context.Context, time.Duration)
}

func NewBroadcaster(bus Bus, baseDelay time.Duration, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{bus: bus, baseDelay: baseDelay, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Send marshals v and publishes it to stream, retrying up to maxRetries
// times with a delay of retry*baseDelay. Reports whether the publish landed.
func (b *Broadcaster) Send(ctx context.Context, stream string, v any, maxRetries int) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error().Err(err).Str("stream", stream).Msg("broadcast marshal failed")
		metrics.Broadcasts.WithLabelValues("dropped").Inc()
		return false
	}

	for attempt := 0; ; attempt++ {
		err = b.bus.Publish(ctx, stream, payload)
		if err == nil {
			if attempt > 0 {
				metrics.Broadcasts.WithLabelValues("retried").Inc()
			} else {
				metrics.Broadcasts.WithLabelValues("ok").Inc()
			}
			return true
		}
		if attempt >= maxRetries || ctx.Err() != nil {
			break
		}
		retry := attempt + 1
		b.logger.Warn().Err(err).
			Str("stream", stream).
			Int("retry", retry).
			Int("max_retries", maxRetries).
			Msg("broadcast retry")
		b.sleep(ctx, time.Duration(retry)*b.baseDelay)
	}

	b.logger.Error().Err(err).
		Str("stream", stream).
		Int("max_retries", maxRetries).
		Msg("broadcast dropped after retries")
	metrics.Broadcasts.WithLabelValues("dropped").Inc()
	return false
}
