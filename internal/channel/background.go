package channel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const backgroundTimeout = 10 * time.Second

// background runs channel side effects (presence fan-out, receipts) off the
// socket read loop. Tasks sharing a key run one after another in submission
// order, so an identity's offline announcement never overtakes its online one.
type background struct {
	logger zerolog.Logger

	mu    sync.Mutex
	tails map[string]chan struct{}
	wg    sync.WaitGroup
}

func newBackground(logger zerolog.Logger) *background {
	return &background{logger: logger, tails: make(map[string]chan struct{})}
}

// run detaches fn from ctx cancellation; fn gets its own timeout.
func (b *background) run(ctx context.Context, key, task string, fn func(context.Context)) {
	done := make(chan struct{})
	b.mu.Lock()
	prev := b.tails[key]
	b.tails[key] = done
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			close(done)
			b.mu.Lock()
			if b.tails[key] == done {
				delete(b.tails, key)
			}
			b.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error().Interface("panic", r).Str("task", task).Str("key", key).Msg("background task panicked")
			}
		}()

		if prev != nil {
			<-prev
		}
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
		defer cancel()
		fn(tctx)
	}()
}

// wait blocks until every task submitted so far has finished.
func (b *background) wait() { b.wg.Wait() }
