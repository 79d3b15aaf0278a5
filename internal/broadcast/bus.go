package broadcast

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("broadcast: bus closed")

// Bus publishes raw payloads to named streams and fans them out to subscribers.
type Bus interface {
	Publish(ctx context.Context, stream string, payload []byte) error
	Subscribe(ctx context.Context, stream string) (Subscription, error)
}

type Subscription interface {
	C() <-chan []byte
	Close() error
}

// MemoryBus is a single-process Bus. Slow subscribers drop payloads rather
// than block publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	bus    *MemoryBus
	stream string
	ch     chan []byte
	once   sync.Once
}

func (s *memorySub) C() <-chan []byte { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.stream], s)
		if len(s.bus.subs[s.stream]) == 0 {
			delete(s.bus.subs, s.stream)
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func (b *MemoryBus) Publish(_ context.Context, stream string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[stream] {
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, stream string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memorySub{bus: b, stream: stream, ch: make(chan []byte, 64)}
	if b.subs[stream] == nil {
		b.subs[stream] = make(map[*memorySub]struct{})
	}
	b.subs[stream][s] = struct{}{}
	return s, nil
}

// Close rejects further publishes; existing subscriptions stay open until closed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
