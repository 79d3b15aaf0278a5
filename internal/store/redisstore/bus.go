package redisstore

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
)

// Bus is a broadcast.Bus over redis PUBLISH/SUBSCRIBE. Every server process
// subscribes to the streams of its own connections, so fan-out crosses nodes.
type Bus struct {
	client *redis.Client
}

func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

func (b *Bus) Publish(ctx context.Context, stream string, payload []byte) error {
	return b.client.Publish(ctx, stream, payload).Err()
}

func (b *Bus) Subscribe(ctx context.Context, stream string) (broadcast.Subscription, error) {
	ps := b.client.Subscribe(ctx, stream)
	// wait for the subscription confirmation so publishes right after are not missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &subscription{ps: ps, ch: make(chan []byte, 64), done: make(chan struct{})}
	go sub.pump()
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscription) pump() {
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(m.Payload):
			case <-s.done:
				return
			default:
				// slow consumer: drop
			}
		}
	}
}

func (s *subscription) C() <-chan []byte { return s.ch }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

var _ broadcast.Bus = (*Bus)(nil)
