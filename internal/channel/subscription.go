package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
)

type State int

const (
	Unsubscribed State = iota
	Subscribing
	Subscribed
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	}
	return "unsubscribed"
}

// Subscription is one channel joined by one connection. It moves
// Unsubscribed -> Subscribing -> Subscribed -> Unsubscribed and forwards
// every payload published on its stream to the connection.
type Subscription struct {
	ch  Channel
	bus broadcast.Bus

	mu     sync.Mutex
	state  State
	stream string
	sub    broadcast.Subscription
	done   chan struct{}
}

func NewSubscription(ch Channel, bus broadcast.Bus) *Subscription {
	return &Subscription{ch: ch, bus: bus}
}

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) Stream() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Open subscribes conn. A rejected or failed subscribe leaves the
// subscription Unsubscribed.
func (s *Subscription) Open(ctx context.Context, conn Conn, params Params) error {
	s.mu.Lock()
	if s.state != Unsubscribed {
		s.mu.Unlock()
		return fmt.Errorf("channel %s: already %s", s.ch.Name(), s.state)
	}
	s.state = Subscribing
	s.mu.Unlock()

	stream, err := s.ch.Subscribe(ctx, conn, params)
	if err != nil {
		s.reset()
		return err
	}
	sub, err := s.bus.Subscribe(ctx, stream)
	if err != nil {
		// the channel already ran its subscribe side effects
		s.ch.Unsubscribe(ctx, conn)
		s.reset()
		return fmt.Errorf("follow %s: %w", stream, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.state = Subscribed
	s.stream = stream
	s.sub = sub
	s.done = done
	s.mu.Unlock()

	go s.pump(conn, sub, done)
	return nil
}

func (s *Subscription) pump(conn Conn, sub broadcast.Subscription, done chan struct{}) {
	defer close(done)
	name := s.ch.Name()
	for payload := range sub.C() {
		conn.Transmit(name, json.RawMessage(payload))
	}
}

// Receive hands an inbound payload to the channel. Payloads for a channel
// that is not subscribed are dropped.
func (s *Subscription) Receive(ctx context.Context, conn Conn, data json.RawMessage) bool {
	if s.State() != Subscribed {
		return false
	}
	s.ch.Receive(ctx, conn, data)
	return true
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close(ctx context.Context, conn Conn) {
	s.mu.Lock()
	if s.state != Subscribed {
		s.mu.Unlock()
		return
	}
	sub, done := s.sub, s.done
	s.state = Unsubscribed
	s.stream = ""
	s.sub = nil
	s.done = nil
	s.mu.Unlock()

	_ = sub.Close()
	<-done
	s.ch.Unsubscribe(ctx, conn)
}

func (s *Subscription) reset() {
	s.mu.Lock()
	s.state = Unsubscribed
	s.mu.Unlock()
}
