package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
	"github.com/suPer8Hu/marketplace-chat/internal/channel"
	"github.com/suPer8Hu/marketplace-chat/internal/identity"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	readLimit    = 64 << 10
)

// clientFrame is one inbound socket frame.
type clientFrame struct {
	Command string          `json:"command"`
	Channel string          `json:"channel"`
	Params  channel.Params  `json:"params"`
	Data    json.RawMessage `json:"data"`
}

type welcomeFrame struct {
	Type          string `json:"type"`
	ConnectionID  string `json:"connection_id"`
	Authenticated bool   `json:"authenticated"`
}

type subscriptionFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type pingFrame struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type channelFrame struct {
	Channel string `json:"channel"`
	Message any    `json:"message"`
}

// connection is one open socket. It implements channel.Conn.
type connection struct {
	id        string
	sessionID string
	ws        *websocket.Conn
	bus       broadcast.Bus
	send      chan []byte
	done      chan struct{}
	logger    zerolog.Logger

	mu    sync.RWMutex
	ident *identity.Identity
	subs  map[string]*channel.Subscription
}

func newConnection(id, sessionID string, ws *websocket.Conn, bus broadcast.Bus, ident *identity.Identity, logger zerolog.Logger) *connection {
	return &connection{
		id:        id,
		sessionID: sessionID,
		ws:        ws,
		bus:       bus,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		logger:    logger.With().Str("connection_id", id).Logger(),
		ident:     ident,
		subs:      make(map[string]*channel.Subscription),
	}
}

func (c *connection) ID() string        { return c.id }
func (c *connection) SessionID() string { return c.sessionID }

func (c *connection) Identity() *identity.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ident == nil {
		return nil
	}
	ident := *c.ident
	return &ident
}

func (c *connection) BindIdentity(ident identity.Identity) {
	c.mu.Lock()
	c.ident = &ident
	c.mu.Unlock()
	c.logger.Info().Str("user", ident.String()).Msg("identity bound from subscription params")
}

func (c *connection) Transmit(ch string, v any) {
	c.write(channelFrame{Channel: ch, Message: v})
}

// write queues one frame. A full buffer drops the frame rather than stalling
// the stream pumps.
func (c *connection) write(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode frame failed")
		return
	}
	select {
	case <-c.done:
	case c.send <- b:
	default:
		c.logger.Warn().Msg("send buffer full, dropping frame")
	}
}

func (c *connection) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-c.send:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, b)
			wcancel()
			if err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				return
			}
		}
	}
}

func (c *connection) pingLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.write(pingFrame{Type: "ping", TS: now.Unix()})
		}
	}
}

func (c *connection) subscription(ch channel.Channel) *channel.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[ch.Name()]
	if !ok {
		sub = channel.NewSubscription(ch, c.bus)
		c.subs[ch.Name()] = sub
	}
	return sub
}

func (c *connection) lookup(name string) *channel.Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[name]
}

// closeAll unsubscribes every channel; used when the socket goes away.
func (c *connection) closeAll(ctx context.Context) {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*channel.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close(ctx, c)
	}
}
