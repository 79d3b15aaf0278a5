package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"

	"github.com/suPer8Hu/marketplace-chat/internal/auth"
	"github.com/suPer8Hu/marketplace-chat/internal/channel"
	"github.com/suPer8Hu/marketplace-chat/internal/common"
	"github.com/suPer8Hu/marketplace-chat/internal/metrics"
)

const cleanupTimeout = 5 * time.Second

// Cable upgrades GET /cable to a websocket and runs the connection until the
// client leaves. Authentication failures only reject when strict auth is on.
func (h *Handler) Cable(c *gin.Context) {
	res := h.Auth.Authenticate(c.Request.Context(), h.Auth.TokenFromRequest(c.Request))
	if !res.Authenticated() && h.Cfg.StrictAuth {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.Cfg.AllowedOrigins,
	})
	if err != nil {
		h.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(readLimit)

	sessionID := res.SessionID
	if sessionID == "" {
		sessionID = auth.NewSessionID()
	}
	conn := newConnection(ksuid.New().String(), sessionID, ws, h.Bus, res.Identity, h.Logger)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	h.Auth.Connected()
	defer h.Auth.Disconnected()
	if res.Authenticated() {
		h.Auth.RecordConnection(ctx, *res.Identity, sessionID, auth.ConnectionMeta{
			ConnectionID: conn.id,
			RemoteAddr:   c.ClientIP(),
			Client:       c.Request.UserAgent(),
			ConnectedAt:  time.Now(),
		})
	}
	conn.logger.Info().Bool("authenticated", res.Authenticated()).Msg("connected")

	conn.write(welcomeFrame{Type: "welcome", ConnectionID: conn.id, Authenticated: res.Authenticated()})
	go conn.writeLoop(ctx, cancel)
	go conn.pingLoop(ctx, h.PingInterval)

	h.readLoop(ctx, conn)

	cleanup, done := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer done()
	conn.closeAll(cleanup)
	if ident := conn.Identity(); ident != nil {
		h.Auth.ForgetConnection(cleanup, *ident, sessionID, false)
	}
	close(conn.done)
	_ = ws.Close(websocket.StatusNormalClosure, "")
	conn.logger.Info().Msg("disconnected")
}

func (h *Handler) readLoop(ctx context.Context, conn *connection) {
	for {
		typ, data, err := conn.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				conn.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			conn.Transmit("", channel.ErrorEvent{Error: "Invalid frame"})
			continue
		}
		h.dispatch(ctx, conn, f)
	}
}

// dispatch never lets a channel failure escape into the read loop.
func (h *Handler) dispatch(ctx context.Context, conn *connection, f clientFrame) {
	defer func() {
		if r := recover(); r != nil {
			conn.logger.Error().Interface("panic", r).Str("command", f.Command).Str("channel", f.Channel).Msg("frame handler panicked")
		}
	}()

	switch f.Command {
	case "subscribe":
		ch, ok := h.Channels[f.Channel]
		if !ok {
			conn.write(subscriptionFrame{Type: "reject_subscription", Channel: f.Channel})
			return
		}
		sub := conn.subscription(ch)
		if sub.State() == channel.Subscribed {
			conn.write(subscriptionFrame{Type: "confirm_subscription", Channel: f.Channel})
			return
		}
		if err := sub.Open(ctx, conn, f.Params); err != nil {
			if !errors.Is(err, channel.ErrRejected) {
				conn.logger.Warn().Err(err).Str("channel", f.Channel).Msg("subscribe failed")
			}
			conn.write(subscriptionFrame{Type: "reject_subscription", Channel: f.Channel})
			return
		}
		conn.write(subscriptionFrame{Type: "confirm_subscription", Channel: f.Channel})

	case "unsubscribe":
		if sub := conn.lookup(f.Channel); sub != nil {
			sub.Close(ctx, conn)
		}

	case "message":
		sub := conn.lookup(f.Channel)
		if sub == nil || !sub.Receive(ctx, conn, f.Data) {
			conn.Transmit(f.Channel, channel.ErrorEvent{Error: "Not subscribed"})
		}

	default:
		conn.Transmit(f.Channel, channel.ErrorEvent{Error: "Unknown command"})
	}
}
