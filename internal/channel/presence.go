package channel

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
	"github.com/suPer8Hu/marketplace-chat/internal/chat"
	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/pipeline"
	"github.com/suPer8Hu/marketplace-chat/internal/presence"
)

// Presence tracks who is online and relays typing and receipt events
// between participants' presence streams.
type Presence struct {
	base
	tracker *presence.Tracker
}

func NewPresence(d Deps) *Presence {
	return &Presence{base: newBase(PresenceName, d), tracker: d.Presence}
}

func (p *Presence) Subscribe(ctx context.Context, conn Conn, params Params) (string, error) {
	ident := p.subscriber(ctx, conn, params)
	if ident == nil {
		p.rejected(params)
		return "", ErrRejected
	}
	if err := p.tracker.Touch(ctx, *ident); err != nil {
		p.logger.Warn().Err(err).Str("user", ident.String()).Msg("presence write failed")
	}
	p.announceLater(ctx, *ident, "online", broadcast.PresenceStream)
	p.subscribed(*ident)
	return broadcast.PresenceStream(ident.Kind, ident.ID), nil
}

func (p *Presence) Unsubscribe(ctx context.Context, conn Conn) {
	ident := conn.Identity()
	if ident == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("unsubscribe panicked")
		}
	}()
	if err := p.tracker.Remove(ctx, *ident); err != nil {
		p.logger.Warn().Err(err).Str("user", ident.String()).Msg("presence delete failed")
	}
	p.announceLater(ctx, *ident, "offline", broadcast.PresenceStream)
}

func (p *Presence) Receive(ctx context.Context, conn Conn, data json.RawMessage) {
	var env envelope
	_ = json.Unmarshal(data, &env)

	ident := conn.Identity()
	if ident == nil {
		p.logger.Warn().Str("connection_id", conn.ID()).Str("action", env.name()).Msg("action without identity dropped")
		return
	}

	switch name := env.name(); name {
	case "heartbeat":
		p.action(name)
		if err := p.tracker.Touch(ctx, *ident); err != nil {
			p.logger.Warn().Err(err).Str("user", ident.String()).Msg("presence refresh failed")
		}
	case "typing_start", "typing_stop":
		if !p.allow(ctx, conn, *ident) {
			return
		}
		p.action(name)
		var in Typing
		if err := bind(data, &in); err != nil {
			p.reject(conn, *ident, err)
			return
		}
		p.typing(ctx, *ident, in.ConversationID, name == "typing_start", broadcast.PresenceStream)
	case "message_read", "message_delivered":
		if !p.allow(ctx, conn, *ident) {
			return
		}
		p.action(name)
		var in MessageRef
		if err := bind(data, &in); err != nil {
			p.reject(conn, *ident, err)
			return
		}
		kind := pipeline.Delivered
		if name == "message_read" {
			kind = pipeline.Read
		}
		reader, messageID := *ident, in.MessageID
		p.bg.run(ctx, reader.Key(), name, func(ctx context.Context) {
			p.receipt(ctx, reader, messageID, kind)
		})
	default:
		conn.Transmit(p.name, ErrorEvent{Error: "Unknown action", Details: map[string]string{"action": name}})
	}
}

func (p *Presence) receipt(ctx context.Context, reader identity.Identity, messageID uint64, kind pipeline.Receipt) {
	err := p.pipeline.ApplyReceipt(ctx, reader, messageID, kind)
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrNotParticipant):
		p.logger.Warn().Str("user", reader.String()).Uint64("message_id", messageID).Msg("receipt from non-participant dropped")
	default:
		p.logger.Error().Err(err).Str("user", reader.String()).Uint64("message_id", messageID).Msg("receipt failed")
	}
}
