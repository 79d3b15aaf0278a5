package channel

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/pipeline"
)

// Conversations is the channel clients send and receive chat messages on.
// Nothing here touches the message store synchronously: sends and read marks
// are handed to the pipeline.
type Conversations struct {
	base
}

func NewConversations(d Deps) *Conversations {
	return &Conversations{base: newBase(ConversationsName, d)}
}

func (c *Conversations) Subscribe(ctx context.Context, conn Conn, params Params) (string, error) {
	ident := c.subscriber(ctx, conn, params)
	if ident == nil {
		c.rejected(params)
		return "", ErrRejected
	}
	c.announceLater(ctx, *ident, "online", broadcast.ConversationStream)
	c.subscribed(*ident)
	return broadcast.ConversationStream(ident.Kind, ident.ID), nil
}

// Unsubscribe never fails: metadata cleanup is best effort and the offline
// broadcast runs in the background.
func (c *Conversations) Unsubscribe(ctx context.Context, conn Conn) {
	ident := conn.Identity()
	if ident == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("unsubscribe panicked")
		}
	}()
	c.announceLater(ctx, *ident, "offline", broadcast.ConversationStream)
	if c.connections != nil {
		c.connections.ForgetConnection(ctx, *ident, conn.SessionID(), false)
	}
	c.logger.Info().Str("user", ident.String()).Msg("unsubscribed")
}

func (c *Conversations) Receive(ctx context.Context, conn Conn, data json.RawMessage) {
	var env envelope
	_ = json.Unmarshal(data, &env)

	ident := conn.Identity()
	if ident == nil {
		c.logger.Warn().Str("connection_id", conn.ID()).Str("action", env.name()).Msg("action without identity dropped")
		return
	}

	switch env.name() {
	case "send_message":
		c.sendMessage(ctx, conn, *ident, data)
	case "typing":
		c.typingStatus(ctx, conn, *ident, data)
	case "mark_read":
		c.markRead(ctx, conn, *ident, data)
	default:
		conn.Transmit(c.name, ErrorEvent{Error: "Unknown action", Details: map[string]string{"action": env.name()}})
	}
}

func (c *Conversations) sendMessage(ctx context.Context, conn Conn, ident identity.Identity, data json.RawMessage) {
	if !c.allow(ctx, conn, ident) {
		return
	}
	c.action("send_message")

	var in SendMessage
	err := bind(data, &in)
	if err == nil {
		err = in.normalize()
	}
	if err != nil {
		c.reject(conn, ident, err)
		return
	}

	err = c.pipeline.EnqueueIngest(ctx, pipeline.IngestPayload{
		ConversationID: in.ConversationID,
		Content:        in.Content,
		SenderKind:     ident.Kind,
		SenderID:       ident.ID,
		SenderSession:  conn.SessionID(),
		AdID:           in.AdID,
		ProductContext: in.ProductContext,
		MessageType:    in.MessageType,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("user", ident.String()).Uint64("conversation_id", in.ConversationID).Msg("enqueue message failed")
		conn.Transmit(c.name, ErrorEvent{Error: "Failed to send message"})
	}
}

func (c *Conversations) typingStatus(ctx context.Context, conn Conn, ident identity.Identity, data json.RawMessage) {
	if !c.allow(ctx, conn, ident) {
		return
	}
	c.action("typing")

	var in Typing
	if err := bind(data, &in); err != nil {
		c.reject(conn, ident, err)
		return
	}
	c.typing(ctx, ident, in.ConversationID, in.Typing, broadcast.ConversationStream)
}

func (c *Conversations) markRead(ctx context.Context, conn Conn, ident identity.Identity, data json.RawMessage) {
	if !c.allow(ctx, conn, ident) {
		return
	}
	c.action("mark_read")

	var in MessageRef
	if err := bind(data, &in); err != nil {
		c.reject(conn, ident, err)
		return
	}
	err := c.pipeline.EnqueueReadReceipt(ctx, pipeline.ReadReceiptPayload{
		MessageID:  in.MessageID,
		ReaderID:   ident.ID,
		ReaderKind: ident.Kind,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("user", ident.String()).Uint64("message_id", in.MessageID).Msg("enqueue read receipt failed")
	}
}

func (b *base) reject(conn Conn, ident identity.Identity, err error) {
	var verr *ValidationError
	if !errors.As(err, &verr) {
		verr = &ValidationError{Message: "Data validation failed"}
	}
	b.logger.Info().Str("user", ident.String()).Interface("details", verr.Details).Msg(verr.Message)
	conn.Transmit(b.name, verr.Event())
}
