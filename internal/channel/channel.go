// Package channel implements the subscription side of the socket protocol:
// the conversations channel (messages, typing, read marks) and the presence
// channel (online status, typing, receipts).
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
	"github.com/suPer8Hu/marketplace-chat/internal/chat"
	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/metrics"
	"github.com/suPer8Hu/marketplace-chat/internal/pipeline"
	"github.com/suPer8Hu/marketplace-chat/internal/presence"
	"github.com/suPer8Hu/marketplace-chat/internal/ratelimit"
)

const (
	ConversationsName = "conversations"
	PresenceName      = "presence"

	// channel-level presence and typing broadcasts
	channelRetries = 2
)

// ErrRejected terminates a subscription whose identity cannot be resolved.
var ErrRejected = errors.New("channel: subscription rejected")

// Conn is what a channel needs from an open socket.
type Conn interface {
	ID() string
	SessionID() string
	Identity() *identity.Identity
	BindIdentity(identity.Identity)
	Transmit(channel string, v any)
}

// Channel handles one channel name on a connection.
type Channel interface {
	Name() string
	// Subscribe returns the stream the connection should follow.
	Subscribe(ctx context.Context, conn Conn, params Params) (string, error)
	Unsubscribe(ctx context.Context, conn Conn)
	Receive(ctx context.Context, conn Conn, data json.RawMessage)
}

// Params are the subscription parameters a client may send when the
// connection itself is not authenticated.
type Params struct {
	UserType string `json:"user_type"`
	UserID   uint64 `json:"user_id"`
}

// ErrorEvent is transmitted to the client for rejected actions.
type ErrorEvent struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// ValidationError is a malformed inbound payload. It is reported to the
// client, never broadcast.
type ValidationError struct {
	Message string
	Details map[string]string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Event() ErrorEvent {
	return ErrorEvent{Error: e.Message, Details: e.Details}
}

// Pipeline is the asynchronous side the channels hand work to.
type Pipeline interface {
	EnqueueIngest(ctx context.Context, in pipeline.IngestPayload) error
	EnqueueReadReceipt(ctx context.Context, in pipeline.ReadReceiptPayload) error
	ApplyReceipt(ctx context.Context, reader identity.Identity, messageID uint64, kind pipeline.Receipt) error
}

// Connections forgets per-connection metadata on unsubscribe.
type Connections interface {
	ForgetConnection(ctx context.Context, ident identity.Identity, sessionID string, endSession bool)
}

type Deps struct {
	Resolver    *identity.Resolver
	Repo        *chat.Repo
	Limiter     *ratelimit.Limiter
	Broadcaster *broadcast.Broadcaster
	Presence    *presence.Tracker
	Pipeline    Pipeline
	Connections Connections
	Logger      zerolog.Logger
}

type base struct {
	name        string
	resolver    *identity.Resolver
	repo        *chat.Repo
	limiter     *ratelimit.Limiter
	broadcaster *broadcast.Broadcaster
	pipeline    Pipeline
	connections Connections
	logger      zerolog.Logger
	now         func() time.Time
	bg          *background
}

func newBase(name string, d Deps) base {
	logger := d.Logger.With().Str("component", name+"_channel").Logger()
	return base{
		name:        name,
		resolver:    d.Resolver,
		repo:        d.Repo,
		limiter:     d.Limiter,
		broadcaster: d.Broadcaster,
		pipeline:    d.Pipeline,
		connections: d.Connections,
		logger:      logger,
		now:         time.Now,
		bg:          newBackground(logger),
	}
}

func (b *base) Name() string { return b.name }

// subscriber returns the connection identity, or resolves and binds the one
// named in params. nil means the subscription must be rejected.
func (b *base) subscriber(ctx context.Context, conn Conn, params Params) *identity.Identity {
	if ident := conn.Identity(); ident != nil {
		return ident
	}
	kind, ok := identity.ParseKind(params.UserType)
	if !ok || params.UserID == 0 {
		return nil
	}
	ident, err := b.resolver.Resolve(ctx, kind, params.UserID)
	if err != nil {
		b.logger.Warn().Err(err).Str("user_type", params.UserType).Uint64("user_id", params.UserID).Msg("subscriber lookup failed")
		return nil
	}
	if ident == nil {
		return nil
	}
	conn.BindIdentity(*ident)
	return ident
}

func (b *base) subscribed(ident identity.Identity) {
	metrics.SubscriptionsTotal.WithLabelValues(b.name, "confirmed").Inc()
	b.logger.Info().Str("user", ident.String()).Msg("subscribed")
}

func (b *base) rejected(params Params) {
	metrics.SubscriptionsTotal.WithLabelValues(b.name, "rejected").Inc()
	b.logger.Warn().Str("user_type", params.UserType).Uint64("user_id", params.UserID).Msg("subscription rejected")
}

// allow applies the rate limiter and tells the client when it trips.
func (b *base) allow(ctx context.Context, conn Conn, ident identity.Identity) bool {
	if b.limiter == nil || b.limiter.Allow(ctx, ident, b.name) {
		return true
	}
	conn.Transmit(b.name, ErrorEvent{Error: ratelimit.ExceededMessage})
	return false
}

// announce sends a presence_update to every other participant of every
// conversation ident takes part in, once per participant.
func (b *base) announce(ctx context.Context, ident identity.Identity, status string, stream func(identity.Kind, uint64) string) error {
	convs, err := b.repo.ListConversationsFor(ctx, ident)
	if err != nil {
		return err
	}
	ev := broadcast.PresenceUpdate{
		Type:      broadcast.TypePresenceUpdate,
		UserID:    ident.ID,
		UserType:  string(ident.Kind),
		Status:    status,
		Timestamp: b.now(),
	}
	seen := make(map[string]bool)
	for i := range convs {
		for _, other := range convs[i].Others(ident) {
			if seen[other.Key()] {
				continue
			}
			seen[other.Key()] = true
			b.broadcaster.Send(ctx, stream(other.Kind, other.ID), ev, channelRetries)
		}
	}
	return nil
}

// announceLater runs announce in the background, ordered per identity.
func (b *base) announceLater(ctx context.Context, ident identity.Identity, status string, stream func(identity.Kind, uint64) string) {
	b.bg.run(ctx, ident.Key(), "announce_"+status, func(ctx context.Context) {
		if err := b.announce(ctx, ident, status, stream); err != nil {
			b.logger.Warn().Err(err).Str("user", ident.String()).Str("status", status).Msg("presence broadcast failed")
		}
	})
}

// typing tells the other participants of one conversation that ident started
// or stopped typing. Unknown conversations and non-participants are ignored.
func (b *base) typing(ctx context.Context, ident identity.Identity, conversationID uint64, typing bool, stream func(identity.Kind, uint64) string) {
	conv, err := b.repo.GetConversation(ctx, conversationID)
	if err != nil {
		b.logger.Debug().Err(err).Uint64("conversation_id", conversationID).Msg("typing: conversation unavailable")
		return
	}
	if !conv.IsParticipant(ident) {
		b.logger.Warn().Err(chat.ErrNotParticipant).Str("user", ident.String()).Uint64("conversation_id", conversationID).Msg("typing dropped")
		return
	}
	ev := broadcast.TypingStatus{
		Type:           broadcast.TypeTypingStatus,
		UserID:         ident.ID,
		UserType:       string(ident.Kind),
		Typing:         typing,
		ConversationID: conv.ID,
		Timestamp:      b.now(),
	}
	for _, other := range conv.Others(ident) {
		b.broadcaster.Send(ctx, stream(other.Kind, other.ID), ev, channelRetries)
	}
}

func (b *base) action(name string) {
	metrics.ChannelActions.WithLabelValues(b.name, name).Inc()
}
