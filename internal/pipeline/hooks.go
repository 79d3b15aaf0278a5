package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/suPer8Hu/marketplace-chat/internal/chat"
	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/jobs"
)

// Notifier alerts participants who were offline when a message arrived.
// Email, SMS and push delivery live behind this interface.
type Notifier interface {
	NotifyOffline(ctx context.Context, conv *chat.Conversation, msg *chat.Message, recipients []identity.Identity) error
}

// Moderator reviews message content after it is persisted.
type Moderator interface {
	Moderate(ctx context.Context, msg *chat.Message) error
}

type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) NotifyOffline(_ context.Context, conv *chat.Conversation, msg *chat.Message, recipients []identity.Identity) error {
	arr := zerolog.Arr()
	for _, r := range recipients {
		arr.Str(r.String())
	}
	n.Logger.Info().
		Uint64("conversation_id", conv.ID).
		Uint64("message_id", msg.ID).
		Array("recipients", arr).
		Msg("offline participants to notify")
	return nil
}

type LogModerator struct {
	Logger zerolog.Logger
}

func (m LogModerator) Moderate(_ context.Context, msg *chat.Message) error {
	m.Logger.Debug().Uint64("message_id", msg.ID).Msg("moderation hook")
	return nil
}

func (p *Pipeline) NotifyOffline(ctx context.Context, j jobs.Job) error {
	var in ConversationMessagePayload
	if err := decode(j, &in); err != nil {
		return err
	}
	conv, err := p.repo.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return ignoreNotFound(err)
	}
	msg, err := p.repo.GetMessage(ctx, in.MessageID)
	if err != nil {
		return ignoreNotFound(err)
	}

	var offline []identity.Identity
	for _, participant := range conv.Others(msg.Sender()) {
		online, err := p.presence.Online(ctx, participant.Kind, participant.ID)
		if err != nil {
			p.logger.Warn().Err(err).Str("participant", participant.String()).Msg("presence lookup failed")
			continue
		}
		if !online {
			offline = append(offline, participant)
		}
	}
	if len(offline) == 0 {
		return nil
	}
	return p.notifier.NotifyOffline(ctx, conv, msg, offline)
}

func (p *Pipeline) Moderate(ctx context.Context, j jobs.Job) error {
	var in ModeratePayload
	if err := decode(j, &in); err != nil {
		return err
	}
	msg, err := p.repo.GetMessage(ctx, in.MessageID)
	if err != nil {
		return ignoreNotFound(err)
	}
	return p.moderator.Moderate(ctx, msg)
}

func ignoreNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
