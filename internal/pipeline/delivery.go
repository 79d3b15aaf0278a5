package pipeline

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
	"github.com/suPer8Hu/marketplace-chat/internal/chat"
	"github.com/suPer8Hu/marketplace-chat/internal/jobs"
)

// ReconcileDelivery marks a message delivered once its recipient is online,
// otherwise it reschedules itself after DeliveryRetryDelay. Errors are logged,
// never returned.
func (p *Pipeline) ReconcileDelivery(ctx context.Context, j jobs.Job) error {
	var in DeliverPayload
	if err := decode(j, &in); err != nil {
		p.logger.Error().Err(err).Str("job_id", j.ID).Msg("dropping delivery job")
		return nil
	}
	log := p.logger.With().Uint64("message_id", in.MessageID).Logger()

	msg, err := p.repo.GetMessage(ctx, in.MessageID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Err(err).Msg("delivery: load message failed")
			p.rescheduleDelivery(ctx, in)
		}
		return nil
	}
	if msg.ReadAt != nil || msg.DeliveredAt != nil {
		return nil
	}

	conv, err := p.repo.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error().Err(err).Msg("delivery: load conversation failed")
			p.rescheduleDelivery(ctx, in)
		}
		return nil
	}
	recipient, ok := conv.Recipient(msg.Sender())
	if !ok {
		log.Warn().Msg("delivery: message has no recipient")
		return nil
	}

	online, err := p.presence.Online(ctx, recipient.Kind, recipient.ID)
	if err != nil {
		log.Warn().Err(err).Msg("delivery: presence lookup failed, treating recipient as offline")
	}
	if online {
		if _, err := p.markDelivered(ctx, msg); err != nil {
			log.Error().Err(err).Msg("delivery: mark delivered failed")
			p.rescheduleDelivery(ctx, in)
			return nil
		}
		log.Info().Str("recipient", recipient.String()).Msg("message delivered, recipient online")
		return nil
	}

	if p.opts.DeliveryMaxWait > 0 && p.now().Sub(msg.CreatedAt) > p.opts.DeliveryMaxWait {
		log.Warn().
			Str("recipient", recipient.String()).
			Dur("max_wait", p.opts.DeliveryMaxWait).
			Msg("message undeliverable, giving up")
		return nil
	}

	log.Debug().Str("recipient", recipient.String()).Msg("recipient offline, rescheduling delivery")
	p.rescheduleDelivery(ctx, in)
	return nil
}

func (p *Pipeline) rescheduleDelivery(ctx context.Context, in DeliverPayload) {
	p.bestEffort("reschedule_delivery", func() error {
		return p.enqueueIn(ctx, jobs.KindDeliverMessage, in, p.opts.DeliveryRetryDelay)
	})
}

// markDelivered flips the message and sends the receipt to the sender's
// presence stream. A message already delivered or read is left alone.
func (p *Pipeline) markDelivered(ctx context.Context, msg *chat.Message) (bool, error) {
	at := p.now()
	changed, err := p.repo.MarkDelivered(ctx, msg.ID, at)
	if err != nil || !changed {
		return false, err
	}
	msg.DeliveredAt = &at
	msg.Status = chat.StatusDelivered

	sender := msg.Sender()
	p.broadcaster.Send(ctx, broadcast.PresenceStream(sender.Kind, sender.ID), broadcast.MessageDelivered{
		Type:           broadcast.TypeMessageDelivered,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		DeliveredAt:    msg.DeliveredAt,
		Status:         chat.StatusDelivered,
	}, receiptRetries)
	return true, nil
}
