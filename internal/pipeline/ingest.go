package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
	"github.com/suPer8Hu/marketplace-chat/internal/chat"
	"github.com/suPer8Hu/marketplace-chat/internal/jobs"
	"github.com/suPer8Hu/marketplace-chat/internal/metrics"
)

// Ingest persists and fans out one inbound chat message. It never returns an
// error: failures are reported to the sender's stream and swallowed so one bad
// message cannot stall the pool.
func (p *Pipeline) Ingest(ctx context.Context, j jobs.Job) error {
	var in IngestPayload
	if err := decode(j, &in); err != nil {
		p.logger.Error().Err(err).Str("job_id", j.ID).Msg("dropping ingest job")
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			p.logger.Error().Err(err).Uint64("conversation_id", in.ConversationID).Msg("ingest panicked")
			p.notifySendError(ctx, in, err)
		}
	}()

	if _, err := p.ingest(ctx, in); err != nil {
		p.logger.Error().Err(err).
			Uint64("conversation_id", in.ConversationID).
			Str("sender", in.Sender().String()).
			Msg("failed to process message")
		p.notifySendError(ctx, in, err)
	}
	return nil
}

// ingest returns nil, nil for the silent outcomes: missing conversation,
// non-participant sender, invalid content.
func (p *Pipeline) ingest(ctx context.Context, in IngestPayload) (*chat.Message, error) {
	sender := in.Sender()
	log := p.logger.With().
		Uint64("conversation_id", in.ConversationID).
		Str("sender", sender.String()).
		Logger()

	conv, err := p.repo.GetConversation(ctx, in.ConversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn().Msg("conversation not found")
			return nil, nil
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if !conv.IsParticipant(sender) {
		log.Warn().Err(chat.ErrNotParticipant).Msg("sender not authorized for conversation")
		return nil, nil
	}

	now := p.now()
	msg := &chat.Message{
		SenderKind:  sender.Kind,
		SenderID:    sender.ID,
		Content:     chat.Sanitize(in.Content),
		MessageType: in.MessageType,
		AdID:        in.AdID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(in.ProductContext) > 0 && string(in.ProductContext) != "null" {
		pc := string(in.ProductContext)
		msg.ProductContext = &pc
	}

	conv, err = p.appendWithRetry(ctx, conv, msg)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidMessage) {
			log.Warn().Err(err).Msg("message validation failed")
			return nil, nil
		}
		return nil, err
	}
	if conv == nil {
		log.Warn().Msg("conversation disappeared during append")
		return nil, nil
	}

	p.fanOut(ctx, conv, msg)
	p.heartbeat(ctx, conv)

	metrics.MessagesCreated.WithLabelValues(string(msg.SenderKind)).Inc()
	metrics.MessagesByType.WithLabelValues(msg.MessageType).Inc()

	p.afterMessage(ctx, conv, msg)
	return msg, nil
}

// appendWithRetry reloads the conversation and retries on version conflicts.
func (p *Pipeline) appendWithRetry(ctx context.Context, conv *chat.Conversation, msg *chat.Message) (*chat.Conversation, error) {
	for attempt := 1; ; attempt++ {
		msg.ID = 0
		err := p.repo.AppendMessage(ctx, conv, msg)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, chat.ErrConflict) {
			return nil, err
		}
		if attempt > appendRetries {
			return nil, fmt.Errorf("append after %d retries: %w", appendRetries, err)
		}
		p.logger.Warn().
			Uint64("conversation_id", conv.ID).
			Int("attempt", attempt).
			Int("retries", appendRetries).
			Msg("conversation updated concurrently, retrying")
		p.sleep(ctx, time.Duration(attempt)*appendBackoff)

		conv, err = p.repo.GetConversation(ctx, conv.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, fmt.Errorf("reload conversation: %w", err)
		}
	}
}

func (p *Pipeline) fanOut(ctx context.Context, conv *chat.Conversation, msg *chat.Message) {
	ev := broadcast.NewMessage{
		Type:           broadcast.TypeNewMessage,
		ConversationID: conv.ID,
		Message:        msg.View(),
		Timestamp:      p.now(),
	}
	ok := true
	for _, participant := range conv.Participants() {
		stream := broadcast.ConversationStream(participant.Kind, participant.ID)
		if !p.broadcaster.Send(ctx, stream, ev, fanoutRetries) {
			ok = false
		}
	}
	if ok {
		metrics.MessageFanout.WithLabelValues("success").Inc()
	} else {
		p.logger.Warn().Uint64("message_id", msg.ID).Msg("message broadcast failed but job continues")
		metrics.MessageFanout.WithLabelValues("error").Inc()
	}
}

func activityKey(conversationID uint64) string {
	return "conversation_activity:" + strconv.FormatUint(conversationID, 10)
}

func (p *Pipeline) heartbeat(ctx context.Context, conv *chat.Conversation) {
	now := p.now()
	p.bestEffort("touch_conversation", func() error {
		return p.repo.Touch(ctx, conv.ID, now)
	})
	p.bestEffort("activity_cache", func() error {
		return p.store.Set(ctx, activityKey(conv.ID), strconv.FormatInt(now.Unix(), 10), activityTTL)
	})
}

// afterMessage triggers the independent side effects of a new message.
func (p *Pipeline) afterMessage(ctx context.Context, conv *chat.Conversation, msg *chat.Message) {
	ref := ConversationMessagePayload{ConversationID: conv.ID, MessageID: msg.ID}

	p.bestEffort("enqueue_delivery", func() error {
		return p.enqueue(ctx, jobs.KindDeliverMessage, DeliverPayload{MessageID: msg.ID})
	})
	p.bestEffort("enqueue_notify_offline", func() error {
		return p.enqueue(ctx, jobs.KindNotifyOffline, ref)
	})
	p.bestEffort("unread_counts", func() error {
		if err := p.updateUnreadCounts(ctx, ref); err != nil {
			p.logger.Warn().Err(err).Msg("inline unread count update failed, queuing instead")
			return p.enqueue(ctx, jobs.KindUnreadCounts, ref)
		}
		return nil
	})
	if p.opts.ModerationEnabled {
		p.bestEffort("enqueue_moderation", func() error {
			return p.enqueue(ctx, jobs.KindModerateContent, ModeratePayload{MessageID: msg.ID})
		})
	}
}

func (p *Pipeline) notifySendError(ctx context.Context, in IngestPayload, cause error) {
	if in.SenderKind == "" || in.SenderID == 0 {
		return
	}
	p.bestEffort("notify_sender", func() error {
		ev := broadcast.MessageError{
			Type:      broadcast.TypeMessageError,
			Error:     sendFailureMessage,
			Details:   cause.Error(),
			SessionID: in.SenderSession,
			Timestamp: p.now(),
		}
		stream := broadcast.ConversationStream(in.SenderKind, in.SenderID)
		if !p.broadcaster.Send(ctx, stream, ev, 0) {
			return fmt.Errorf("error event to %s dropped", stream)
		}
		return nil
	})
}
