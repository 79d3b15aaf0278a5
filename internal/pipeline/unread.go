package pipeline

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/jobs"
)

// UpdateUnreadCounts recomputes and broadcasts the unread total of every
// participant of a conversation. One participant failing does not stop the
// others; query errors are returned together so the job is retried.
func (p *Pipeline) UpdateUnreadCounts(ctx context.Context, j jobs.Job) error {
	var in ConversationMessagePayload
	if err := decode(j, &in); err != nil {
		p.logger.Error().Err(err).Str("job_id", j.ID).Msg("dropping unread counts job")
		return nil
	}
	return p.updateUnreadCounts(ctx, in)
}

func (p *Pipeline) updateUnreadCounts(ctx context.Context, in ConversationMessagePayload) error {
	conv, err := p.repo.GetConversation(ctx, in.ConversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			p.logger.Warn().Uint64("conversation_id", in.ConversationID).Msg("unread counts: conversation not found")
			return nil
		}
		return err
	}
	if _, err := p.repo.GetMessage(ctx, in.MessageID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			p.logger.Warn().Uint64("message_id", in.MessageID).Msg("unread counts: message not found")
			return nil
		}
		return err
	}

	var errs []error
	for _, participant := range conv.Participants() {
		if err := p.broadcastUnread(ctx, participant); err != nil {
			p.logger.Error().Err(err).Str("participant", participant.String()).Msg("unread count update failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// broadcastUnread sends ident's total unread count to their conversation stream.
func (p *Pipeline) broadcastUnread(ctx context.Context, ident identity.Identity) error {
	total, err := p.repo.UnreadTotal(ctx, ident)
	if err != nil {
		return fmt.Errorf("unread total for %s: %w", ident, err)
	}
	p.broadcaster.Send(ctx, broadcast.ConversationStream(ident.Kind, ident.ID), broadcast.UnreadCountUpdate{
		Type:        broadcast.TypeUnreadCountUpdate,
		UnreadCount: total,
		Timestamp:   p.now(),
	}, receiptRetries)
	return nil
}
