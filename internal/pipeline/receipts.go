package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
	"github.com/suPer8Hu/marketplace-chat/internal/chat"
	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/jobs"
)

type readMarker struct {
	MessageID  uint64    `json:"message_id"`
	ReaderID   uint64    `json:"reader_id"`
	ReaderType string    `json:"reader_type"`
	ReadAt     time.Time `json:"read_at"`
}

func ReadMarkerKey(messageID uint64, reader identity.Identity) string {
	return fmt.Sprintf("message_read:%d:%s", messageID, reader.Key())
}

// ProcessReadReceipt marks a message read on behalf of a reader. Unlike the
// other workers it returns transient errors so the pool retries and finally
// dead-letters the job.
func (p *Pipeline) ProcessReadReceipt(ctx context.Context, j jobs.Job) error {
	var in ReadReceiptPayload
	if err := decode(j, &in); err != nil {
		p.logger.Error().Err(err).Str("job_id", j.ID).Msg("dropping read receipt job")
		return nil
	}
	log := p.logger.With().Uint64("message_id", in.MessageID).Uint64("reader_id", in.ReaderID).Logger()

	reader, err := p.resolveReader(ctx, in)
	if err != nil {
		return fmt.Errorf("resolve reader: %w", err)
	}
	if reader == nil {
		log.Warn().Msg("reader not found")
		return nil
	}

	msg, err := p.repo.GetMessage(ctx, in.MessageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn().Msg("message not found")
			return nil
		}
		return fmt.Errorf("load message: %w", err)
	}
	if reader.Is(msg.SenderKind, msg.SenderID) {
		log.Debug().Msg("skipping read receipt for own message")
		return nil
	}
	conv, err := p.repo.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn().Uint64("conversation_id", msg.ConversationID).Msg("conversation not found")
			return nil
		}
		return fmt.Errorf("load conversation: %w", err)
	}
	if !conv.IsParticipant(*reader) {
		log.Warn().Err(chat.ErrNotParticipant).Str("reader", reader.String()).Uint64("conversation_id", conv.ID).Msg("read receipt dropped")
		return nil
	}

	if _, err := p.markRead(ctx, msg, *reader); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) resolveReader(ctx context.Context, in ReadReceiptPayload) (*identity.Identity, error) {
	if in.ReaderKind != "" {
		return p.resolver.Resolve(ctx, in.ReaderKind, in.ReaderID)
	}
	return p.resolver.ResolveAny(ctx, in.ReaderID)
}

// markRead sets read_at once, writes the read marker and, on the first read,
// tells the sender and refreshes the reader's unread total.
func (p *Pipeline) markRead(ctx context.Context, msg *chat.Message, reader identity.Identity) (bool, error) {
	at := p.now()
	changed, err := p.repo.MarkRead(ctx, msg.ID, at)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}

	raw, _ := json.Marshal(readMarker{
		MessageID:  msg.ID,
		ReaderID:   reader.ID,
		ReaderType: string(reader.Kind),
		ReadAt:     at,
	})
	if _, err := p.store.SetNX(ctx, ReadMarkerKey(msg.ID, reader), string(raw), p.opts.ReadMarkerTTL); err != nil {
		return changed, fmt.Errorf("write read marker: %w", err)
	}
	if !changed {
		return false, nil
	}

	msg.ReadAt = &at
	if msg.DeliveredAt == nil {
		msg.DeliveredAt = &at
	}
	msg.Status = chat.StatusRead

	sender := msg.Sender()
	p.broadcaster.Send(ctx, broadcast.PresenceStream(sender.Kind, sender.ID), broadcast.MessageRead{
		Type:           broadcast.TypeMessageRead,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		ReadAt:         msg.ReadAt,
	}, receiptRetries)

	p.bestEffort("reader_unread_count", func() error {
		return p.broadcastUnread(ctx, reader)
	})
	return true, nil
}

// Receipt names which presence-channel receipt a client reported.
type Receipt int

const (
	Delivered Receipt = iota
	Read
)

// ApplyReceipt handles message_delivered / message_read reported by a
// connected reader. Non-participants, the sender themself and unknown
// messages are ignored.
func (p *Pipeline) ApplyReceipt(ctx context.Context, reader identity.Identity, messageID uint64, kind Receipt) error {
	msg, err := p.repo.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if reader.Is(msg.SenderKind, msg.SenderID) {
		return nil
	}
	conv, err := p.repo.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if !conv.IsParticipant(reader) {
		return chat.ErrNotParticipant
	}

	switch kind {
	case Read:
		_, err = p.markRead(ctx, msg, reader)
	default:
		_, err = p.markDelivered(ctx, msg)
	}
	return err
}
