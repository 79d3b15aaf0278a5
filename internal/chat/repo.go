package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/marketplace-chat/internal/identity"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Conversation{}, &Message{})
}

func (r *Repo) DB() *gorm.DB { return r.db }

func (r *Repo) CreateConversation(ctx context.Context, c *Conversation) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// GetConversation returns gorm.ErrRecordNotFound when missing.
func (r *Repo) GetConversation(ctx context.Context, id uint64) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) GetMessage(ctx context.Context, id uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// AppendMessage inserts m and bumps conv.Version with a compare-and-swap in one
// transaction. ErrConflict means another writer got there first; the caller
// reloads and retries. On success conv reflects the new version.
func (r *Repo) AppendMessage(ctx context.Context, conv *Conversation, m *Message) error {
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	if m.SenderKind == "" || m.SenderID == 0 {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	if m.MessageType == "" {
		m.MessageType = TypeText
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.ConversationID = conv.ID
	m.Status = StatusSent
	m.DeliveredAt = nil
	m.ReadAt = nil

	now := m.CreatedAt
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Conversation{}).
			Where("id = ? AND version = ?", conv.ID, conv.Version).
			UpdateColumns(map[string]any{
				"version":    gorm.Expr("version + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return tx.Create(m).Error
	})
	if err != nil {
		return err
	}
	conv.Version++
	conv.UpdatedAt = now
	return nil
}

// Touch refreshes updated_at without moving the version.
func (r *Repo) Touch(ctx context.Context, conversationID uint64, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", conversationID).
		UpdateColumn("updated_at", at).Error
}

// MarkDelivered sets delivered_at once. Read or already-delivered messages are
// left untouched; the bool reports whether a row changed.
func (r *Repo) MarkDelivered(ctx context.Context, messageID uint64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND read_at IS NULL AND delivered_at IS NULL", messageID).
		UpdateColumns(map[string]any{
			"delivered_at": at,
			"status":       StatusDelivered,
			"updated_at":   at,
		})
	return res.RowsAffected > 0, res.Error
}

// MarkRead sets read_at once and backfills delivered_at.
func (r *Repo) MarkRead(ctx context.Context, messageID uint64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND read_at IS NULL", messageID).
		UpdateColumns(map[string]any{
			"read_at":      at,
			"delivered_at": gorm.Expr("COALESCE(delivered_at, ?)", at),
			"status":       StatusRead,
			"updated_at":   at,
		})
	return res.RowsAffected > 0, res.Error
}

// ListConversationsFor returns every conversation ident occupies a slot in.
func (r *Repo) ListConversationsFor(ctx context.Context, ident identity.Identity) ([]Conversation, error) {
	q := r.db.WithContext(ctx).Model(&Conversation{})
	switch ident.Kind {
	case identity.Buyer:
		q = q.Where("buyer_id = ?", ident.ID)
	case identity.Seller:
		q = q.Where("seller_id = ? OR inquirer_seller_id = ?", ident.ID, ident.ID)
	case identity.Admin:
		q = q.Where("admin_id = ? AND (admin_kind = ? OR admin_kind = '' OR admin_kind IS NULL)", ident.ID, identity.Admin)
	case identity.Operator:
		q = q.Where("admin_id = ? AND admin_kind = ?", ident.ID, identity.Operator)
	default:
		return nil, nil
	}
	var out []Conversation
	if err := q.Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
