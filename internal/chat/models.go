package chat

import (
	"time"

	"github.com/suPer8Hu/marketplace-chat/internal/identity"
)

const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

const (
	TypeText  = "text"
	TypeImage = "image"
	TypeFile  = "file"
)

// Conversation membership is fixed at creation; this package never rewrites
// the role columns. Version guards concurrent appends.
type Conversation struct {
	ID               uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	BuyerID          *uint64       `gorm:"index" json:"buyer_id"`
	SellerID         *uint64       `gorm:"index" json:"seller_id"`
	InquirerSellerID *uint64       `gorm:"index" json:"inquirer_seller_id"`
	AdminID          *uint64       `gorm:"index" json:"admin_id"`
	AdminKind        identity.Kind `gorm:"type:varchar(16);not null;default:admin" json:"admin_kind"`
	AdID             *uint64       `gorm:"index" json:"ad_id"`
	Version          uint64        `gorm:"not null;default:0" json:"version"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

// Participants lists the non-null role slots: buyer, seller, inquirer seller, admin.
func (c *Conversation) Participants() []identity.Identity {
	out := make([]identity.Identity, 0, 4)
	seen := make(map[string]bool, 4)
	add := func(kind identity.Kind, id *uint64) {
		if id == nil || *id == 0 {
			return
		}
		p := identity.Identity{Kind: kind, ID: *id}
		if seen[p.Key()] {
			return
		}
		seen[p.Key()] = true
		out = append(out, p)
	}
	add(identity.Buyer, c.BuyerID)
	add(identity.Seller, c.SellerID)
	add(identity.Seller, c.InquirerSellerID)
	add(c.adminKind(), c.AdminID)
	return out
}

func (c *Conversation) adminKind() identity.Kind {
	if c.AdminKind == identity.Operator {
		return identity.Operator
	}
	return identity.Admin
}

// IsParticipant applies the role rule: buyers and sellers must occupy a slot,
// staff may act in any conversation.
func (c *Conversation) IsParticipant(ident identity.Identity) bool {
	switch {
	case ident.Kind.Staff():
		return true
	case ident.Kind == identity.Buyer:
		return eq(c.BuyerID, ident.ID)
	case ident.Kind == identity.Seller:
		return eq(c.SellerID, ident.ID) || eq(c.InquirerSellerID, ident.ID)
	}
	return false
}

// SellerToSeller reports whether both seller slots are filled.
func (c *Conversation) SellerToSeller() bool {
	return c.SellerID != nil && c.InquirerSellerID != nil
}

// Others returns every participant except ident.
func (c *Conversation) Others(ident identity.Identity) []identity.Identity {
	var out []identity.Identity
	for _, p := range c.Participants() {
		if p.Kind == ident.Kind && p.ID == ident.ID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Recipient is the first participant that is not the sender.
func (c *Conversation) Recipient(sender identity.Identity) (identity.Identity, bool) {
	others := c.Others(sender)
	if len(others) == 0 {
		return identity.Identity{}, false
	}
	return others[0], true
}

func eq(p *uint64, id uint64) bool {
	return p != nil && *p == id
}

type Message struct {
	ID             uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uint64        `gorm:"not null;index;index:idx_messages_conv_read,priority:1" json:"conversation_id"`
	SenderKind     identity.Kind `gorm:"type:varchar(16);not null;index:idx_messages_sender,priority:1" json:"sender_type"`
	SenderID       uint64        `gorm:"not null;index:idx_messages_sender,priority:2" json:"sender_id"`
	Content        string        `gorm:"type:text;not null" json:"content"`
	MessageType    string        `gorm:"type:varchar(16);not null;default:text" json:"message_type"`
	Status         string        `gorm:"type:varchar(16);not null;default:sent" json:"status"`
	AdID           *uint64       `gorm:"index" json:"ad_id"`
	ProductContext *string       `gorm:"type:text" json:"-"`
	DeliveredAt    *time.Time    `json:"delivered_at"`
	ReadAt         *time.Time    `gorm:"index:idx_messages_conv_read,priority:2" json:"read_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (Message) TableName() string { return "messages" }

func (m *Message) Sender() identity.Identity {
	return identity.Identity{Kind: m.SenderKind, ID: m.SenderID}
}

// DerivedStatus: read_at wins over delivered_at, which wins over sent.
func (m *Message) DerivedStatus() string {
	switch {
	case m.ReadAt != nil:
		return StatusRead
	case m.DeliveredAt != nil:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// MessageView is the broadcast shape of a message.
type MessageView struct {
	ID             uint64     `json:"id"`
	ConversationID uint64     `json:"conversation_id"`
	Content        string     `json:"content"`
	SenderType     string     `json:"sender_type"`
	SenderID       uint64     `json:"sender_id"`
	AdID           *uint64    `json:"ad_id"`
	MessageType    string     `json:"message_type"`
	CreatedAt      time.Time  `json:"created_at"`
	Status         string     `json:"status"`
	DeliveredAt    *time.Time `json:"delivered_at"`
	ReadAt         *time.Time `json:"read_at"`
}

func (m *Message) View() MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		SenderType:     string(m.SenderKind),
		SenderID:       m.SenderID,
		AdID:           m.AdID,
		MessageType:    m.MessageType,
		CreatedAt:      m.CreatedAt,
		Status:         m.DerivedStatus(),
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
	}
}
