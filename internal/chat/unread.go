package chat

import (
	"context"

	"gorm.io/gorm"

	"github.com/suPer8Hu/marketplace-chat/internal/identity"
)

// unreadRule narrows unread messages to those reader should count.
type unreadRule func(q *gorm.DB) *gorm.DB

func senderIn(kinds ...identity.Kind) unreadRule {
	return func(q *gorm.DB) *gorm.DB {
		return q.Where("sender_kind IN ?", kinds)
	}
}

func notSentBy(ident identity.Identity) unreadRule {
	return func(q *gorm.DB) *gorm.DB {
		return q.Where("NOT (sender_kind = ? AND sender_id = ?)", ident.Kind, ident.ID)
	}
}

// ruleFor picks the role-specific counting rule. The string names the rule so
// conversations sharing a rule can be counted in one query.
func ruleFor(c *Conversation, reader identity.Identity) (string, unreadRule) {
	switch reader.Kind {
	case identity.Buyer:
		return "buyer", senderIn(identity.Seller, identity.Admin, identity.Operator)
	case identity.Seller:
		if c.SellerToSeller() {
			return "seller_peer", notSentBy(reader)
		}
		return "seller", senderIn(identity.Buyer, identity.Admin, identity.Operator)
	default:
		return "staff", senderIn(identity.Buyer, identity.Seller)
	}
}

// UnreadCount counts unread messages for reader inside one conversation.
func (r *Repo) UnreadCount(ctx context.Context, c *Conversation, reader identity.Identity) (int64, error) {
	_, rule := ruleFor(c, reader)
	var n int64
	err := rule(r.db.WithContext(ctx).Model(&Message{}).
		Where("conversation_id = ? AND read_at IS NULL", c.ID)).
		Count(&n).Error
	return n, err
}

// UnreadTotal sums reader's unread count across all of their conversations.
func (r *Repo) UnreadTotal(ctx context.Context, reader identity.Identity) (int64, error) {
	convs, err := r.ListConversationsFor(ctx, reader)
	if err != nil {
		return 0, err
	}

	type group struct {
		rule unreadRule
		ids  []uint64
	}
	groups := make(map[string]*group)
	var order []string
	for i := range convs {
		name, rule := ruleFor(&convs[i], reader)
		g, ok := groups[name]
		if !ok {
			g = &group{rule: rule}
			groups[name] = g
			order = append(order, name)
		}
		g.ids = append(g.ids, convs[i].ID)
	}

	var total int64
	for _, name := range order {
		g := groups[name]
		var n int64
		if err := g.rule(r.db.WithContext(ctx).Model(&Message{}).
			Where("conversation_id IN ? AND read_at IS NULL", g.ids)).
			Count(&n).Error; err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
