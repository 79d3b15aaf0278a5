package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/testutil"
)

func newRepo(t *testing.T) *Repo {
	t.Helper()
	return NewRepo(testutil.OpenDB(t, AutoMigrate))
}

func seedConversation(t *testing.T, r *Repo, c *Conversation) *Conversation {
	t.Helper()
	if err := r.CreateConversation(context.Background(), c); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func appendFrom(t *testing.T, r *Repo, convID uint64, sender identity.Identity, content string) *Message {
	t.Helper()
	ctx := context.Background()
	conv, err := r.GetConversation(ctx, convID)
	if err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	m := &Message{SenderKind: sender.Kind, SenderID: sender.ID, Content: content}
	if err := r.AppendMessage(ctx, conv, m); err != nil {
		t.Fatalf("append: %v", err)
	}
	return m
}

var (
	buyer1  = identity.Identity{Kind: identity.Buyer, ID: 1}
	seller1 = identity.Identity{Kind: identity.Seller, ID: 1}
	seller2 = identity.Identity{Kind: identity.Seller, ID: 2}
	admin1  = identity.Identity{Kind: identity.Admin, ID: 1}
)

func TestConversation_ParticipantRules(t *testing.T) {
	c := &Conversation{ID: 42, BuyerID: testutil.Ptr[uint64](1), SellerID: testutil.Ptr[uint64](1)}

	if !c.IsParticipant(buyer1) || !c.IsParticipant(seller1) {
		t.Fatalf("buyer and seller slots should be participants")
	}
	if c.IsParticipant(identity.Identity{Kind: identity.Buyer, ID: 2}) {
		t.Fatalf("other buyer must not be a participant")
	}
	if c.IsParticipant(seller2) {
		t.Fatalf("other seller must not be a participant")
	}
	if !c.IsParticipant(admin1) || !c.IsParticipant(identity.Identity{Kind: identity.Operator, ID: 9}) {
		t.Fatalf("staff is always authorized")
	}

	c.InquirerSellerID = testutil.Ptr[uint64](2)
	if !c.IsParticipant(seller2) {
		t.Fatalf("inquirer seller should be a participant")
	}

	got, ok := c.Recipient(buyer1)
	if !ok || got != seller1 {
		t.Fatalf("expected seller#1 as recipient, got %v", got)
	}
	if n := len(c.Participants()); n != 3 {
		t.Fatalf("expected 3 participants, got %d", n)
	}
}

func TestConversation_AdminSlotKind(t *testing.T) {
	c := &Conversation{AdminID: testutil.Ptr[uint64](4), AdminKind: identity.Operator}
	ps := c.Participants()
	if len(ps) != 1 || ps[0].Kind != identity.Operator {
		t.Fatalf("expected operator in admin slot, got %v", ps)
	}
	c.AdminKind = ""
	if c.Participants()[0].Kind != identity.Admin {
		t.Fatalf("empty admin kind should mean admin")
	}
}

func TestAppendMessage_VersionCAS(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	conv := seedConversation(t, r, &Conversation{BuyerID: testutil.Ptr[uint64](1), SellerID: testutil.Ptr[uint64](1)})

	stale := *conv
	m := &Message{SenderKind: identity.Buyer, SenderID: 1, Content: "hi"}
	if err := r.AppendMessage(ctx, conv, m); err != nil {
		t.Fatalf("append: %v", err)
	}
	if conv.Version != 1 {
		t.Fatalf("expected version 1, got %d", conv.Version)
	}
	if m.Status != StatusSent || m.DeliveredAt != nil || m.ReadAt != nil {
		t.Fatalf("fresh message must be sent with no receipts: %+v", m)
	}

	err := r.AppendMessage(ctx, &stale, &Message{SenderKind: identity.Buyer, SenderID: 1, Content: "again"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}

	var count int64
	r.DB().Model(&Message{}).Count(&count)
	if count != 1 {
		t.Fatalf("conflicting append must not insert, got %d messages", count)
	}
}

func TestAppendMessage_RejectsInvalid(t *testing.T) {
	r := newRepo(t)
	conv := seedConversation(t, r, &Conversation{BuyerID: testutil.Ptr[uint64](1)})
	err := r.AppendMessage(context.Background(), conv, &Message{SenderKind: identity.Buyer, SenderID: 1, Content: "   "})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestReceipts_AreMonotonic(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	conv := seedConversation(t, r, &Conversation{BuyerID: testutil.Ptr[uint64](1), SellerID: testutil.Ptr[uint64](1)})
	m := appendFrom(t, r, conv.ID, buyer1, "hello")

	readAt := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	changed, err := r.MarkRead(ctx, m.ID, readAt)
	if err != nil || !changed {
		t.Fatalf("mark read: changed=%v err=%v", changed, err)
	}

	changed, err = r.MarkRead(ctx, m.ID, time.Now())
	if err != nil || changed {
		t.Fatalf("second mark read should be a no-op: changed=%v err=%v", changed, err)
	}
	changed, err = r.MarkDelivered(ctx, m.ID, time.Now())
	if err != nil || changed {
		t.Fatalf("delivery after read should be a no-op: changed=%v err=%v", changed, err)
	}

	got, _ := r.GetMessage(ctx, m.ID)
	if got.DerivedStatus() != StatusRead || got.Status != StatusRead {
		t.Fatalf("expected read, got status=%s derived=%s", got.Status, got.DerivedStatus())
	}
	if got.DeliveredAt == nil {
		t.Fatalf("read should backfill delivered_at")
	}
	if !got.ReadAt.Equal(readAt) {
		t.Fatalf("read_at moved: %s -> %s", readAt, got.ReadAt)
	}
}

func TestMarkDelivered_Once(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	conv := seedConversation(t, r, &Conversation{BuyerID: testutil.Ptr[uint64](1), SellerID: testutil.Ptr[uint64](1)})
	m := appendFrom(t, r, conv.ID, buyer1, "hello")

	if changed, err := r.MarkDelivered(ctx, m.ID, time.Now()); err != nil || !changed {
		t.Fatalf("first delivery: changed=%v err=%v", changed, err)
	}
	if changed, _ := r.MarkDelivered(ctx, m.ID, time.Now()); changed {
		t.Fatalf("second delivery should not change the row")
	}
	got, _ := r.GetMessage(ctx, m.ID)
	if got.Status != StatusDelivered {
		t.Fatalf("expected delivered, got %s", got.Status)
	}
}

func TestUnread_BuyerCountsSellerAndAdmin(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	conv := seedConversation(t, r, &Conversation{
		BuyerID: testutil.Ptr[uint64](1), SellerID: testutil.Ptr[uint64](1), AdminID: testutil.Ptr[uint64](1),
	})

	for i := 0; i < 3; i++ {
		appendFrom(t, r, conv.ID, seller1, "from seller")
	}
	for i := 0; i < 2; i++ {
		appendFrom(t, r, conv.ID, admin1, "from admin")
	}
	appendFrom(t, r, conv.ID, buyer1, "own")

	n, err := r.UnreadCount(ctx, conv, buyer1)
	if err != nil || n != 5 {
		t.Fatalf("expected N+M=5, got %d err=%v", n, err)
	}

	var ids []uint64
	r.DB().Model(&Message{}).Where("sender_kind <> ?", identity.Buyer).Pluck("id", &ids)
	for _, id := range ids {
		if _, err := r.MarkRead(ctx, id, time.Now()); err != nil {
			t.Fatalf("mark read: %v", err)
		}
	}
	if n, _ := r.UnreadCount(ctx, conv, buyer1); n != 0 {
		t.Fatalf("expected zero after reading everything, got %d", n)
	}

	// seller counts the buyer's message, admin counts buyer + seller
	if n, _ := r.UnreadCount(ctx, conv, seller1); n != 1 {
		t.Fatalf("expected seller unread 1, got %d", n)
	}
}

func TestUnread_SellerToSeller(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	conv := seedConversation(t, r, &Conversation{SellerID: testutil.Ptr[uint64](1), InquirerSellerID: testutil.Ptr[uint64](2)})

	appendFrom(t, r, conv.ID, seller2, "inquiry")
	appendFrom(t, r, conv.ID, seller2, "inquiry 2")
	appendFrom(t, r, conv.ID, seller1, "reply")

	if n, _ := r.UnreadCount(ctx, conv, seller1); n != 2 {
		t.Fatalf("seller#1 should count the peer's 2 messages, got %d", n)
	}
	if n, _ := r.UnreadCount(ctx, conv, seller2); n != 1 {
		t.Fatalf("seller#2 should count 1 reply, got %d", n)
	}
}

func TestUnreadTotal_SumsAcrossConversations(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	a := seedConversation(t, r, &Conversation{BuyerID: testutil.Ptr[uint64](1), SellerID: testutil.Ptr[uint64](1)})
	b := seedConversation(t, r, &Conversation{SellerID: testutil.Ptr[uint64](2), InquirerSellerID: testutil.Ptr[uint64](1)})
	seedConversation(t, r, &Conversation{BuyerID: testutil.Ptr[uint64](9), SellerID: testutil.Ptr[uint64](3)})

	appendFrom(t, r, a.ID, buyer1, "hi")
	appendFrom(t, r, a.ID, buyer1, "anyone?")
	appendFrom(t, r, b.ID, seller2, "peer")
	appendFrom(t, r, b.ID, seller1, "mine")

	n, err := r.UnreadTotal(ctx, seller1)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 2 buyer + 1 peer message, got %d", n)
	}

	if n, _ := r.UnreadTotal(ctx, identity.Identity{Kind: identity.Buyer, ID: 77}); n != 0 {
		t.Fatalf("identity without conversations should have 0, got %d", n)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	r := newRepo(t)
	if _, err := r.GetConversation(context.Background(), 999); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestSanitize_Whitelist(t *testing.T) {
	cases := map[string]string{
		"<b>bold</b> and <i>it</i>":                "<b>bold</b> and <i>it</i>",
		"<script>alert(1)</script>hi":              "hi",
		`<a href="x">link</a> <strong>s</strong>`: "link <strong>s</strong>",
		"<u>u</u><em>e</em><div>d</div>":           "<u>u</u><em>e</em>d",
	}
	for in, want := range cases {
		if got := Sanitize(in); got != want {
			t.Fatalf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
