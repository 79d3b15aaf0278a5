package pipeline

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/suPer8Hu/marketplace-chat/internal/chat"
	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/jobs"
	"github.com/suPer8Hu/marketplace-chat/internal/testutil"
)

type recordingNotifier struct {
	calls [][]identity.Identity
}

func (n *recordingNotifier) NotifyOffline(_ context.Context, _ *chat.Conversation, _ *chat.Message, recipients []identity.Identity) error {
	n.calls = append(n.calls, recipients)
	return nil
}

type recordingModerator struct{ seen []uint64 }

func (m *recordingModerator) Moderate(_ context.Context, msg *chat.Message) error {
	m.seen = append(m.seen, msg.ID)
	return nil
}

func TestNotifyOffline_OnlyOfflineRecipients(t *testing.T) {
	f := newFixture(t, Options{})
	n := &recordingNotifier{}
	f.p.notifier = n
	conv := f.conversation(&chat.Conversation{
		ID:       50,
		BuyerID:  testutil.Ptr[uint64](1),
		SellerID: testutil.Ptr[uint64](1),
		AdminID:  testutil.Ptr[uint64](1),
	})
	ctx := context.Background()
	_ = f.presence.Touch(ctx, admin1)

	f.send(buyer1, conv.ID, "anyone there?")
	m := f.messages()[0]
	j := f.job(jobs.KindNotifyOffline, ConversationMessagePayload{ConversationID: conv.ID, MessageID: m.ID})
	if err := f.p.NotifyOffline(ctx, j); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(n.calls) != 1 || len(n.calls[0]) != 1 || n.calls[0][0] != seller1 {
		t.Fatalf("expected only the offline seller to be notified, got %v", n.calls)
	}

	_ = f.presence.Touch(ctx, seller1)
	if err := f.p.NotifyOffline(ctx, j); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(n.calls) != 1 {
		t.Fatalf("nobody offline, notifier should not be called again")
	}
}

func TestModerate_CallsHookForExistingMessage(t *testing.T) {
	f := newFixture(t, Options{})
	mod := &recordingModerator{}
	f.p.moderator = mod
	conv := f.buyerSellerConversation()
	f.send(buyer1, conv.ID, "hi")
	m := f.messages()[0]

	ctx := context.Background()
	if err := f.p.Moderate(ctx, f.job(jobs.KindModerateContent, ModeratePayload{MessageID: m.ID})); err != nil {
		t.Fatalf("moderate: %v", err)
	}
	if err := f.p.Moderate(ctx, f.job(jobs.KindModerateContent, ModeratePayload{MessageID: 999})); err != nil {
		t.Fatalf("missing message should be ignored, got %v", err)
	}
	if len(mod.seen) != 1 || mod.seen[0] != m.ID {
		t.Fatalf("unexpected moderation calls %v", mod.seen)
	}
}

func TestRegister_TracesEachJob(t *testing.T) {
	f := newFixture(t, Options{})
	rec := tracetest.NewSpanRecorder()
	f.p.tracer = trace.NewTracerProvider(trace.WithSpanProcessor(rec)).Tracer("test")
	pool := jobs.NewPool(f.queue, f.p.logger)
	f.p.Register(pool)
	f.buyerSellerConversation()

	if err := pool.Handle(context.Background(), f.job(jobs.KindIngestMessage, IngestPayload{
		ConversationID: 42,
		Content:        "traced",
		SenderKind:     identity.Buyer,
		SenderID:       1,
		MessageType:    chat.TypeText,
	})); err != nil {
		t.Fatalf("handle: %v", err)
	}

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != "pipeline.ingest_message" {
		t.Fatalf("expected one ingest span, got %d", len(spans))
	}
	if len(f.messages()) != 1 {
		t.Fatalf("expected the traced job to persist a message")
	}
}
