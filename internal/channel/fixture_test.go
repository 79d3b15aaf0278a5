package channel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
	"github.com/suPer8Hu/marketplace-chat/internal/chat"
	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/kv"
	"github.com/suPer8Hu/marketplace-chat/internal/pipeline"
	"github.com/suPer8Hu/marketplace-chat/internal/presence"
	"github.com/suPer8Hu/marketplace-chat/internal/ratelimit"
	"github.com/suPer8Hu/marketplace-chat/internal/testutil"
)

var (
	buyer1  = identity.Identity{Kind: identity.Buyer, ID: 1, Name: "B1"}
	buyer2  = identity.Identity{Kind: identity.Buyer, ID: 2, Name: "B2"}
	seller1 = identity.Identity{Kind: identity.Seller, ID: 1, Name: "S1"}
)

type frame struct {
	Channel string
	Message map[string]any
}

type fakeConn struct {
	id, session string

	mu     sync.Mutex
	ident  *identity.Identity
	frames []frame
}

func newConn(ident *identity.Identity) *fakeConn {
	return &fakeConn{id: "conn-1", session: "sess-1", ident: ident}
}

func (c *fakeConn) ID() string        { return c.id }
func (c *fakeConn) SessionID() string { return c.session }

func (c *fakeConn) Identity() *identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ident
}

func (c *fakeConn) BindIdentity(ident identity.Identity) {
	c.mu.Lock()
	c.ident = &ident
	c.mu.Unlock()
}

func (c *fakeConn) Transmit(channel string, v any) {
	raw, _ := json.Marshal(v)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	c.mu.Lock()
	c.frames = append(c.frames, frame{Channel: channel, Message: m})
	c.mu.Unlock()
}

func (c *fakeConn) sent() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame(nil), c.frames...)
}

// waitFrames polls until at least n frames arrived.
func (c *fakeConn) waitFrames(t *testing.T, n int) []frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.sent(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d frames, got %v", n, c.sent())
	return nil
}

type receiptCall struct {
	reader    identity.Identity
	messageID uint64
	kind      pipeline.Receipt
}

type fakePipeline struct {
	mu         sync.Mutex
	ingests    []pipeline.IngestPayload
	reads      []pipeline.ReadReceiptPayload
	receipts   []receiptCall
	receiptErr error
	// block, when set, holds ApplyReceipt until it is closed
	block chan struct{}
}

func (p *fakePipeline) EnqueueIngest(_ context.Context, in pipeline.IngestPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ingests = append(p.ingests, in)
	return nil
}

func (p *fakePipeline) EnqueueReadReceipt(_ context.Context, in pipeline.ReadReceiptPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads = append(p.reads, in)
	return nil
}

func (p *fakePipeline) ApplyReceipt(_ context.Context, reader identity.Identity, messageID uint64, kind pipeline.Receipt) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts = append(p.receipts, receiptCall{reader: reader, messageID: messageID, kind: kind})
	return p.receiptErr
}

type forgotten struct {
	ident   identity.Identity
	session string
}

type fakeConnections struct {
	mu   sync.Mutex
	gone []forgotten
}

func (f *fakeConnections) ForgetConnection(_ context.Context, ident identity.Identity, sessionID string, _ bool) {
	f.mu.Lock()
	f.gone = append(f.gone, forgotten{ident: ident, session: sessionID})
	f.mu.Unlock()
}

type fixture struct {
	t           *testing.T
	repo        *chat.Repo
	bus         *broadcast.MemoryBus
	store       *kv.Memory
	tracker     *presence.Tracker
	pipeline    *fakePipeline
	connections *fakeConnections
	deps        Deps
}

func newFixture(t *testing.T, rateMax int) *fixture {
	t.Helper()
	db := testutil.OpenDB(t, chat.AutoMigrate, identity.AutoMigrate)
	for _, seed := range []any{
		&identity.BuyerAccount{Account: identity.Account{ID: 1, Name: "B1"}},
		&identity.BuyerAccount{Account: identity.Account{ID: 2, Name: "B2"}},
		&identity.SellerAccount{Account: identity.Account{ID: 1, Name: "S1"}},
	} {
		if err := db.Create(seed).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	f := &fixture{
		t:           t,
		repo:        chat.NewRepo(db),
		bus:         broadcast.NewMemoryBus(),
		store:       kv.NewMemory(),
		pipeline:    &fakePipeline{},
		connections: &fakeConnections{},
	}
	f.tracker = presence.NewTracker(f.store, 5*time.Minute)
	f.deps = Deps{
		Resolver:    identity.NewResolver(identity.NewAccountRepo(db).Lookups()...),
		Repo:        f.repo,
		Limiter:     ratelimit.New(f.store, time.Minute, rateMax, zerolog.Nop()),
		Broadcaster: broadcast.NewBroadcaster(f.bus, 0, zerolog.Nop()),
		Presence:    f.tracker,
		Pipeline:    f.pipeline,
		Connections: f.connections,
		Logger:      zerolog.Nop(),
	}

	// conversation 42: B1 and S1
	if err := f.repo.CreateConversation(context.Background(), &chat.Conversation{
		ID:       42,
		BuyerID:  testutil.Ptr[uint64](1),
		SellerID: testutil.Ptr[uint64](1),
	}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return f
}

func (f *fixture) follow(stream string) broadcast.Subscription {
	f.t.Helper()
	sub, err := f.bus.Subscribe(context.Background(), stream)
	if err != nil {
		f.t.Fatalf("subscribe %s: %v", stream, err)
	}
	f.t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func drain(sub broadcast.Subscription) []map[string]any {
	var out []map[string]any
	for {
		select {
		case b, ok := <-sub.C():
			if !ok {
				return out
			}
			var m map[string]any
			_ = json.Unmarshal(b, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }
