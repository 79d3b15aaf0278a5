package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/suPer8Hu/marketplace-chat/internal/broadcast"
	"github.com/suPer8Hu/marketplace-chat/internal/chat"
	"github.com/suPer8Hu/marketplace-chat/internal/identity"
	"github.com/suPer8Hu/marketplace-chat/internal/jobs"
	"github.com/suPer8Hu/marketplace-chat/internal/kv"
	"github.com/suPer8Hu/marketplace-chat/internal/presence"
	"github.com/suPer8Hu/marketplace-chat/internal/testutil"
)

var (
	buyer1  = identity.Identity{Kind: identity.Buyer, ID: 1}
	buyer2  = identity.Identity{Kind: identity.Buyer, ID: 2}
	seller1 = identity.Identity{Kind: identity.Seller, ID: 1}
	admin1  = identity.Identity{Kind: identity.Admin, ID: 1}
)

type fixture struct {
	t        *testing.T
	db       *gorm.DB
	p        *Pipeline
	repo     *chat.Repo
	bus      *broadcast.MemoryBus
	store    *kv.Memory
	queue    *jobs.MemoryQueue
	presence *presence.Tracker

	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db := testutil.OpenDB(t, chat.AutoMigrate, identity.AutoMigrate)
	f := &fixture{
		t:     t,
		db:    db,
		repo:  chat.NewRepo(db),
		bus:   broadcast.NewMemoryBus(),
		queue: jobs.NewManualQueue(),
		now:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.store = kv.NewMemoryWithClock(f.clock)
	f.presence = presence.NewTracker(f.store, 5*time.Minute)

	for _, seed := range []any{
		&identity.BuyerAccount{Account: identity.Account{ID: 1, Name: "B1"}},
		&identity.BuyerAccount{Account: identity.Account{ID: 2, Name: "B2"}},
		&identity.SellerAccount{Account: identity.Account{ID: 1, Name: "S1"}},
		&identity.AdminAccount{Account: identity.Account{ID: 1, Name: "A1"}},
	} {
		if err := db.Create(seed).Error; err != nil {
			t.Fatalf("seed account: %v", err)
		}
	}

	f.p = New(Deps{
		Repo:        f.repo,
		Resolver:    identity.NewResolver(identity.NewAccountRepo(db).Lookups()...),
		Presence:    f.presence,
		Broadcaster: broadcast.NewBroadcaster(f.bus, 0, zerolog.Nop()),
		Store:       f.store,
		Queue:       f.queue,
		Logger:      zerolog.Nop(),
	}, opts)
	f.p.now = f.clock
	f.p.sleep = func(_ context.Context, d time.Duration) {
		f.mu.Lock()
		f.slept = append(f.slept, d)
		f.mu.Unlock()
	}
	return f
}

func (f *fixture) conversation(c *chat.Conversation) *chat.Conversation {
	f.t.Helper()
	if err := f.repo.CreateConversation(context.Background(), c); err != nil {
		f.t.Fatalf("create conversation: %v", err)
	}
	return c
}

// buyerSellerConversation is conversation 42 between B1 and S1.
func (f *fixture) buyerSellerConversation() *chat.Conversation {
	return f.conversation(&chat.Conversation{
		ID:       42,
		BuyerID:  testutil.Ptr[uint64](1),
		SellerID: testutil.Ptr[uint64](1),
	})
}

func (f *fixture) job(kind jobs.Kind, payload any) jobs.Job {
	f.t.Helper()
	j, err := jobs.New(kind, payload)
	if err != nil {
		f.t.Fatalf("new job: %v", err)
	}
	return j
}

func (f *fixture) subscribe(stream string) broadcast.Subscription {
	f.t.Helper()
	sub, err := f.bus.Subscribe(context.Background(), stream)
	if err != nil {
		f.t.Fatalf("subscribe %s: %v", stream, err)
	}
	f.t.Cleanup(func() { _ = sub.Close() })
	return sub
}

// events drains whatever is buffered on sub without blocking.
func events(sub broadcast.Subscription) []map[string]any {
	var out []map[string]any
	for {
		select {
		case raw, ok := <-sub.C():
			if !ok {
				return out
			}
			var m map[string]any
			_ = json.Unmarshal(raw, &m)
			out = append(out, m)
		default:
			return out
		}
	}
}

func ofType(evs []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, e := range evs {
		if e["type"] == typ {
			out = append(out, e)
		}
	}
	return out
}

func kinds(js []jobs.Job) map[jobs.Kind]int {
	out := make(map[jobs.Kind]int)
	for _, j := range js {
		out[j.Kind]++
	}
	return out
}

func (f *fixture) send(sender identity.Identity, convID uint64, content string) {
	f.t.Helper()
	err := f.p.Ingest(context.Background(), f.job(jobs.KindIngestMessage, IngestPayload{
		ConversationID: convID,
		Content:        content,
		SenderKind:     sender.Kind,
		SenderID:       sender.ID,
		SenderSession:  "sess-" + sender.Key(),
		MessageType:    chat.TypeText,
	}))
	if err != nil {
		f.t.Fatalf("ingest must swallow errors, got %v", err)
	}
}

func (f *fixture) messages() []chat.Message {
	f.t.Helper()
	var out []chat.Message
	if err := f.db.Order("id ASC").Find(&out).Error; err != nil {
		f.t.Fatalf("list messages: %v", err)
	}
	return out
}
