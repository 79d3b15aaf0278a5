package identity

import (
	"context"
	"strings"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestResolveAny_Precedence(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// same id in seller and admin tables: seller wins, buyer table is empty
	if err := db.Create(&SellerAccount{Account{ID: 5, Name: "Shop"}}).Error; err != nil {
		t.Fatalf("seed seller: %v", err)
	}
	if err := db.Create(&AdminAccount{Account{ID: 5, Name: "Root"}}).Error; err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	r := NewResolver(NewAccountRepo(db).Lookups()...)
	got, err := r.ResolveAny(ctx, 5)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got == nil || got.Kind != Seller || got.Name != "Shop" {
		t.Fatalf("expected seller#5, got %+v", got)
	}

	none, err := r.ResolveAny(ctx, 99)
	if err != nil || none != nil {
		t.Fatalf("expected nil for unknown id, got %+v err=%v", none, err)
	}
}

func TestFind_SoftDeletedIsNil(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	b := &BuyerAccount{Account{ID: 1, Name: "Gone"}}
	if err := db.Create(b).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := db.Delete(b).Error; err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	got, err := NewAccountRepo(db).Find(ctx, Buyer, 1)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got != nil {
		t.Fatalf("expected soft-deleted buyer to be nil, got %+v", got)
	}
}

func TestResolve_UnknownKind(t *testing.T) {
	r := NewResolver()
	if _, err := r.Resolve(context.Background(), Buyer, 1); err == nil {
		t.Fatalf("expected error for unregistered kind")
	}
}

func TestParseKind(t *testing.T) {
	cases := map[string]Kind{"Buyer": Buyer, " seller ": Seller, "ADMIN": Admin, "SalesUser": Operator, "operator": Operator}
	for in, want := range cases {
		got, ok := ParseKind(in)
		if !ok || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseKind("guest"); ok {
		t.Fatalf("expected guest to be rejected")
	}
}
