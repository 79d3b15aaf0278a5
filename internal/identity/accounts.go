package identity

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Account holds the columns shared by every account table; soft-deleted rows never resolve.
type Account struct {
	ID        uint64         `gorm:"primaryKey;autoIncrement"`
	Email     string         `gorm:"type:varchar(255);index"`
	Name      string         `gorm:"type:varchar(255)"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

type BuyerAccount struct{ Account }

func (BuyerAccount) TableName() string { return "buyers" }

type SellerAccount struct{ Account }

func (SellerAccount) TableName() string { return "sellers" }

type AdminAccount struct{ Account }

func (AdminAccount) TableName() string { return "admins" }

type OperatorAccount struct{ Account }

func (OperatorAccount) TableName() string { return "sales_users" }

// AccountRepo reads the external account tables.
type AccountRepo struct {
	db *gorm.DB
}

func NewAccountRepo(db *gorm.DB) *AccountRepo {
	return &AccountRepo{db: db}
}

func (a Account) row() Account { return a }

type accountRow interface{ row() Account }

func take[T accountRow](ctx context.Context, db *gorm.DB, id uint64) (*Account, error) {
	var m T
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	a := m.row()
	return &a, nil
}

// Find returns nil, nil when the account is missing or soft-deleted.
func (r *AccountRepo) Find(ctx context.Context, kind Kind, id uint64) (*Identity, error) {
	if id == 0 {
		return nil, nil
	}
	var (
		a   *Account
		err error
	)
	switch kind {
	case Buyer:
		a, err = take[BuyerAccount](ctx, r.db, id)
	case Seller:
		a, err = take[SellerAccount](ctx, r.db, id)
	case Admin:
		a, err = take[AdminAccount](ctx, r.db, id)
	case Operator:
		a, err = take[OperatorAccount](ctx, r.db, id)
	default:
		return nil, nil
	}
	if err != nil || a == nil {
		return nil, err
	}
	return &Identity{Kind: kind, ID: a.ID, Name: a.Name, Email: a.Email}, nil
}

// Lookups exposes one Lookup per kind in precedence order.
func (r *AccountRepo) Lookups() []Lookup {
	out := make([]Lookup, 0, len(Precedence))
	for _, k := range Precedence {
		kind := k
		out = append(out, Lookup{
			Kind: kind,
			Find: func(ctx context.Context, id uint64) (*Identity, error) {
				return r.Find(ctx, kind, id)
			},
		})
	}
	return out
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&BuyerAccount{}, &SellerAccount{}, &AdminAccount{}, &OperatorAccount{})
}
