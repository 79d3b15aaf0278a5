package identity

import (
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	Buyer    Kind = "buyer"
	Seller   Kind = "seller"
	Admin    Kind = "admin"
	Operator Kind = "operator"
)

// Precedence is the fixed order used when an id arrives without a kind.
var Precedence = []Kind{Buyer, Seller, Admin, Operator}

func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Buyer, Seller, Admin, Operator:
		return k, true
	case "salesuser", "sales_user", "sales":
		return Operator, true
	}
	return "", false
}

// Staff kinds may act in any conversation.
func (k Kind) Staff() bool {
	return k == Admin || k == Operator
}

// Identity is a resolved account reference; immutable once bound to a connection.
type Identity struct {
	Kind  Kind   `json:"user_type"`
	ID    uint64 `json:"user_id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"-"`
}

// Key is the store/stream suffix "<kind>:<id>".
func (i Identity) Key() string {
	return string(i.Kind) + ":" + strconv.FormatUint(i.ID, 10)
}

func (i Identity) Is(kind Kind, id uint64) bool {
	return i.Kind == kind && i.ID == id
}

func (i Identity) String() string {
	return fmt.Sprintf("%s#%d", i.Kind, i.ID)
}
