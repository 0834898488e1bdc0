package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is the immutable record of one match between exactly two orders.
// The price is always the maker's limit price: the resting order sets the
// terms, the taker gets any improvement.
type Trade struct {
	UUID         string
	Pair         string
	BuyOrderID   string
	SellOrderID  string
	MakerOrderID string // The order that was resting in the book
	TakerOrderID string // The incoming order that triggered the match
	MakerOwner   string
	TakerOwner   string
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Value        decimal.Decimal // Price * Quantity, in the quote currency
	Timestamp    time.Time
	Sequence     uint64 // Journal sequence, assigned at settlement
}

func (t Trade) String() string {
	return fmt.Sprintf(
		`UUID:      %s
Pair:      %s
Maker:     %s (owner %s)
Taker:     %s (owner %s)
Price:     %s
Quantity:  %s
Value:     %s
Timestamp: %v
Sequence:  %d`,
		t.UUID,
		t.Pair,
		t.MakerOrderID, t.MakerOwner,
		t.TakerOrderID, t.TakerOwner,
		t.Price,
		t.Quantity,
		t.Value,
		t.Timestamp.Format(time.RFC3339),
		t.Sequence,
	)
}
