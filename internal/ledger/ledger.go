// Package ledger holds per-user, per-currency balances split into an
// available and a reserved portion. Orders reserve funds before they may
// trade; settlement moves reserved funds between the two parties of a
// trade as one atomic step.
package ledger

import (
	. "mimir/internal/common"

	"github.com/shopspring/decimal"
)

// Ledger is the settlement collaborator consumed by the execution
// coordinator. Implementations must make each call atomic: a failed call
// leaves no partial balance movement behind.
type Ledger interface {
	// Reserve places a hold on amount of the owner's available balance and
	// returns an opaque reservation id. Fails with ErrInsufficientBalance.
	Reserve(owner, currency string, amount decimal.Decimal) (string, error)

	// Release returns whatever remains of a reservation to the owner's
	// available balance and retires it. Releasing an unknown reservation
	// fails with ErrReservationNotFound.
	Release(reservationID string) error

	// ReleasePartial returns amount of a reservation to the owner's
	// available balance, keeping the rest held. Used when a buy order
	// fills below its reserved limit price.
	ReleasePartial(reservationID string, amount decimal.Decimal) error

	// SettleTrade moves trade.Value of the quote currency out of the
	// buyer's reservation into the seller's available balance, and
	// trade.Quantity of the base currency out of the seller's reservation
	// into the buyer's available balance, all-or-nothing.
	SettleTrade(pair Pair, buyerReservation, sellerReservation string, trade *Trade) error
}

// Balance is one account's view in a single currency.
type Balance struct {
	Available decimal.Decimal
	Reserved  decimal.Decimal
}

func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Reserved)
}
