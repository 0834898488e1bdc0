package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	UUID          string          // Order tracked uuid
	Pair          string          // Trading pair symbol
	OrderType     OrderType       //
	Side          Side            // Order side
	Status        Status          // Lifecycle state, see ValidTransition
	LimitPrice    decimal.Decimal // Limiting price, zero for market orders
	StopPrice     decimal.Decimal // Trigger price, stop-limit orders only
	Quantity      decimal.Decimal // Remaining quantity
	TotalQuantity decimal.Decimal // Total volume requested
	Timestamp     time.Time       // Time of arrival of order
	ExchTimestamp time.Time       // Time of arrival of order into the book
	Sequence      uint64          // Book insertion sequence, breaks timestamp ties
	Owner         string          // Who owns this order
	ReservationID string          // Ledger hold backing this order, empty for market orders
}

// Filled returns the executed quantity so far.
func (order *Order) Filled() decimal.Decimal {
	return order.TotalQuantity.Sub(order.Quantity)
}

// ApplyFill consumes qty from the remaining quantity and moves the status
// forward. The remaining quantity is monotonically non-increasing and the
// status must stay consistent with it; a violation here is not a caller
// error, it means the book is corrupt, so the engine halts the pair on it.
func (order *Order) ApplyFill(qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: fill quantity %s", ErrInvariantViolation, qty)
	}
	if qty.GreaterThan(order.Quantity) {
		return fmt.Errorf(
			"%w: fill %s exceeds remaining %s on order %s",
			ErrInvariantViolation, qty, order.Quantity, order.UUID,
		)
	}

	next := PartiallyFilled
	if qty.Equal(order.Quantity) {
		next = Filled
	}
	if !ValidTransition(order.Status, next) {
		return fmt.Errorf(
			"%w: %s -> %s on order %s",
			ErrInvariantViolation, order.Status, next, order.UUID,
		)
	}

	order.Quantity = order.Quantity.Sub(qty)
	order.Status = next
	return nil
}

func (order Order) String() string {
	return fmt.Sprintf(
		`UUID:          %v
Pair:          %s
OrderType:     %v
Side:          %v
Status:        %v
LimitPrice:    %s
Quantity:      %s (Total: %s)
Timestamp:     %v
ExchTimestamp: %v
Owner:         %s`,
		order.UUID,
		order.Pair,
		order.OrderType,
		order.Side,
		order.Status,
		order.LimitPrice,
		order.Quantity,
		order.TotalQuantity,
		order.Timestamp.Format(time.RFC3339),
		order.ExchTimestamp.Format(time.RFC3339),
		order.Owner,
	)
}
