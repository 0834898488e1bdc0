package common

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType int

const (
	OrderAccepted EventType = iota
	TradeExecuted
	OrderCancelled
	OrderRejected
	// OrderUpdated is notification-only: it reports a status transition
	// caused by a trade and is never journaled (the trade event is).
	OrderUpdated
)

func (t EventType) String() string {
	switch t {
	case OrderAccepted:
		return "ORDER_ACCEPTED"
	case TradeExecuted:
		return "TRADE_EXECUTED"
	case OrderCancelled:
		return "ORDER_CANCELLED"
	case OrderRejected:
		return "ORDER_REJECTED"
	case OrderUpdated:
		return "ORDER_UPDATED"
	}
	return "UNKNOWN"
}

// Event is one entry of the write-through journal and the unit of
// notification fan-out. Sequence is the journal sequence number: replaying
// events in sequence order rebuilds the book, and downstream consumers
// de-duplicate at-least-once delivery on it.
type Event struct {
	Sequence       uint64
	TypeOf         EventType
	Pair           string
	OrderID        string
	Status         Status
	FilledQuantity decimal.Decimal
	Timestamp      time.Time

	// Order snapshot, set on ORDER_ACCEPTED so replay can reconstruct the
	// resting order.
	Order *Order

	// Set on TRADE_EXECUTED.
	Trade *Trade
}
