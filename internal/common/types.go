package common

import "github.com/shopspring/decimal"

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	}
	return "UNKNOWN"
}

// Opposite returns the side an incoming order matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType int

const (
	// Limit orders are an order to buy or sell at a specified price or
	// better. Limit orders may rest on the order book until filled.
	LimitOrder OrderType = iota
	// Market orders are instructions to buy or sell immediately. Execution
	// is guaranteed where liquidity exists, the price is not. Market orders
	// never rest on the book; an unfillable remainder is rejected.
	MarketOrder
	// Stop-limit orders become live limit orders once their stop price
	// trades. Triggering is owned by a separate watcher component, so the
	// engine itself refuses them until that exists.
	StopLimitOrder
)

func (t OrderType) String() string {
	switch t {
	case LimitOrder:
		return "LIMIT"
	case MarketOrder:
		return "MARKET"
	case StopLimitOrder:
		return "STOP_LIMIT"
	}
	return "UNKNOWN"
}

type Status int

const (
	Open Status = iota
	PartiallyFilled
	Filled
	Cancelled
	Rejected
)

func (s Status) String() string {
	switch s {
	case Open:
		return "OPEN"
	case PartiallyFilled:
		return "PARTIALLY_FILLED"
	case Filled:
		return "FILLED"
	case Cancelled:
		return "CANCELLED"
	case Rejected:
		return "REJECTED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition out of s is legal.
func (s Status) Terminal() bool {
	switch s {
	case Filled, Cancelled, Rejected:
		return true
	}
	return false
}

// ValidTransition reports whether an order may move from one status to
// another. Identical statuses are allowed (repeated partial fills).
// PARTIALLY_FILLED -> REJECTED exists solely for discarded market-order
// remainders; everything else follows OPEN -> PARTIALLY_FILLED -> FILLED
// with explicit cancellation off the two open states.
func ValidTransition(from, to Status) bool {
	if from == to {
		return from == Open || from == PartiallyFilled
	}
	switch from {
	case Open:
		return to == PartiallyFilled || to == Filled || to == Cancelled || to == Rejected
	case PartiallyFilled:
		return to == Filled || to == Cancelled || to == Rejected
	}
	return false
}

// Pair describes a tradeable instrument, e.g. BTC/USDT: quantities are in
// the base currency, prices and order values in the quote currency.
type Pair struct {
	Symbol string // e.g. "BTC/USDT"
	Base   string // BTC
	Quote  string // USDT

	// Per-pair order value limits in the quote currency. A zero max means
	// unlimited.
	MinNotional decimal.Decimal
	MaxNotional decimal.Decimal
}

func (p Pair) String() string {
	return p.Symbol
}
