package common

import "errors"

var (
	// Validation errors. Intake rejects these before an order ever touches
	// a book; the engine revalidates defensively.
	ErrInvalidOrder         = errors.New("invalid order")
	ErrUnsupportedOrderType = errors.New("unsupported order type")
	ErrPairMismatch         = errors.New("order pair does not match book pair")
	ErrUnknownPair          = errors.New("unknown trading pair")

	// Liquidity errors.
	ErrNotEnoughLiquidity = errors.New("not enough liquidity")

	// Ledger errors.
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrReservationNotFound = errors.New("reservation not found")

	// Settlement failed mid-match. Trades committed before the failure
	// stand; matching for the incoming order stops.
	ErrSettlementAborted = errors.New("settlement aborted")

	// Cancel errors.
	ErrOrderNotFound   = errors.New("order not found")
	ErrNotOwner        = errors.New("requester does not own order")
	ErrAlreadyTerminal = errors.New("order already in a terminal state")

	// A detected book/order inconsistency. Fatal for the pair: the engine
	// stops accepting orders and surfaces for manual intervention.
	ErrInvariantViolation = errors.New("invariant violation")
	ErrPairHalted         = errors.New("trading pair halted")
)
