package engine

import (
	"fmt"

	. "mimir/internal/common"
)

// validateIncoming revalidates an order at the engine boundary. Intake has
// already done this, but a bad order reaching the book corrupts it, so the
// check is cheap enough to repeat.
func validateIncoming(pair Pair, order *Order) error {
	if order.Pair != pair.Symbol {
		return fmt.Errorf("%w: order pair %s, engine pair %s",
			ErrPairMismatch, order.Pair, pair.Symbol)
	}
	if !order.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity %s", ErrInvalidOrder, order.Quantity)
	}
	if !order.Quantity.Equal(order.TotalQuantity) {
		return fmt.Errorf("%w: incoming order already filled", ErrInvalidOrder)
	}

	switch order.OrderType {
	case LimitOrder:
		if !order.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit price %s", ErrInvalidOrder, order.LimitPrice)
		}
		return validateNotional(pair, order)

	case MarketOrder:
		// Market orders carry no price; the book decides.
		return nil

	case StopLimitOrder:
		// Stop triggering belongs to a watcher component that does not
		// exist yet. The type is modelled so intake can parse it, but the
		// engine only matches live orders.
		if !order.LimitPrice.IsPositive() || !order.StopPrice.IsPositive() {
			return fmt.Errorf("%w: stop-limit prices %s/%s",
				ErrInvalidOrder, order.StopPrice, order.LimitPrice)
		}
		return fmt.Errorf("%w: STOP_LIMIT", ErrUnsupportedOrderType)
	}

	return fmt.Errorf("%w: order type %d", ErrInvalidOrder, order.OrderType)
}

// validateNotional enforces the pair's order value limits in the quote
// currency. Market orders skip this: their value is unknowable up front.
func validateNotional(pair Pair, order *Order) error {
	notional := order.LimitPrice.Mul(order.TotalQuantity)
	if pair.MinNotional.IsPositive() && notional.LessThan(pair.MinNotional) {
		return fmt.Errorf("%w: order value %s below pair minimum %s",
			ErrInvalidOrder, notional, pair.MinNotional)
	}
	if pair.MaxNotional.IsPositive() && notional.GreaterThan(pair.MaxNotional) {
		return fmt.Errorf("%w: order value %s above pair maximum %s",
			ErrInvalidOrder, notional, pair.MaxNotional)
	}
	return nil
}
