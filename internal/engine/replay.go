package engine

import (
	"fmt"

	. "mimir/internal/common"
)

// Replay applies one journaled event to rebuild in-memory state after a
// restart. The ledger is never touched here: settled balances live in the
// ledger's own store, the journal only has to reconstruct the books.
// Events must arrive in journal sequence order.
func (e *Engine) replayAccepted(snapshot *Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order := *snapshot
	e.orders[order.UUID] = &order

	// Market orders never rest, and limit takers that fully filled are
	// re-inserted here at their original quantity and then consumed again
	// by the trade events that follow.
	if order.OrderType != LimitOrder {
		return nil
	}
	return e.book.Insert(&order)
}

func (e *Engine) replayTrade(trade *Trade) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	maker, ok := e.book.Get(trade.MakerOrderID)
	if !ok {
		return fmt.Errorf("%w: maker %s of trade %s not in book",
			ErrInvariantViolation, trade.MakerOrderID, trade.UUID)
	}
	if _, err := e.book.Fill(maker, trade.Quantity); err != nil {
		return err
	}

	// Limit takers were re-inserted on their acceptance event; market
	// takers were never in the book and need no quantity replay.
	if taker, ok := e.book.Get(trade.TakerOrderID); ok {
		if _, err := e.book.Fill(taker, trade.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) replayCancelled(orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, err := e.book.Remove(orderID)
	if err != nil {
		return fmt.Errorf("replaying cancel of %s: %w", orderID, err)
	}
	order.Status = Cancelled
	return nil
}

func (e *Engine) replayRejected(orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// A limit taker rejected after a settlement abort was re-inserted at
	// full quantity by its acceptance event; rejected orders never rest,
	// so lift it back off the book.
	if _, ok := e.book.Get(orderID); ok {
		if _, err := e.book.Remove(orderID); err != nil {
			return fmt.Errorf("replaying rejection of %s: %w", orderID, err)
		}
	}
	if order, ok := e.orders[orderID]; ok && ValidTransition(order.Status, Rejected) {
		order.Status = Rejected
	}
	return nil
}
