package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"mimir/internal/book"
	. "mimir/internal/common"
	"mimir/internal/journal"
	"mimir/internal/ledger"
	"mimir/internal/metrics"
	"mimir/internal/notify"

	"github.com/rs/zerolog/log"
)

// Engine matches incoming orders for one trading pair. All entry points
// serialize on the pair lock: one incoming order runs its whole matching
// loop, every trade and book mutation included, before the next order for
// the pair begins. Different pairs share nothing and run fully in
// parallel.
type Engine struct {
	pair  Pair
	book  *book.Book
	coord *Coordinator

	mu     sync.Mutex
	halted bool

	// Every order this pair has seen, terminal ones included; cancel
	// semantics need to tell "never existed" from "already done".
	orders map[string]*Order
}

// Result is what one submission produced: the order in its final (or
// resting) state and the trades committed for it, in execution order.
type Result struct {
	Order  *Order
	Trades []*Trade
}

func NewEngine(pair Pair, led ledger.Ledger, jnl journal.Journal, ntf notify.Notifier) *Engine {
	return &Engine{
		pair:   pair,
		book:   book.New(pair),
		coord:  newCoordinator(pair, led, jnl, ntf),
		orders: make(map[string]*Order),
	}
}

func (e *Engine) Pair() Pair {
	return e.pair
}

// Submit runs the matching loop for one incoming order: walk the best
// resting orders on the opposite side while prices cross, trade at the
// maker's price, then either rest the remainder (limit) or reject it
// (market). Trades committed before a settlement failure are returned
// alongside ErrSettlementAborted.
func (e *Engine) Submit(order *Order) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	if e.halted {
		return nil, fmt.Errorf("%w: %s", ErrPairHalted, e.pair.Symbol)
	}

	result := &Result{Order: order}

	if err := validateIncoming(e.pair, order); err != nil {
		e.coord.RejectOrder(order, "validation")
		return result, err
	}

	order.Status = Open
	e.orders[order.UUID] = order
	if err := e.coord.AcceptOrder(order); err != nil {
		delete(e.orders, order.UUID)
		e.coord.RejectOrder(order, "journal")
		return result, err
	}

	for order.Quantity.IsPositive() {
		resting, ok := e.book.BestOpposite(order.Side, order.Owner)
		if !ok {
			break
		}
		// The book is sorted, so the first price that fails to cross ends
		// the loop: nothing deeper can match either.
		if order.OrderType == LimitOrder && !crosses(order, resting) {
			break
		}

		trade, err := e.coord.ExecuteTrade(e.book, order, resting)
		if err != nil {
			if errors.Is(err, ErrInvariantViolation) {
				return result, e.halt(err)
			}
			if errors.Is(err, ErrSettlementAborted) {
				// Committed trades stand. The remainder does not rest: the
				// caller gets the partial result and decides whether to
				// resubmit.
				e.coord.RejectOrder(order, "settlement")
				e.finishSubmit(start)
				return result, err
			}
			return result, err
		}
		result.Trades = append(result.Trades, trade)
	}

	var err error
	if order.Quantity.IsPositive() {
		switch order.OrderType {
		case LimitOrder:
			if ierr := e.book.Insert(order); ierr != nil {
				return result, e.halt(fmt.Errorf("%w: resting remainder of %s: %w",
					ErrInvariantViolation, order.UUID, ierr))
			}
		case MarketOrder:
			// Market orders never rest; the unfilled portion is discarded.
			e.coord.RejectOrder(order, "liquidity")
			if len(result.Trades) == 0 {
				err = fmt.Errorf("%w: market order %s", ErrNotEnoughLiquidity, order.UUID)
			}
		}
	}

	e.finishSubmit(start)
	return result, err
}

// Cancel removes an open order at its owner's request. Cancellation takes
// effect between matching loops only, which the pair lock guarantees.
func (e *Engine) Cancel(orderID, requester string) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted {
		return nil, fmt.Errorf("%w: %s", ErrPairHalted, e.pair.Symbol)
	}

	order, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.Owner != requester {
		return nil, fmt.Errorf("%w: order %s", ErrNotOwner, orderID)
	}
	if order.Status.Terminal() {
		return nil, fmt.Errorf("%w: order %s is %s", ErrAlreadyTerminal, orderID, order.Status)
	}

	if _, err := e.book.Remove(orderID); err != nil {
		// An open, non-terminal order must be resting; anything else means
		// book and order state have diverged.
		return nil, e.halt(fmt.Errorf("%w: cancelling %s: %w",
			ErrInvariantViolation, orderID, err))
	}
	if err := e.coord.CancelOrder(order); err != nil {
		return nil, e.halt(err)
	}

	e.updateGauges()
	return order, nil
}

// Depth returns an aggregated snapshot of both sides of the book.
func (e *Engine) Depth(levels int) (bids, asks []book.LevelSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Depth(levels)
}

// OpenOrders returns copies of the owner's resting orders, best-priority
// first per side, bids before asks.
func (e *Engine) OpenOrders(owner string) []Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Order
	for _, side := range []Side{Buy, Sell} {
		for _, order := range e.book.SideOrders(side) {
			if order.Owner == owner {
				out = append(out, *order)
			}
		}
	}
	return out
}

// Halted reports whether the pair has been stopped after an invariant
// violation.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// crosses reports limit-against-limit price compatibility: an incoming buy
// matches a resting ask priced at or below its limit, an incoming sell a
// resting bid at or above.
func crosses(incoming, resting *Order) bool {
	if incoming.Side == Buy {
		return incoming.LimitPrice.GreaterThanOrEqual(resting.LimitPrice)
	}
	return incoming.LimitPrice.LessThanOrEqual(resting.LimitPrice)
}

// halt stops the pair permanently. Invariant violations are never papered
// over: the book may be inconsistent with settled state, so the only safe
// move is to refuse further orders and surface for manual intervention.
func (e *Engine) halt(err error) error {
	e.halted = true
	metrics.PairsHalted.WithLabelValues(e.pair.Symbol).Inc()
	log.Error().
		Err(err).
		Str("pair", e.pair.Symbol).
		Msg("halting pair after invariant violation")
	return err
}

func (e *Engine) finishSubmit(start time.Time) {
	e.updateGauges()
	metrics.MatchLatency.WithLabelValues(e.pair.Symbol).Observe(time.Since(start).Seconds())
}

func (e *Engine) updateGauges() {
	for _, side := range []Side{Buy, Sell} {
		metrics.RestingOrders.
			WithLabelValues(e.pair.Symbol, side.String()).
			Set(float64(e.book.Orders(side)))
		liq, _ := e.book.Liquidity(side).Float64()
		metrics.RestingLiquidity.
			WithLabelValues(e.pair.Symbol, side.String()).
			Set(liq)
	}
}
