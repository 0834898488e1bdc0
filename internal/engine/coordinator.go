package engine

import (
	"fmt"
	"time"

	"mimir/internal/book"
	. "mimir/internal/common"
	"mimir/internal/journal"
	"mimir/internal/ledger"
	"mimir/internal/metrics"
	"mimir/internal/notify"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Coordinator owns the atomic boundary around each trade: order mutation,
// book removal, ledger settlement, journaling and notification stand or
// fall together. It runs entirely under the owning engine's pair lock, so
// no other operation on the pair ever observes a half-applied trade.
type Coordinator struct {
	pair     Pair
	ledger   ledger.Ledger
	journal  journal.Journal
	notifier notify.Notifier
}

func newCoordinator(pair Pair, led ledger.Ledger, jnl journal.Journal, ntf notify.Notifier) *Coordinator {
	return &Coordinator{
		pair:     pair,
		ledger:   led,
		journal:  jnl,
		notifier: ntf,
	}
}

// ExecuteTrade matches the incoming taker against a resting maker for
// min(remaining, remaining) at the maker's price, settles the ledger legs
// and journals the trade. On settlement failure every in-memory mutation
// is undone and ErrSettlementAborted is returned; the taker's earlier
// trades stand because each one settled atomically.
func (c *Coordinator) ExecuteTrade(bk *book.Book, taker, maker *Order) (*Trade, error) {
	qty := decimal.Min(taker.Quantity, maker.Quantity)
	price := maker.LimitPrice

	trade := &Trade{
		UUID:         uuid.New().String(),
		Pair:         c.pair.Symbol,
		MakerOrderID: maker.UUID,
		TakerOrderID: taker.UUID,
		MakerOwner:   maker.Owner,
		TakerOwner:   taker.Owner,
		Price:        price,
		Quantity:     qty,
		Value:        price.Mul(qty),
		Timestamp:    time.Now(),
	}

	buyOrder, sellOrder := taker, maker
	if taker.Side == Sell {
		buyOrder, sellOrder = maker, taker
	}
	trade.BuyOrderID = buyOrder.UUID
	trade.SellOrderID = sellOrder.UUID

	// Market orders carry no up-front hold (their cost is unknowable at
	// intake), so the taker's leg is reserved here at the actual trade
	// price and consumed immediately by settlement.
	tradeReservation := ""
	if taker.OrderType == MarketOrder {
		var err error
		if taker.Side == Buy {
			tradeReservation, err = c.ledger.Reserve(taker.Owner, c.pair.Quote, trade.Value)
		} else {
			tradeReservation, err = c.ledger.Reserve(taker.Owner, c.pair.Base, trade.Quantity)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reserving taker funds: %w", ErrSettlementAborted, err)
		}
	}

	buyerReservation := buyOrder.ReservationID
	sellerReservation := sellOrder.ReservationID
	if tradeReservation != "" {
		if taker == buyOrder {
			buyerReservation = tradeReservation
		} else {
			sellerReservation = tradeReservation
		}
	}

	// Apply the fill in memory, keeping enough state to undo it.
	takerQty, takerStatus := taker.Quantity, taker.Status
	makerStatus := maker.Status

	if err := taker.ApplyFill(qty); err != nil {
		c.releaseQuiet(tradeReservation)
		return nil, err
	}
	makerRemoved, err := bk.Fill(maker, qty)
	if err != nil {
		taker.Quantity, taker.Status = takerQty, takerStatus
		c.releaseQuiet(tradeReservation)
		return nil, err
	}

	if err := c.ledger.SettleTrade(c.pair, buyerReservation, sellerReservation, trade); err != nil {
		// Roll the book back to before the failing trade so book state and
		// settled state never diverge.
		taker.Quantity, taker.Status = takerQty, takerStatus
		if uerr := bk.UndoFill(maker, qty, makerStatus, makerRemoved); uerr != nil {
			return nil, uerr
		}
		c.releaseQuiet(tradeReservation)

		metrics.SettlementAborts.WithLabelValues(c.pair.Symbol).Inc()
		log.Error().
			Err(err).
			Str("pair", c.pair.Symbol).
			Str("taker", taker.UUID).
			Str("maker", maker.UUID).
			Msg("settlement failed, trade rolled back")
		return nil, fmt.Errorf("%w: %w", ErrSettlementAborted, err)
	}

	// Settlement drained the per-trade hold completely; retire it.
	c.releaseQuiet(tradeReservation)

	// A limit buy taker reserved at its own limit but traded at the
	// maker's better price: hand the difference back.
	if taker == buyOrder && taker.OrderType == LimitOrder && price.LessThan(taker.LimitPrice) {
		excess := taker.LimitPrice.Sub(price).Mul(qty)
		if err := c.ledger.ReleasePartial(taker.ReservationID, excess); err != nil {
			log.Error().Err(err).Str("order", taker.UUID).Msg("releasing price improvement")
		}
	}

	// Retire the holds of fully filled orders.
	for _, order := range []*Order{taker, maker} {
		if order.Status == Filled && order.ReservationID != "" {
			c.releaseQuiet(order.ReservationID)
			order.ReservationID = ""
		}
	}

	ev := Event{
		TypeOf:         TradeExecuted,
		Pair:           c.pair.Symbol,
		OrderID:        taker.UUID,
		Status:         taker.Status,
		FilledQuantity: taker.Filled(),
		Timestamp:      trade.Timestamp,
		Trade:          trade,
	}
	if _, err := c.journal.Append(&ev); err != nil {
		// The ledger has already committed this trade; losing the journal
		// record would desynchronise replay from settled state, which is
		// exactly the condition that must never be papered over.
		return nil, fmt.Errorf("%w: journaling trade %s: %w",
			ErrInvariantViolation, trade.UUID, err)
	}

	c.notifier.Publish(ev)
	c.publishOrderUpdate(taker, trade)
	c.publishOrderUpdate(maker, trade)

	metrics.TradesExecuted.WithLabelValues(c.pair.Symbol).Inc()
	return trade, nil
}

// AcceptOrder journals the order's admission before any matching happens,
// so replay sees orders arrive in the same relative sequence.
func (c *Coordinator) AcceptOrder(order *Order) error {
	snap := *order
	ev := Event{
		TypeOf:         OrderAccepted,
		Pair:           c.pair.Symbol,
		OrderID:        order.UUID,
		Status:         order.Status,
		FilledQuantity: order.Filled(),
		Timestamp:      time.Now(),
		Order:          &snap,
	}
	if _, err := c.journal.Append(&ev); err != nil {
		return fmt.Errorf("journaling order acceptance: %w", err)
	}
	c.notifier.Publish(ev)
	metrics.OrdersAccepted.WithLabelValues(c.pair.Symbol, order.Side.String()).Inc()
	return nil
}

// RejectOrder moves an order to REJECTED and returns any remaining ledger
// hold. Used at intake and for unfillable market remainders; rejection
// never leaves partial state behind, so a journaling hiccup here is only
// logged.
func (c *Coordinator) RejectOrder(order *Order, reason string) {
	if ValidTransition(order.Status, Rejected) {
		order.Status = Rejected
	}
	if order.ReservationID != "" {
		c.releaseQuiet(order.ReservationID)
		order.ReservationID = ""
	}

	ev := Event{
		TypeOf:         OrderRejected,
		Pair:           c.pair.Symbol,
		OrderID:        order.UUID,
		Status:         order.Status,
		FilledQuantity: order.Filled(),
		Timestamp:      time.Now(),
	}
	if _, err := c.journal.Append(&ev); err != nil {
		log.Warn().Err(err).Str("order", order.UUID).Msg("journaling rejection")
	}
	c.notifier.Publish(ev)
	metrics.OrdersRejected.WithLabelValues(c.pair.Symbol, reason).Inc()
}

// CancelOrder finalizes an explicit cancellation of an order that has
// already been taken off the book. The cancel must reach the journal:
// replay would otherwise resurrect the order.
func (c *Coordinator) CancelOrder(order *Order) error {
	order.Status = Cancelled
	if order.ReservationID != "" {
		c.releaseQuiet(order.ReservationID)
		order.ReservationID = ""
	}

	ev := Event{
		TypeOf:         OrderCancelled,
		Pair:           c.pair.Symbol,
		OrderID:        order.UUID,
		Status:         order.Status,
		FilledQuantity: order.Filled(),
		Timestamp:      time.Now(),
	}
	if _, err := c.journal.Append(&ev); err != nil {
		return fmt.Errorf("%w: journaling cancel of %s: %w",
			ErrInvariantViolation, order.UUID, err)
	}
	c.notifier.Publish(ev)
	metrics.OrdersCancelled.WithLabelValues(c.pair.Symbol).Inc()
	return nil
}

func (c *Coordinator) publishOrderUpdate(order *Order, trade *Trade) {
	c.notifier.Publish(Event{
		Sequence:       trade.Sequence,
		TypeOf:         OrderUpdated,
		Pair:           c.pair.Symbol,
		OrderID:        order.UUID,
		Status:         order.Status,
		FilledQuantity: order.Filled(),
		Timestamp:      trade.Timestamp,
		Trade:          trade,
	})
}

func (c *Coordinator) releaseQuiet(reservationID string) {
	if reservationID == "" {
		return
	}
	if err := c.ledger.Release(reservationID); err != nil {
		log.Error().Err(err).Str("reservation", reservationID).Msg("releasing hold")
	}
}
