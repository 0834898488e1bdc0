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
	"mimir/internal/notify"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Exchange routes orders to per-pair engines. It owns intake: building the
// order, reserving funds in the ledger, and dispatching to the pair's
// serialized matching loop. Operations on different pairs proceed in
// parallel.
type Exchange struct {
	ledger   ledger.Ledger
	journal  journal.Journal
	notifier notify.Notifier

	mu      sync.RWMutex
	engines map[string]*Engine
}

func New(led ledger.Ledger, jnl journal.Journal, ntf notify.Notifier) *Exchange {
	return &Exchange{
		ledger:   led,
		journal:  jnl,
		notifier: ntf,
		engines:  make(map[string]*Engine),
	}
}

// RegisterPair creates the order book and matching engine for a pair.
// Registering an already known symbol is a no-op: pairs are long-lived and
// never replaced in place.
func (x *Exchange) RegisterPair(pair Pair) error {
	if pair.Symbol == "" || pair.Base == "" || pair.Quote == "" {
		return fmt.Errorf("%w: pair %+v", ErrInvalidOrder, pair)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.engines[pair.Symbol]; ok {
		return nil
	}
	x.engines[pair.Symbol] = NewEngine(pair, x.ledger, x.journal, x.notifier)
	log.Info().Str("pair", pair.Symbol).Msg("trading pair registered")
	return nil
}

// Pairs lists the registered trading pairs.
func (x *Exchange) Pairs() []Pair {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]Pair, 0, len(x.engines))
	for _, eng := range x.engines {
		out = append(out, eng.Pair())
	}
	return out
}

// SubmitRequest is the intake contract: authentication and KYC have
// already happened upstream, Owner is an opaque, trusted identity.
type SubmitRequest struct {
	Pair       string
	Owner      string
	Side       Side
	OrderType  OrderType
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	Quantity   decimal.Decimal
}

// SubmitOrder reserves the funds backing the order and hands it to the
// pair's matching loop. The returned result always carries the order with
// its final (or resting) status, plus any trades committed for it.
func (x *Exchange) SubmitOrder(req SubmitRequest) (*Result, error) {
	eng, err := x.engine(req.Pair)
	if err != nil {
		return nil, err
	}

	order := &Order{
		UUID:          uuid.New().String(),
		Pair:          req.Pair,
		OrderType:     req.OrderType,
		Side:          req.Side,
		Status:        Open,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		TotalQuantity: req.Quantity,
		Timestamp:     time.Now(),
		Owner:         req.Owner,
	}

	// A halted pair takes nothing; checked before any funds are touched so
	// the caller sees the halt, not a balance error.
	if eng.Halted() {
		order.Status = Rejected
		return &Result{Order: order}, fmt.Errorf("%w: %s", ErrPairHalted, req.Pair)
	}

	// Limit orders are backed by a hold taken before matching: quote
	// currency at the limit price for buys, base currency for sells.
	// Market orders are reserved per trade inside the coordinator.
	if req.OrderType == LimitOrder && req.Quantity.IsPositive() && req.LimitPrice.IsPositive() {
		pair := eng.Pair()
		var resID string
		if req.Side == Buy {
			resID, err = x.ledger.Reserve(req.Owner, pair.Quote, req.LimitPrice.Mul(req.Quantity))
		} else {
			resID, err = x.ledger.Reserve(req.Owner, pair.Base, req.Quantity)
		}
		if err != nil {
			order.Status = Rejected
			return &Result{Order: order}, err
		}
		order.ReservationID = resID
	}

	result, err := eng.Submit(order)
	if err != nil && errors.Is(err, ErrPairHalted) && order.ReservationID != "" {
		// The pair halted between the check above and the submit; the
		// order was never journaled, so its hold must not outlive it.
		if rerr := x.ledger.Release(order.ReservationID); rerr != nil {
			log.Error().Err(rerr).Str("order", order.UUID).Msg("releasing hold after halt")
		}
		order.ReservationID = ""
	}
	return result, err
}

// CancelOrder cancels an open order on behalf of its owner.
func (x *Exchange) CancelOrder(pairSymbol, orderID, requester string) (*Order, error) {
	eng, err := x.engine(pairSymbol)
	if err != nil {
		return nil, err
	}
	return eng.Cancel(orderID, requester)
}

// Depth returns an aggregated view of one pair's book.
func (x *Exchange) Depth(pairSymbol string, levels int) (bids, asks []book.LevelSnapshot, err error) {
	eng, err := x.engine(pairSymbol)
	if err != nil {
		return nil, nil, err
	}
	bids, asks = eng.Depth(levels)
	return bids, asks, nil
}

// OpenOrders returns the owner's resting orders on one pair.
func (x *Exchange) OpenOrders(pairSymbol, owner string) ([]Order, error) {
	eng, err := x.engine(pairSymbol)
	if err != nil {
		return nil, err
	}
	return eng.OpenOrders(owner), nil
}

// Restore rebuilds every registered pair's book by replaying the journal
// in sequence order. Pairs must be registered first; events for unknown
// pairs (delisted since the journal was written) are skipped with a
// warning. The ledger is not replayed, its state is its own.
func (x *Exchange) Restore() error {
	count := 0
	err := x.journal.Replay(func(ev *Event) error {
		count++
		eng, err := x.engine(ev.Pair)
		if err != nil {
			log.Warn().
				Str("pair", ev.Pair).
				Uint64("seq", ev.Sequence).
				Msg("skipping journal event for unknown pair")
			return nil
		}

		switch ev.TypeOf {
		case OrderAccepted:
			if ev.Order == nil {
				return fmt.Errorf("%w: acceptance event %d without order snapshot",
					journal.ErrCorruptRecord, ev.Sequence)
			}
			return eng.replayAccepted(ev.Order)
		case TradeExecuted:
			if ev.Trade == nil {
				return fmt.Errorf("%w: trade event %d without trade",
					journal.ErrCorruptRecord, ev.Sequence)
			}
			return eng.replayTrade(ev.Trade)
		case OrderCancelled:
			return eng.replayCancelled(ev.OrderID)
		case OrderRejected:
			return eng.replayRejected(ev.OrderID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("restoring books from journal: %w", err)
	}
	log.Info().Int("events", count).Msg("order books restored from journal")
	return nil
}

func (x *Exchange) engine(pairSymbol string) (*Engine, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	eng, ok := x.engines[pairSymbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, pairSymbol)
	}
	return eng, nil
}
