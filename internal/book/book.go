package book

import (
	"fmt"
	"time"

	. "mimir/internal/common"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// PriceLevel groups resting orders at one price, sorted by time added as
// they will be push-back'd.
type PriceLevel struct {
	price  decimal.Decimal
	orders []*Order
}

type PriceLevels = btree.BTreeG[*PriceLevel]

// Book is the per-pair resting order structure. Bids are sorted greatest
// price first, asks least first, and orders within a level keep arrival
// order, which together give price-time priority. The book never touches
// the ledger; it is plain structure mutation owned by one engine.
type Book struct {
	pair Pair

	bids *PriceLevels
	asks *PriceLevels

	// By-id index for cancellation and fill bookkeeping.
	byID map[string]*Order

	// Insertion sequence. Wall clocks can collide; this cannot, so it is
	// the authoritative time-priority tie-break.
	seq uint64

	// Some book keeping
	nBuyOrders   uint64          // Track the number of bids in the book.
	nSellOrders  uint64          // Track the number of asks in the book.
	buyQuantity  decimal.Decimal // Track the bid-side liquidity of the book.
	sellQuantity decimal.Decimal // Track the ask-side liquidity of the book.
}

func New(pair Pair) *Book {
	// Sorted greatest first.
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.price.GreaterThan(b.price)
	})
	// Sorted least first.
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		return a.price.LessThan(b.price)
	})
	return &Book{
		pair: pair,
		bids: bids,
		asks: asks,
		byID: make(map[string]*Order),
	}
}

func (book *Book) Pair() Pair {
	return book.pair
}

// Insert adds an open order to its own side of the book, preserving
// price-time order. The book stamps the exchange timestamp and assigns the
// insertion sequence; on journal replay the original sequence is kept so
// relative priority survives a restart.
func (book *Book) Insert(order *Order) error {
	if order.Pair != book.pair.Symbol {
		return fmt.Errorf("%w: %s into %s", ErrPairMismatch, order.Pair, book.pair.Symbol)
	}
	if order.Status != Open && order.Status != PartiallyFilled {
		return fmt.Errorf("%w: cannot rest %s order %s", ErrInvalidOrder, order.Status, order.UUID)
	}
	if !order.Quantity.IsPositive() || !order.LimitPrice.IsPositive() {
		return fmt.Errorf("%w: order %s", ErrInvalidOrder, order.UUID)
	}
	if _, ok := book.byID[order.UUID]; ok {
		return fmt.Errorf("%w: duplicate order %s", ErrInvalidOrder, order.UUID)
	}

	if order.ExchTimestamp.IsZero() {
		order.ExchTimestamp = time.Now()
	}
	if order.Sequence == 0 {
		book.seq++
		order.Sequence = book.seq
	} else if order.Sequence > book.seq {
		// Replayed and rolled-back orders carry their original sequence;
		// resume numbering past it so sequences stay unique.
		book.seq = order.Sequence
	}

	levels := book.sideLevels(order.Side)

	// Levels comparator only accounts for price, so a dummy level works
	// for the search.
	level, ok := levels.GetMut(&PriceLevel{price: order.LimitPrice})
	if ok {
		// Keep the level ordered by sequence. Fresh orders take the next
		// sequence and land at the tail; an order re-inserted after a
		// settlement rollback slots back into its old priority.
		level.orders = append(level.orders, order)
		for i := len(level.orders) - 1; i > 0 && level.orders[i-1].Sequence > order.Sequence; i-- {
			level.orders[i-1], level.orders[i] = level.orders[i], level.orders[i-1]
		}
	} else {
		levels.Set(&PriceLevel{
			price:  order.LimitPrice,
			orders: []*Order{order},
		})
	}

	book.byID[order.UUID] = order
	switch order.Side {
	case Buy:
		book.nBuyOrders++
		book.buyQuantity = book.buyQuantity.Add(order.Quantity)
	case Sell:
		book.nSellOrders++
		book.sellQuantity = book.sellQuantity.Add(order.Quantity)
	}
	return nil
}

// BestOpposite returns the highest-priority resting order on the side
// opposite `side`, skipping orders owned by skipOwner (self-trade
// prevention walks past them to the next candidate). Reports false when no
// candidate exists.
func (book *Book) BestOpposite(side Side, skipOwner string) (*Order, bool) {
	levels := book.sideLevels(side.Opposite())

	var best *Order
	levels.Scan(func(level *PriceLevel) bool {
		for _, order := range level.orders {
			if order.Owner == skipOwner {
				continue
			}
			best = order
			return false
		}
		return true
	})
	return best, best != nil
}

// Get looks up a resting order by id.
func (book *Book) Get(orderID string) (*Order, bool) {
	order, ok := book.byID[orderID]
	return order, ok
}

// Remove takes an order out of the book, used on full fill or
// cancellation. Any remaining quantity is subtracted from the side's
// liquidity.
func (book *Book) Remove(orderID string) (*Order, error) {
	order, ok := book.byID[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	levels := book.sideLevels(order.Side)
	level, ok := levels.GetMut(&PriceLevel{price: order.LimitPrice})
	if !ok {
		return nil, fmt.Errorf("%w: order %s indexed but level %s missing",
			ErrInvariantViolation, orderID, order.LimitPrice)
	}

	found := false
	for i, resting := range level.orders {
		if resting.UUID == orderID {
			level.orders = append(level.orders[:i], level.orders[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: order %s indexed but absent from level %s",
			ErrInvariantViolation, orderID, order.LimitPrice)
	}
	if len(level.orders) == 0 {
		levels.Delete(level)
	}

	delete(book.byID, orderID)
	switch order.Side {
	case Buy:
		book.nBuyOrders--
		book.buyQuantity = book.buyQuantity.Sub(order.Quantity)
	case Sell:
		book.nSellOrders--
		book.sellQuantity = book.sellQuantity.Sub(order.Quantity)
	}
	return order, nil
}

// Fill consumes qty from a resting order, keeping the side's liquidity
// bookkeeping in step, and lifts the order off the book once it is fully
// filled. Reports whether the order was removed.
func (book *Book) Fill(order *Order, qty decimal.Decimal) (bool, error) {
	if _, ok := book.byID[order.UUID]; !ok {
		return false, fmt.Errorf("%w: %s", ErrOrderNotFound, order.UUID)
	}
	if err := order.ApplyFill(qty); err != nil {
		return false, err
	}

	switch order.Side {
	case Buy:
		book.buyQuantity = book.buyQuantity.Sub(qty)
	case Sell:
		book.sellQuantity = book.sellQuantity.Sub(qty)
	}

	if order.Status != Filled {
		return false, nil
	}
	// Quantity bookkeeping is already settled, removal only needs to drop
	// the (now empty) order from its level.
	if _, err := book.Remove(order.UUID); err != nil {
		return false, err
	}
	return true, nil
}

// UndoFill reverses one Fill after a failed settlement: the quantity goes
// back on the order and the side's liquidity, the previous status is
// restored, and an order that Fill lifted off the book is re-inserted. The
// original sequence is kept, so the order slots back into its old priority.
func (book *Book) UndoFill(order *Order, qty decimal.Decimal, prev Status, removed bool) error {
	order.Quantity = order.Quantity.Add(qty)
	order.Status = prev

	if removed {
		return book.Insert(order)
	}

	if _, ok := book.byID[order.UUID]; !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, order.UUID)
	}
	switch order.Side {
	case Buy:
		book.buyQuantity = book.buyQuantity.Add(qty)
	case Sell:
		book.sellQuantity = book.sellQuantity.Add(qty)
	}
	return nil
}

// Liquidity returns the total resting quantity on one side.
func (book *Book) Liquidity(side Side) decimal.Decimal {
	if side == Buy {
		return book.buyQuantity
	}
	return book.sellQuantity
}

// Orders returns the number of resting orders on one side.
func (book *Book) Orders(side Side) uint64 {
	if side == Buy {
		return book.nBuyOrders
	}
	return book.nSellOrders
}

func (book *Book) sideLevels(side Side) *PriceLevels {
	if side == Buy {
		return book.bids
	}
	return book.asks
}
