package book

import (
	. "mimir/internal/common"

	"github.com/shopspring/decimal"
)

// LevelSnapshot is one aggregated price level of a depth view.
type LevelSnapshot struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Orders   int
}

// Depth returns up to maxLevels aggregated levels per side, bids best
// (highest) first and asks best (lowest) first. maxLevels <= 0 means the
// whole book.
func (book *Book) Depth(maxLevels int) (bids, asks []LevelSnapshot) {
	return book.sideDepth(book.bids, maxLevels), book.sideDepth(book.asks, maxLevels)
}

func (book *Book) sideDepth(levels *PriceLevels, maxLevels int) []LevelSnapshot {
	var out []LevelSnapshot
	levels.Scan(func(level *PriceLevel) bool {
		if maxLevels > 0 && len(out) == maxLevels {
			return false
		}
		qty := decimal.Zero
		for _, order := range level.orders {
			qty = qty.Add(order.Quantity)
		}
		out = append(out, LevelSnapshot{
			Price:    level.price,
			Quantity: qty,
			Orders:   len(level.orders),
		})
		return true
	})
	return out
}

// SideOrders returns the resting orders on one side in priority order,
// best price first and FIFO within a level. Orders are returned by
// reference, callers must not mutate them; this exists for the open-order
// API and for tests asserting book shape.
func (book *Book) SideOrders(side Side) []*Order {
	var out []*Order
	book.sideLevels(side).Scan(func(level *PriceLevel) bool {
		out = append(out, level.orders...)
		return true
	})
	return out
}
