package engine

import (
	"errors"
	"testing"

	. "mimir/internal/common"
	"mimir/internal/journal"
	"mimir/internal/ledger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

var testPair = Pair{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT"}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type nopNotifier struct{}

func (nopNotifier) Publish(Event) {}

// flakyLedger fails the Nth settlement call, everything else passes through.
type flakyLedger struct {
	*ledger.Memory
	failOn int
	calls  int
}

func (f *flakyLedger) SettleTrade(pair Pair, buyRes, sellRes string, trade *Trade) error {
	f.calls++
	if f.calls == f.failOn {
		return errors.New("settlement backend down")
	}
	return f.Memory.SettleTrade(pair, buyRes, sellRes, trade)
}

// tradeFailJournal refuses to journal trades, everything else passes through.
type tradeFailJournal struct {
	*journal.Memory
}

func (j *tradeFailJournal) Append(ev *Event) (uint64, error) {
	if ev.TypeOf == TradeExecuted {
		return 0, errors.New("disk full")
	}
	return j.Memory.Append(ev)
}

func newTestExchange(t *testing.T, led ledger.Ledger, jnl journal.Journal) *Exchange {
	t.Helper()
	x := New(led, jnl, nopNotifier{})
	require.NoError(t, x.RegisterPair(testPair))
	return x
}

func fund(t *testing.T, led *ledger.Memory, owner, currency, amount string) {
	t.Helper()
	require.NoError(t, led.Deposit(owner, currency, d(amount)))
}

func submitLimit(x *Exchange, owner string, side Side, price, qty string) (*Result, error) {
	return x.SubmitOrder(SubmitRequest{
		Pair:       testPair.Symbol,
		Owner:      owner,
		Side:       side,
		OrderType:  LimitOrder,
		LimitPrice: d(price),
		Quantity:   d(qty),
	})
}

func submitMarket(x *Exchange, owner string, side Side, qty string) (*Result, error) {
	return x.SubmitOrder(SubmitRequest{
		Pair:      testPair.Symbol,
		Owner:     owner,
		Side:      side,
		OrderType: MarketOrder,
		Quantity:  d(qty),
	})
}

// --- Matching ---------------------------------------------------------------

func TestSubmit_ExactFill(t *testing.T) {
	led := ledger.NewMemory()
	x := newTestExchange(t, led, journal.NewMemory())
	fund(t, led, "seller", "BTC", "1")
	fund(t, led, "buyer", "USDT", "50000")

	resting, err := submitLimit(x, "seller", Sell, "50000", "1")
	require.NoError(t, err)
	assert.Equal(t, Open, resting.Order.Status)
	assert.Empty(t, resting.Trades)

	taker, err := submitLimit(x, "buyer", Buy, "50000", "1")
	require.NoError(t, err)
	require.Len(t, taker.Trades, 1)

	trade := taker.Trades[0]
	assert.True(t, trade.Price.Equal(d("50000")))
	assert.True(t, trade.Quantity.Equal(d("1")))
	assert.Equal(t, resting.Order.UUID, trade.MakerOrderID)
	assert.Equal(t, taker.Order.UUID, trade.TakerOrderID)
	assert.Equal(t, Filled, taker.Order.Status)
	assert.Equal(t, Filled, resting.Order.Status)

	// Both sides of the book are empty.
	bids, asks, err := x.Depth(testPair.Symbol, 0)
	require.NoError(t, err)
	assert.Empty(t, bids)
	assert.Empty(t, asks)

	// Funds changed hands completely; nothing stays held.
	assert.True(t, led.Balance("buyer", "BTC").Available.Equal(d("1")))
	assert.True(t, led.Balance("buyer", "USDT").Total().IsZero())
	assert.True(t, led.Balance("seller", "USDT").Available.Equal(d("50000")))
	assert.True(t, led.Balance("seller", "BTC").Total().IsZero())
}

func TestSubmit_MakerPriceWins(t *testing.T) {
	led := ledger.NewMemory()
	x := newTestExchange(t, led, journal.NewMemory())
	fund(t, led, "seller", "BTC", "1")
	fund(t, led, "buyer", "USDT", "105")

	_, err := submitLimit(x, "seller", Sell, "100", "1")
	require.NoError(t, err)

	// Buyer is willing to pay 105 but the resting ask set the terms at 100.
	taker, err := submitLimit(x, "buyer", Buy, "105", "1")
	require.NoError(t, err)
	require.Len(t, taker.Trades, 1)
	assert.True(t, taker.Trades[0].Price.Equal(d("100")))

	// The 5 reserved above the execution price came back.
	bal := led.Balance("buyer", "USDT")
	assert.True(t, bal.Available.Equal(d("5")))
	assert.True(t, bal.Reserved.IsZero())
}

func TestSubmit_SweepsMultipleLevels(t *testing.T) {
	led := ledger.NewMemory()
	x := newTestExchange(t, led, journal.NewMemory())
	fund(t, led, "bob", "BTC", "0.5")
	fund(t, led, "carol", "BTC", "0.5")
	fund(t, led, "alice", "USDT", "49500")

	_, err := submitLimit(x, "bob", Sell, "49000", "0.5")
	require.NoError(t, err)
	_, err = submitLimit(x, "carol", Sell, "49500", "0.5")
	require.NoError(t, err)

	taker, err := submitLimit(x, "alice", Buy, "49500", "1")
	require.NoError(t, err)
	require.Len(t, taker.Trades, 2)

	// Best price first, maker price each time.
	assert.True(t, taker.Trades[0].Price.Equal(d("49000")))
	assert.True(t, taker.Trades[0].Quantity.Equal(d("0.5")))
	assert.True(t, taker.Trades[1].Price.Equal(d("49500")))
	assert.True(t, taker.Trades[1].Quantity.Equal(d("0.5")))
	assert.Equal(t, Filled, taker.Order.Status)

	// Alice paid 24500 + 24750 and got the 250 price improvement back.
	assert.True(t, led.Balance("alice", "USDT").Available.Equal(d("250")))
	assert.True(t, led.Balance("alice", "BTC").Available.Equal(d("1")))
	assert.True(t, led.Balance("bob", "USDT").Available.Equal(d("24500")))
	assert.True(t, led.Balance("carol", "USDT").Available.Equal(d("24750")))
}

func TestSubmit_PartialFillRests(t *testing.T) {
	led := ledger.NewMemory()
	x := newTestExchange(t, led, journal.NewMemory())
	fund(t, led, "seller", "BTC", "0.4")
	fund(t, led, "buyer", "USDT", "100")

	_, err := submitLimit(x, "seller", Sell, "100", "0.4")
	require.NoError(t, err)

	taker, err := submitLimit(x, "buyer", Buy, "100", "1")
	require.NoError(t, err)
	require.Len(t, taker.Trades, 1)
	assert.True(t, taker.Trades[0].Quantity.Equal(d("0.4")))
	assert.Equal(t, PartiallyFilled, taker.Order.Status)
	assert.True(t, taker.Order.Quantity.Equal(d("0.6")))

	// The remainder rests as the best bid.
	bids, asks, err := x.Depth(testPair.Symbol, 0)
	require.NoError(t, err)
	assert.Empty(t, asks)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Price.Equal(d("100")))
	assert.True(t, bids[0].Quantity.Equal(d("0.6")))

	// 40 settled, 60 still held behind the resting remainder.
	bal := led.Balance("buyer", "USDT")
	assert.True(t, bal.Available.IsZero())
	assert.True(t, bal.Reserved.Equal(d("60")))
}

func TestSubmit_MarketNoLiquidity(t *testing.T) {
	led := ledger.NewMemory()
	x := newTestExchange(t, led, journal.NewMemory())
	fund(t, led, "buyer", "USDT", "100")

	result, err := submitMarket(x, "buyer", Buy, "1")
	assert.ErrorIs(t, err, ErrNotEnoughLiquidity)
	assert.Empty(t, result.Trades)
	assert.Equal(t, Rejected, result.Order.Status)

	// Nothing was reserved or moved.
	assert.True(t, led.Balance("buyer", "USDT").Available.Equal(d("100")))
}

func TestSubmit_MarketRemainderDiscarded(t *testing.T) {
	led := ledger.NewMemory()
	x := newTestExchange(t, led, journal.NewMemory())
	fund(t, led, "seller", "BTC", "0.4")
	fund(t, led, "buyer", "USDT", "40")

	_, err := submitLimit(x, "seller", Sell, "100", "0.4")
	require.NoError(t, err)

	// The market order takes what liquidity exists; the unfillable
	// remainder is discarded, not rested, and the fills stand.
	result, err := submitMarket(x, "buyer", Buy, "1")
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	assert.True(t, result.Trades[0].Quantity.Equal(d("0.4")))
	assert.Equal(t, Rejected, result.Order.Status)

	bids, asks, err := x.Depth(testPair.Symbol, 0)
	require.NoError(t, err)
	assert.Empty(t, bids)
	assert.Empty(t, asks)

	assert.True(t, led.Balance("buyer", "BTC").Available.Equal(d("0.4")))
	assert.True(t, led.Balance("buyer", "USDT").Total().IsZero())
}

func TestSubmit_SelfTradePrevention(t *testing.T) {
	led := ledger.NewMemory()
	x := newTestExchange(t, led, journal.NewMemory())
	fund(t, led, "alice", "BTC", "1")
	fund(t, led, "alice", "USDT", "101")
	fund(t, led, "bob", "BTC", "1")

	// Alice's own ask is the best price; bob's sits behind it.
	aliceAsk, err := submitLimit(x, "alice", Sell, "100", "1")
	require.NoError(t, err)
	_, err = submitLimit(x, "bob", Sell, "101", "1")
	require.NoError(t, err)

	// Her buy walks past her own order and trades with bob at his price.
	taker, err := submitLimit(x, "alice", Buy, "101", "1")
	require.NoError(t, err)
	require.Len(t, taker.Trades, 1)
	assert.Equal(t, "bob", taker.Trades[0].MakerOwner)
	assert.True(t, taker.Trades[0].Price.Equal(d("101")))

	// Her resting ask is untouched.
	orders, err := x.OpenOrders(testPair.Symbol, "alice")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, aliceAsk.Order.UUID, orders[0].UUID)
	assert.True(t, orders[0].Quantity.Equal(d("1")))
}

func TestSubmit_MarketOnlyOwnOrders(t *testing.T) {
	led := ledger.NewMemory()
	x := newTestExchange(t, led, journal.NewMemory())
	fund(t, led, "alice", "BTC", "1")
	fund(t, led, "alice", "USDT", "100")

	_, err := submitLimit(x, "alice", Sell, "100", "1")
	require.NoError(t, err)

	// The only liquidity is her own, so the market order finds none.
	result, err := submitMarket(x, "alice", Buy, "1")
	assert.ErrorIs(t, err, ErrNotEnoughLiquidity)
	assert.Empty(t, result.Trades)

	_, asks, err := x.Depth(testPair.Symbol, 0)
	require.NoError(t, err)
	require.Len(t, asks, 1)
}

// --- Validation -------------------------------------------------------------

func TestSubmit_Validation(t *testing.T) {
	led := ledger.NewMemory()
	x := newTestExchange(t, led, journal.NewMemory())
	fund(t, led, "alice", "USDT", "1000")

	// Zero quantity.
	result, err := submitLimit(x, "alice", Buy, "100", "0")
	assert.ErrorIs(t, err, ErrInvalidOrder)
	assert.Equal(t, Rejected, result.Order.Status)

	// Zero price on a limit order.
	result, err = submitLimit(x, "alice", Buy, "0", "1")
	assert.ErrorIs(t, err, ErrInvalidOrder)
	assert.Equal(t, Rejected, result.Order.Status)

	// Unknown pair.
	_, err = x.SubmitOrder(SubmitRequest{
		Pair:      "DOGE/USDT",
		Owner:     "alice",
		OrderType: LimitOrder,
		Quantity:  d("1"),
	})
	assert.ErrorIs(t, err, ErrUnknownPair)

	// Stop-limit orders parse but the engine refuses them.
	result, err = x.SubmitOrder(SubmitRequest{
		Pair:       testPair.Symbol,
		Owner:      "alice",
		Side:       Buy,
		OrderType:  StopLimitOrder,
		LimitPrice: d("100"),
		StopPrice:  d("95"),
		Quantity:   d("1"),
	})
	assert.ErrorIs(t, err, ErrUnsupportedOrderType)
	assert.Equal(t, Rejected, result.Order.Status)

	// No rejection left any funds held.
	assert.True(t, led.Balance("alice", "USDT").Reserved.IsZero())
}

func TestSubmit_NotionalLimits(t *testing.T) {
	led := ledger.NewMemory()
	bounded := Pair{
		Symbol: "ETH/USDT", Base: "ETH", Quote: "USDT",
		MinNotional: d("10"), MaxNotional: d("1000"),
	}
	x := New(led, journal.NewMemory(), nopNotifier{})
	require.NoError(t, x.RegisterPair(bounded))
	fund(t, led, "alice", "USDT", "10000")

	_, err := x.SubmitOrder(SubmitRequest{
		Pair: bounded.Symbol, Owner: "alice", Side: Buy,
		OrderType: LimitOrder, LimitPrice: d("1"), Quantity: d("5"),
	})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = x.SubmitOrder(SubmitRequest{
		Pair: bounded.Symbol, Owner: "alice", Side: Buy,
		OrderType: LimitOrder, LimitPrice: d("100"), Quantity: d("20"),
	})
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = x.SubmitOrder(SubmitRequest{
		Pair: bounded.Symbol, Owner: "alice", Side: Buy,
		OrderType: LimitOrder, LimitPrice: d("100"), Quantity: d("5"),
	})
	assert.NoError(t, err)
}

func TestSubmit_InsufficientBalance(t *testing.T) {
	led := ledger.NewMemory()
	x := newTestExchange(t, led, journal.NewMemory())

	result, err := submitLimit(x, "pauper", Buy, "100", "1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, Rejected, result.Order.Status)
	assert.Empty(t, result.Trades)
}

// --- Settlement failure -----------------------------------------------------

func TestSubmit_SettlementAbortRollsBack(t *testing.T) {
	led := &flakyLedger{Memory: ledger.NewMemory(), failOn: 1}
	x := newTestExchange(t, led, journal.NewMemory())
	fund(t, led.Memory, "seller", "BTC", "1")
	fund(t, led.Memory, "buyer", "USDT", "100")

	maker, err := submitLimit(x, "seller", Sell, "100", "1")
	require.NoError(t, err)

	result, err := submitLimit(x, "buyer", Buy, "100", "1")
	assert.ErrorIs(t, err, ErrSettlementAborted)
	assert.Empty(t, result.Trades)
	assert.Equal(t, Rejected, result.Order.Status)

	// The maker is back in the book exactly as it was.
	_, asks, err := x.Depth(testPair.Symbol, 0)
	require.NoError(t, err)
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Quantity.Equal(d("1")))
	assert.Equal(t, Open, maker.Order.Status)

	// The taker's hold was returned; the maker's stays behind its order.
	assert.True(t, led.Balance("buyer", "USDT").Available.Equal(d("100")))
	assert.True(t, led.Balance("buyer", "USDT").Reserved.IsZero())
	assert.True(t, led.Balance("seller", "BTC").Reserved.Equal(d("1")))

	// The pair is not halted: settlement failure is an abort, not a
	// corruption.
	_, err = submitMarket(x, "buyer", Buy, "0.1")
	assert.NotErrorIs(t, err, ErrPairHalted)
}

func TestSubmit_SettlementAbortKeepsCommittedTrades(t *testing.T) {
	led := &flakyLedger{Memory: ledger.NewMemory(), failOn: 2}
	x := newTestExchange(t, led, journal.NewMemory())
	fund(t, led.Memory, "bob", "BTC", "0.5")
	fund(t, led.Memory, "carol", "BTC", "0.5")
	fund(t, led.Memory, "alice", "USDT", "100")

	_, err := submitLimit(x, "bob", Sell, "100", "0.5")
	require.NoError(t, err)
	carol, err := submitLimit(x, "carol", Sell, "100", "0.5")
	require.NoError(t, err)

	// First trade settles, the second aborts. The first stands.
	result, err := submitLimit(x, "alice", Buy, "100", "1")
	assert.ErrorIs(t, err, ErrSettlementAborted)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, "bob", result.Trades[0].MakerOwner)
	assert.Equal(t, Rejected, result.Order.Status)
	assert.True(t, result.Order.Filled().Equal(d("0.5")))

	// Carol's order was rolled back onto the book.
	assert.Equal(t, Open, carol.Order.Status)
	_, asks, err := x.Depth(testPair.Symbol, 0)
	require.NoError(t, err)
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Quantity.Equal(d("0.5")))

	// Alice keeps the first fill and the unused half of her hold.
	assert.True(t, led.Balance("alice", "BTC").Available.Equal(d("0.5")))
	assert.True(t, led.Balance("alice", "USDT").Available.Equal(d("50")))
	assert.True(t, led.Balance("alice", "USDT").Reserved.IsZero())
	assert.True(t, led.Balance("bob", "USDT").Available.Equal(d("50")))
}

// --- Cancellation -----------------------------------------------------------

func TestCancel(t *testing.T) {
	led := ledger.NewMemory()
	x := newTestExchange(t, led, journal.NewMemory())
	fund(t, led, "alice", "USDT", "100")

	resting, err := submitLimit(x, "alice", Buy, "100", "1")
	require.NoError(t, err)
	orderID := resting.Order.UUID

	_, err = x.CancelOrder(testPair.Symbol, "no-such-order", "alice")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = x.CancelOrder(testPair.Symbol, orderID, "mallory")
	assert.ErrorIs(t, err, ErrNotOwner)

	cancelled, err := x.CancelOrder(testPair.Symbol, orderID, "alice")
	require.NoError(t, err)
	assert.Equal(t, Cancelled, cancelled.Status)

	// The hold came back and the book is empty.
	bal := led.Balance("alice", "USDT")
	assert.True(t, bal.Available.Equal(d("100")))
	assert.True(t, bal.Reserved.IsZero())
	bids, _, err := x.Depth(testPair.Symbol, 0)
	require.NoError(t, err)
	assert.Empty(t, bids)

	// Cancelling again is reported, not silently absorbed.
	_, err = x.CancelOrder(testPair.Symbol, orderID, "alice")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestCancel_PartiallyFilledReturnsRemainingHold(t *testing.T) {
	led := ledger.NewMemory()
	x := newTestExchange(t, led, journal.NewMemory())
	fund(t, led, "seller", "BTC", "0.4")
	fund(t, led, "buyer", "USDT", "100")

	_, err := submitLimit(x, "seller", Sell, "100", "0.4")
	require.NoError(t, err)
	taker, err := submitLimit(x, "buyer", Buy, "100", "1")
	require.NoError(t, err)
	require.Equal(t, PartiallyFilled, taker.Order.Status)

	cancelled, err := x.CancelOrder(testPair.Symbol, taker.Order.UUID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, Cancelled, cancelled.Status)
	assert.True(t, cancelled.Filled().Equal(d("0.4")))

	// 40 settled, the held 60 behind the cancelled remainder came back.
	bal := led.Balance("buyer", "USDT")
	assert.True(t, bal.Available.Equal(d("60")))
	assert.True(t, bal.Reserved.IsZero())
}

// --- Halting ----------------------------------------------------------------

func TestHalt_OnJournalFailureDuringTrade(t *testing.T) {
	led := ledger.NewMemory()
	jnl := &tradeFailJournal{Memory: journal.NewMemory()}
	x := New(led, jnl, nopNotifier{})
	require.NoError(t, x.RegisterPair(testPair))
	fund(t, led, "seller", "BTC", "1")
	fund(t, led, "buyer", "USDT", "100")

	_, err := submitLimit(x, "seller", Sell, "100", "1")
	require.NoError(t, err)

	// The ledger committed but the journal could not record it; that
	// divergence halts the pair.
	_, err = submitLimit(x, "buyer", Buy, "100", "1")
	assert.ErrorIs(t, err, ErrInvariantViolation)

	// Halted pairs refuse orders before touching the ledger: no hold is
	// taken and no balance error masks the halt.
	fund(t, led, "buyer", "USDT", "50")
	result, err := submitLimit(x, "buyer", Buy, "100", "0.1")
	assert.ErrorIs(t, err, ErrPairHalted)
	assert.Equal(t, Rejected, result.Order.Status)
	bal := led.Balance("buyer", "USDT")
	assert.True(t, bal.Available.Equal(d("50")))
	assert.True(t, bal.Reserved.IsZero())

	_, err = x.CancelOrder(testPair.Symbol, "anything", "anyone")
	assert.ErrorIs(t, err, ErrPairHalted)
}

// --- Replay -----------------------------------------------------------------

func TestRestore_RejectedTakerDoesNotRest(t *testing.T) {
	jnl := journal.NewMemory()
	led := &flakyLedger{Memory: ledger.NewMemory(), failOn: 2}
	x := newTestExchange(t, led, jnl)
	fund(t, led.Memory, "bob", "BTC", "0.5")
	fund(t, led.Memory, "carol", "BTC", "0.5")
	fund(t, led.Memory, "alice", "USDT", "100")

	_, err := submitLimit(x, "bob", Sell, "100", "0.5")
	require.NoError(t, err)
	_, err = submitLimit(x, "carol", Sell, "100", "0.5")
	require.NoError(t, err)

	// Alice part-fills against bob, then the settlement abort rejects her
	// remainder. Live book: carol's half coin on offer, no bids.
	result, err := submitLimit(x, "alice", Buy, "100", "1")
	require.ErrorIs(t, err, ErrSettlementAborted)
	require.Equal(t, Rejected, result.Order.Status)

	restored := New(ledger.NewMemory(), jnl, nopNotifier{})
	require.NoError(t, restored.RegisterPair(testPair))
	require.NoError(t, restored.Restore())

	// The rejected taker was re-inserted by its acceptance event and
	// consumed by the trade; the rejection must take it back off the book.
	bids, asks, err := restored.Depth(testPair.Symbol, 0)
	require.NoError(t, err)
	assert.Empty(t, bids)
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Quantity.Equal(d("0.5")))

	open, err := restored.OpenOrders(testPair.Symbol, "alice")
	require.NoError(t, err)
	assert.Empty(t, open)
}

// --- Conservation -----------------------------------------------------------

func TestQuantityConservation(t *testing.T) {
	led := ledger.NewMemory()
	x := newTestExchange(t, led, journal.NewMemory())
	fund(t, led, "bob", "BTC", "10")
	fund(t, led, "carol", "BTC", "10")
	fund(t, led, "alice", "USDT", "100000")

	_, err := submitLimit(x, "bob", Sell, "99", "2")
	require.NoError(t, err)
	_, err = submitLimit(x, "carol", Sell, "100", "3")
	require.NoError(t, err)
	_, err = submitLimit(x, "bob", Sell, "101", "4")
	require.NoError(t, err)

	result, err := submitLimit(x, "alice", Buy, "100", "6")
	require.NoError(t, err)

	// Every trade debits taker and maker by the same quantity: the taker's
	// filled total equals the sum over its trades.
	total := decimal.Zero
	for _, trade := range result.Trades {
		total = total.Add(trade.Quantity)
	}
	assert.True(t, result.Order.Filled().Equal(total))
	assert.True(t, total.Equal(d("5")))

	// Base held by buyers plus base left with sellers is what was deposited.
	sellersBase := led.Balance("bob", "BTC").Total().Add(led.Balance("carol", "BTC").Total())
	buyersBase := led.Balance("alice", "BTC").Total()
	assert.True(t, sellersBase.Add(buyersBase).Equal(d("20")))
}
