package tests

import (
	"testing"

	"mimir/internal/book"
	. "mimir/internal/common"
	"mimir/internal/engine"
	"mimir/internal/journal"
	"mimir/internal/ledger"
	"mimir/internal/notify"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

var testPair = Pair{Symbol: "BTC/USDT", Base: "BTC", Quote: "USDT"}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func submit(t *testing.T, x *engine.Exchange, owner string, side Side, orderType OrderType, price, qty string) *engine.Result {
	t.Helper()
	result, err := x.SubmitOrder(engine.SubmitRequest{
		Pair:       testPair.Symbol,
		Owner:      owner,
		Side:       side,
		OrderType:  orderType,
		LimitPrice: d(price),
		Quantity:   d(qty),
	})
	require.NoError(t, err)
	return result
}

func assertDepthEqual(t *testing.T, want, got []book.LevelSnapshot, side string) {
	t.Helper()
	require.Len(t, got, len(want), side)
	for i := range want {
		assert.True(t, want[i].Price.Equal(got[i].Price),
			"%s level %d price: want %s got %s", side, i, want[i].Price, got[i].Price)
		assert.True(t, want[i].Quantity.Equal(got[i].Quantity),
			"%s level %d quantity: want %s got %s", side, i, want[i].Quantity, got[i].Quantity)
		assert.Equal(t, want[i].Orders, got[i].Orders, side)
	}
}

// --- Tests ------------------------------------------------------------------

// Runs a day of mixed activity through the exchange, then rebuilds the books
// from the journal on a fresh exchange and checks they come back identical.
func TestExchange_EndToEndWithReplay(t *testing.T) {
	jnl := journal.NewMemory()
	led := ledger.NewMemory()
	events := notify.NewBuffered(256)
	x := engine.New(led, jnl, events)
	require.NoError(t, x.RegisterPair(testPair))

	require.NoError(t, led.Deposit("bob", "BTC", d("1")))
	require.NoError(t, led.Deposit("carol", "BTC", d("2")))
	require.NoError(t, led.Deposit("alice", "USDT", d("75750")))
	require.NoError(t, led.Deposit("dave", "USDT", d("14700")))
	require.NoError(t, led.Deposit("erin", "USDT", d("50500")))
	require.NoError(t, led.Deposit("frank", "USDT", d("9600")))

	// Resting liquidity.
	submit(t, x, "bob", Sell, LimitOrder, "50000", "1")
	carol := submit(t, x, "carol", Sell, LimitOrder, "50500", "2")
	dave := submit(t, x, "dave", Buy, LimitOrder, "49000", "0.3")
	submit(t, x, "frank", Buy, LimitOrder, "48000", "0.2")

	// Alice sweeps bob entirely and takes half a coin from carol.
	alice := submit(t, x, "alice", Buy, LimitOrder, "50500", "1.5")
	require.Len(t, alice.Trades, 2)
	assert.True(t, alice.Trades[0].Price.Equal(d("50000")))
	assert.True(t, alice.Trades[1].Price.Equal(d("50500")))
	assert.Equal(t, Filled, alice.Order.Status)

	// Dave changes his mind.
	_, err := x.CancelOrder(testPair.Symbol, dave.Order.UUID, "dave")
	require.NoError(t, err)

	// Erin lifts another coin off carol at the market.
	erin := submit(t, x, "erin", Buy, MarketOrder, "0", "1")
	require.Len(t, erin.Trades, 1)
	assert.True(t, erin.Trades[0].Price.Equal(d("50500")))
	assert.Equal(t, Filled, erin.Order.Status)

	// Carol has half a coin left on offer; frank's bid is untouched.
	bids, asks, err := x.Depth(testPair.Symbol, 0)
	require.NoError(t, err)
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Price.Equal(d("50500")))
	assert.True(t, asks[0].Quantity.Equal(d("0.5")))
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Price.Equal(d("48000")))

	// Balances: value in equals value out, per currency.
	totalBTC := decimal.Zero
	totalUSDT := decimal.Zero
	for _, owner := range []string{"alice", "bob", "carol", "dave", "erin", "frank"} {
		totalBTC = totalBTC.Add(led.Balance(owner, "BTC").Total())
		totalUSDT = totalUSDT.Add(led.Balance(owner, "USDT").Total())
	}
	assert.True(t, totalBTC.Equal(d("3")))
	assert.True(t, totalUSDT.Equal(d("150550")))

	// Notifications carried every trade.
	trades := 0
	for len(events.Events()) > 0 {
		if ev := <-events.Events(); ev.TypeOf == TradeExecuted {
			trades++
		}
	}
	assert.Equal(t, 3, trades)

	// A fresh exchange replaying the same journal rebuilds the same book.
	// The ledger is deliberately not rebuilt: settled balances are the
	// ledger's own state.
	restored := engine.New(ledger.NewMemory(), jnl, notify.NewAudit())
	require.NoError(t, restored.RegisterPair(testPair))
	require.NoError(t, restored.Restore())

	gotBids, gotAsks, err := restored.Depth(testPair.Symbol, 0)
	require.NoError(t, err)
	assertDepthEqual(t, bids, gotBids, "bids")
	assertDepthEqual(t, asks, gotAsks, "asks")

	// Carol's surviving remainder keeps its identity and fill history.
	open, err := restored.OpenOrders(testPair.Symbol, "carol")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, carol.Order.UUID, open[0].UUID)
	assert.True(t, open[0].Quantity.Equal(d("0.5")))
	assert.True(t, open[0].TotalQuantity.Equal(d("2")))
	assert.Equal(t, PartiallyFilled, open[0].Status)

	// Dave's cancelled order stays gone.
	open, err = restored.OpenOrders(testPair.Symbol, "dave")
	require.NoError(t, err)
	assert.Empty(t, open)
}

// Orders on different pairs never interact: each engine owns its own book
// and serializes independently.
func TestExchange_PairIsolation(t *testing.T) {
	led := ledger.NewMemory()
	x := engine.New(led, journal.NewMemory(), notify.NewAudit())
	ethPair := Pair{Symbol: "ETH/USDT", Base: "ETH", Quote: "USDT"}
	require.NoError(t, x.RegisterPair(testPair))
	require.NoError(t, x.RegisterPair(ethPair))

	require.NoError(t, led.Deposit("alice", "USDT", d("10000")))
	require.NoError(t, led.Deposit("bob", "ETH", d("1")))

	// A crossing price on another pair does not match.
	_, err := x.SubmitOrder(engine.SubmitRequest{
		Pair: ethPair.Symbol, Owner: "bob", Side: Sell,
		OrderType: LimitOrder, LimitPrice: d("3000"), Quantity: d("1"),
	})
	require.NoError(t, err)

	result, err := x.SubmitOrder(engine.SubmitRequest{
		Pair: testPair.Symbol, Owner: "alice", Side: Buy,
		OrderType: LimitOrder, LimitPrice: d("3000"), Quantity: d("1"),
	})
	require.NoError(t, err)
	assert.Empty(t, result.Trades)
	assert.Equal(t, Open, result.Order.Status)

	pairs := x.Pairs()
	assert.Len(t, pairs, 2)
}

// Registering the same pair twice must not wipe its book.
func TestExchange_ReregisterKeepsBook(t *testing.T) {
	led := ledger.NewMemory()
	x := engine.New(led, journal.NewMemory(), notify.NewAudit())
	require.NoError(t, x.RegisterPair(testPair))
	require.NoError(t, led.Deposit("alice", "USDT", d("100")))

	_, err := x.SubmitOrder(engine.SubmitRequest{
		Pair: testPair.Symbol, Owner: "alice", Side: Buy,
		OrderType: LimitOrder, LimitPrice: d("100"), Quantity: d("1"),
	})
	require.NoError(t, err)

	require.NoError(t, x.RegisterPair(testPair))
	bids, _, err := x.Depth(testPair.Symbol, 0)
	require.NoError(t, err)
	require.Len(t, bids, 1)
}
