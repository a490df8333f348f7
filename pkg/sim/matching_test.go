package sim_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperexch/derivsim/pkg/sim"
)

func newTestMatching(seeds map[string]float64) *sim.MatchingEngine {
	cfg := sim.DefaultMatchingConfig()
	for sym, p := range seeds {
		cfg.SeedPrices[sym] = p
	}
	return sim.NewMatchingEngine(cfg)
}

func testOrder(symbol string, side sim.Side, typ sim.OrderType, qty, limit float64) *sim.Order {
	return &sim.Order{
		ID:         "test-order",
		UserID:     "u1",
		Symbol:     symbol,
		Side:       side,
		Type:       typ,
		Quantity:   qty,
		LimitPrice: limit,
	}
}

func TestLimitOrderBoundaryFill(t *testing.T) {
	engine := newTestMatching(map[string]float64{"GOLD-2026DEC": 1900})

	t.Run("BuyAtReferenceFills", func(t *testing.T) {
		order := testOrder("GOLD-2026DEC", sim.Buy, sim.Limit, 5, 1900)
		trades, status, err := engine.Execute(order, nil)
		require.NoError(t, err)
		assert.Equal(t, sim.StatusFilled, status)
		require.Len(t, trades, 1)
		assert.Equal(t, 1900.0, trades[0].Price)
		assert.Equal(t, 5.0, trades[0].Quantity)
	})

	t.Run("SellAtReferenceFills", func(t *testing.T) {
		order := testOrder("GOLD-2026DEC", sim.Sell, sim.Limit, 5, 1900)
		trades, status, err := engine.Execute(order, nil)
		require.NoError(t, err)
		assert.Equal(t, sim.StatusFilled, status)
		require.Len(t, trades, 1)
	})

	t.Run("BuyBelowReferenceRests", func(t *testing.T) {
		order := testOrder("GOLD-2026DEC", sim.Buy, sim.Limit, 5, 1899.99)
		trades, status, err := engine.Execute(order, nil)
		require.NoError(t, err)
		assert.Equal(t, sim.StatusPending, status)
		assert.Empty(t, trades)
	})

	t.Run("ZeroLimitPriceRejected", func(t *testing.T) {
		order := testOrder("GOLD-2026DEC", sim.Buy, sim.Limit, 5, 0)
		_, status, err := engine.Execute(order, nil)
		assert.ErrorIs(t, err, sim.ErrInvalidPrice)
		assert.Equal(t, sim.StatusRejected, status)
	})
}

func TestLimitFillsAtLimitPrice(t *testing.T) {
	engine := newTestMatching(map[string]float64{"OIL-2026NOV": 80})

	// A buy limit above the reference executes at its own limit, not
	// at the reference.
	order := testOrder("OIL-2026NOV", sim.Buy, sim.Limit, 10, 81.5)
	trades, status, err := engine.Execute(order, nil)
	require.NoError(t, err)
	assert.Equal(t, sim.StatusFilled, status)
	require.Len(t, trades, 1)
	assert.Equal(t, 81.5, trades[0].Price)
	assert.Equal(t, 81.5, engine.LastPrice("OIL-2026NOV"))
}

func TestMarketOrderSlippageBounds(t *testing.T) {
	engine := newTestMatching(map[string]float64{"SPX-2026DEC": 5000})

	for i := 0; i < 200; i++ {
		ref := engine.LastPrice("SPX-2026DEC")
		side := sim.Buy
		if i%2 == 1 {
			side = sim.Sell
		}
		order := testOrder("SPX-2026DEC", side, sim.Market, 1, 0)
		trades, status, err := engine.Execute(order, nil)
		require.NoError(t, err)
		require.Equal(t, sim.StatusFilled, status)
		require.Len(t, trades, 1)

		// Within +/- 10 bps of the pre-trade reference.
		maxDev := ref * 0.001
		assert.LessOrEqual(t, math.Abs(trades[0].Price-ref), maxDev+1e-9)
	}
}

func TestMarketFillsOnTickGrid(t *testing.T) {
	engine := newTestMatching(map[string]float64{"SPX-2026DEC": 5000})
	contract := &sim.Contract{Symbol: "SPX-2026DEC", TickSize: 0.25, Active: true}

	for i := 0; i < 50; i++ {
		order := testOrder("SPX-2026DEC", sim.Buy, sim.Market, 1, 0)
		trades, status, err := engine.Execute(order, contract)
		require.NoError(t, err)
		require.Equal(t, sim.StatusFilled, status)
		require.Len(t, trades, 1)

		// The slipped price lands on a multiple of the tick size.
		steps := trades[0].Price / 0.25
		assert.InDelta(t, math.Round(steps), steps, 1e-6)
	}
}

func TestLastPriceSeedFallback(t *testing.T) {
	engine := newTestMatching(map[string]float64{"GOLD-2026DEC": 1900})

	assert.Equal(t, 1900.0, engine.LastPrice("GOLD-2026DEC"))
	// Unseeded symbols use the default seed.
	assert.Equal(t, 100.0, engine.LastPrice("UNSEEDED"))

	order := testOrder("GOLD-2026DEC", sim.Buy, sim.Limit, 1, 1905)
	trades, _, err := engine.Execute(order, nil)
	require.NoError(t, err)
	assert.Equal(t, trades[0].Price, engine.LastPrice("GOLD-2026DEC"))
}

func TestStopOrderNeverExecutes(t *testing.T) {
	engine := newTestMatching(nil)

	order := testOrder("GOLD-2026DEC", sim.Buy, sim.Stop, 5, 0)
	trades, status, err := engine.Execute(order, nil)
	assert.ErrorIs(t, err, sim.ErrUnsupportedOrderType)
	assert.Equal(t, sim.StatusRejected, status)
	assert.Empty(t, trades)
}

func TestTradeOrderIDBySide(t *testing.T) {
	engine := newTestMatching(map[string]float64{"EUR-2026DEC": 1.10})

	buy := testOrder("EUR-2026DEC", sim.Buy, sim.Limit, 1, 1.10)
	trades, _, err := engine.Execute(buy, nil)
	require.NoError(t, err)
	assert.Equal(t, buy.ID, trades[0].BuyOrderID)
	assert.Empty(t, trades[0].SellOrderID)

	sell := testOrder("EUR-2026DEC", sim.Sell, sim.Limit, 1, 1.10)
	trades, _, err = engine.Execute(sell, nil)
	require.NoError(t, err)
	assert.Equal(t, sell.ID, trades[0].SellOrderID)
	assert.Empty(t, trades[0].BuyOrderID)
}
