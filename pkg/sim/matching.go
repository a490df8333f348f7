package sim

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MatchingConfig holds matching engine tunables. Slippage and seed
// prices are simulation conveniences, not calibrated market
// assumptions.
type MatchingConfig struct {
	// MaxSlippageBps bounds the random slippage applied to market
	// orders, in basis points of the reference price.
	MaxSlippageBps float64

	// SeedPrices provides the reference price for a contract before
	// any trade has printed.
	SeedPrices map[string]float64

	// DefaultSeedPrice is used when a contract has no entry in
	// SeedPrices.
	DefaultSeedPrice float64
}

// DefaultMatchingConfig returns the stock simulation parameters.
func DefaultMatchingConfig() MatchingConfig {
	return MatchingConfig{
		MaxSlippageBps:   10, // +/- 0.1%
		SeedPrices:       make(map[string]float64),
		DefaultSeedPrice: 100,
	}
}

// priceCell owns the last traded price for a single contract. Cells
// are locked individually so contracts trade concurrently.
type priceCell struct {
	mu     sync.Mutex
	price  float64
	traded bool
}

// MatchingEngine decides whether and at what price an order executes
// against the simulated market.
type MatchingEngine struct {
	cfg   MatchingConfig
	cells map[string]*priceCell
	mu    sync.Mutex // guards the cells map, never held during a match

	rng   *rand.Rand
	rngMu sync.Mutex
}

// NewMatchingEngine creates a matching engine.
func NewMatchingEngine(cfg MatchingConfig) *MatchingEngine {
	if cfg.SeedPrices == nil {
		cfg.SeedPrices = make(map[string]float64)
	}
	if cfg.DefaultSeedPrice <= 0 {
		cfg.DefaultSeedPrice = 100
	}
	return &MatchingEngine{
		cfg:   cfg,
		cells: make(map[string]*priceCell),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// cell returns the price cell for a symbol, creating it on first use.
func (me *MatchingEngine) cell(symbol string) *priceCell {
	me.mu.Lock()
	defer me.mu.Unlock()

	c, ok := me.cells[symbol]
	if !ok {
		c = &priceCell{}
		me.cells[symbol] = c
	}
	return c
}

// seedPrice returns the configured pre-trade reference price.
func (me *MatchingEngine) seedPrice(symbol string) float64 {
	if p, ok := me.cfg.SeedPrices[symbol]; ok && p > 0 {
		return p
	}
	return me.cfg.DefaultSeedPrice
}

// LastPrice returns the last traded price for a symbol, falling back
// to the seed price when nothing has traded yet.
func (me *MatchingEngine) LastPrice(symbol string) float64 {
	c := me.cell(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.traded {
		return c.price
	}
	return me.seedPrice(symbol)
}

// slip applies bounded random slippage to a market execution price.
func (me *MatchingEngine) slip(price float64) float64 {
	me.rngMu.Lock()
	f := me.rng.Float64()
	me.rngMu.Unlock()

	// Uniform in [-MaxSlippageBps, +MaxSlippageBps].
	bps := (f*2 - 1) * me.cfg.MaxSlippageBps
	return price * (1 + bps/10000)
}

// Execute matches an order against the simulated market and returns
// the resulting trades plus the order's new status. Quantity has been
// validated by the order manager before reaching the engine.
func (me *MatchingEngine) Execute(order *Order, contract *Contract) ([]*Trade, OrderStatus, error) {
	var tick float64
	if contract != nil {
		tick = contract.TickSize
	}
	switch order.Type {
	case Market:
		return me.executeMarket(order, tick)
	case Limit:
		return me.executeLimit(order)
	default:
		// Stop orders are validated upstream but never execute.
		return nil, StatusRejected, ErrUnsupportedOrderType
	}
}

func (me *MatchingEngine) executeMarket(order *Order, tick float64) ([]*Trade, OrderStatus, error) {
	c := me.cell(order.Symbol)
	c.mu.Lock()
	defer c.mu.Unlock()

	ref := me.seedPrice(order.Symbol)
	if c.traded {
		ref = c.price
	}
	// Slipped prices land on the contract's tick grid.
	px := roundToTick(me.slip(ref), tick)

	trade := me.newTrade(order, px)
	c.price = px
	c.traded = true

	return []*Trade{trade}, StatusFilled, nil
}

func (me *MatchingEngine) executeLimit(order *Order) ([]*Trade, OrderStatus, error) {
	if order.LimitPrice <= 0 {
		return nil, StatusRejected, ErrInvalidPrice
	}

	c := me.cell(order.Symbol)
	c.mu.Lock()
	defer c.mu.Unlock()

	ref := me.seedPrice(order.Symbol)
	if c.traded {
		ref = c.price
	}

	// Boundary prices execute: >= for buys, <= for sells.
	crosses := (order.Side == Buy && order.LimitPrice >= ref) ||
		(order.Side == Sell && order.LimitPrice <= ref)
	if !crosses {
		return nil, StatusPending, nil
	}

	// Eligible limit orders fill fully at their own limit price.
	trade := me.newTrade(order, order.LimitPrice)
	c.price = order.LimitPrice
	c.traded = true

	return []*Trade{trade}, StatusFilled, nil
}

// roundToTick rounds a price to the contract's tick size using exact
// decimal arithmetic. A zero tick leaves the price unrounded.
func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	rounded, _ := p.Div(t).Round(0).Mul(t).Float64()
	return rounded
}

func (me *MatchingEngine) newTrade(order *Order, price float64) *Trade {
	t := &Trade{
		ID:         uuid.NewString(),
		Symbol:     order.Symbol,
		UserID:     order.UserID,
		Quantity:   order.Quantity,
		Price:      price,
		ExecutedAt: time.Now(),
	}
	if order.Side == Buy {
		t.BuyOrderID = order.ID
	} else {
		t.SellOrderID = order.ID
	}
	return t
}
