package marketdata

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Snapshot is one observation of the simulated market for a contract.
// Invariant: Bid <= Price <= Ask and the spread is positive.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds generator tunables.
type Config struct {
	// Volatility is the annualised-style volatility driving the random
	// shock, applied as vol * sqrt(dt in days).
	Volatility float64

	// MeanReversion pulls the price back toward the contract's base
	// price, per day of elapsed time.
	MeanReversion float64

	// MinSpread and MaxSpread bound the randomly drawn bid/ask spread
	// as a fraction of price.
	MinSpread float64
	MaxSpread float64

	// FloorFactor and CeilingFactor clamp the price to hard bounds
	// relative to the base price.
	FloorFactor   float64
	CeilingFactor float64

	// FetchTimeout bounds the external feed call.
	FetchTimeout time.Duration

	// HistorySize is the per-contract snapshot retention count.
	HistorySize int
}

// DefaultConfig returns the stock simulation parameters.
func DefaultConfig() Config {
	return Config{
		Volatility:    0.30,
		MeanReversion: 2.0,
		MinSpread:     0.0005,
		MaxSpread:     0.0030,
		FloorFactor:   0.25,
		CeilingFactor: 4.0,
		FetchTimeout:  5 * time.Second,
		HistorySize:   1024,
	}
}

var errUnknownSymbol = errors.New("unknown market data symbol")

// snapshotRing is a fixed-size history buffer; oldest entries are
// evicted past the retention count.
type snapshotRing struct {
	buf  []*Snapshot
	head int
	size int
}

func newSnapshotRing(capacity int) *snapshotRing {
	if capacity <= 0 {
		capacity = 1024
	}
	return &snapshotRing{buf: make([]*Snapshot, capacity)}
}

func (r *snapshotRing) push(s *Snapshot) {
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// last returns up to n snapshots in chronological order.
func (r *snapshotRing) last(n int) []*Snapshot {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]*Snapshot, 0, n)
	start := r.head - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// contractState is the per-contract mutable price memory.
type contractState struct {
	mu       sync.Mutex
	base     float64
	tick     float64
	price    float64
	lastStep time.Time
	history  *snapshotRing
	candles  *candleSet
}

// Generator produces market data snapshots per contract. Safe for
// concurrent use across contracts and users.
type Generator struct {
	cfg    Config
	source Source
	logger *zap.Logger

	states map[string]*contractState
	mu     sync.RWMutex

	rng   *rand.Rand
	rngMu sync.Mutex
}

// NewGenerator creates a generator. source may be nil, in which case
// every price comes from the simulation.
func NewGenerator(cfg Config, source Source, logger *zap.Logger) *Generator {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1024
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	return &Generator{
		cfg:    cfg,
		source: source,
		logger: logger,
		states: make(map[string]*contractState),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RegisterContract seeds price state for a contract.
func (g *Generator) RegisterContract(symbol string, basePrice, tickSize float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.states[symbol]; ok {
		return
	}
	g.states[symbol] = &contractState{
		base:     basePrice,
		tick:     tickSize,
		price:    basePrice,
		lastStep: time.Now(),
		history:  newSnapshotRing(g.cfg.HistorySize),
		candles:  newCandleSet(),
	}
}

// Symbols returns the registered contract symbols.
func (g *Generator) Symbols() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0, len(g.states))
	for sym := range g.states {
		out = append(out, sym)
	}
	return out
}

func (g *Generator) state(symbol string) (*contractState, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	st, ok := g.states[symbol]
	if !ok {
		return nil, errUnknownSymbol
	}
	return st, nil
}

func (g *Generator) randFloat() float64 {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.rng.Float64()
}

func (g *Generator) randNorm() float64 {
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.rng.NormFloat64()
}

// CurrentPrice produces a fresh snapshot for a contract. It attempts
// the external feed under a bounded timeout and falls back to the
// random-walk simulation on any error; the fallback is never surfaced
// to the caller. No lock is held across the fetch.
func (g *Generator) CurrentPrice(symbol string) (*Snapshot, error) {
	st, err := g.state(symbol)
	if err != nil {
		return nil, err
	}

	var fetched *Quote
	if g.source != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.FetchTimeout)
		q, ferr := g.source.Fetch(ctx, symbol)
		cancel()
		if ferr != nil {
			g.logger.Debug("feed fetch failed, simulating",
				zap.String("symbol", symbol),
				zap.String("source", g.source.Name()),
				zap.Error(ferr))
		} else {
			fetched = q
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if fetched != nil {
		st.price = g.clamp(st, fetched.Price)
	} else {
		st.price = g.simulateStep(st, now)
	}
	st.lastStep = now

	snap := g.makeSnapshot(st, symbol, now, fetched)
	st.history.push(snap)
	st.candles.update(snap)
	return snap, nil
}

// simulateStep advances the random walk: mean reversion toward the
// base price plus a normal shock scaled by sqrt of elapsed time,
// clamped to hard bounds.
func (g *Generator) simulateStep(st *contractState, now time.Time) float64 {
	dtDays := now.Sub(st.lastStep).Seconds() / 86400
	if dtDays <= 0 {
		dtDays = 1e-9
	}

	drift := g.cfg.MeanReversion * (st.base - st.price) * dtDays
	shock := st.price * g.cfg.Volatility * math.Sqrt(dtDays) * g.randNorm()

	return g.clamp(st, st.price+drift+shock)
}

func (g *Generator) clamp(st *contractState, price float64) float64 {
	floor := st.base * g.cfg.FloorFactor
	ceiling := st.base * g.cfg.CeilingFactor
	if price < floor {
		return floor
	}
	if price > ceiling {
		return ceiling
	}
	return price
}

func (g *Generator) makeSnapshot(st *contractState, symbol string, now time.Time, fetched *Quote) *Snapshot {
	// Spread drawn uniformly in [MinSpread, MaxSpread], as a fraction
	// of price. Always positive.
	frac := g.cfg.MinSpread + g.randFloat()*(g.cfg.MaxSpread-g.cfg.MinSpread)
	half := st.price * frac / 2

	bid := roundToTick(st.price-half, st.tick)
	ask := roundToTick(st.price+half, st.tick)
	if bid >= st.price {
		bid = st.price - st.tick
	}
	if ask <= st.price {
		ask = st.price + st.tick
	}

	volume := 100 + g.randFloat()*900
	if fetched != nil && fetched.Volume > 0 {
		volume = fetched.Volume
	}

	return &Snapshot{
		Symbol:    symbol,
		Price:     st.price,
		Bid:       bid,
		Ask:       ask,
		Volume:    volume,
		Timestamp: now,
	}
}

// roundToTick rounds a price to the contract's tick size using exact
// decimal arithmetic.
func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	rounded, _ := p.Div(t).Round(0).Mul(t).Float64()
	return rounded
}

// LastPrice returns the most recent price without advancing the walk.
// Returns 0 for unknown symbols.
func (g *Generator) LastPrice(symbol string) float64 {
	st, err := g.state(symbol)
	if err != nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.price
}

// History returns up to n retained snapshots in chronological order.
func (g *Generator) History(symbol string, n int) ([]*Snapshot, error) {
	st, err := g.state(symbol)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.history.last(n), nil
}

// Candles returns up to limit candles for an interval, oldest first,
// including the current incomplete one.
func (g *Generator) Candles(symbol string, interval Interval, limit int) ([]*Candle, error) {
	st, err := g.state(symbol)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.candles.last(interval, limit), nil
}
