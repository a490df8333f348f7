package sim

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paperexch/derivsim/pkg/marketdata"
)

// Broadcaster receives the periodic market data republish and trade
// prints for streaming consumers. Implementations live in pkg/stream.
type Broadcaster interface {
	PublishSnapshot(snap *marketdata.Snapshot) error
	PublishTrade(trade *Trade) error
}

// TickCounter counts produced market data snapshots; see pkg/metrics.
type TickCounter interface {
	MarketDataTick()
}

// EngineConfig holds the background task intervals.
type EngineConfig struct {
	MarketDataInterval time.Duration
	PnLInterval        time.Duration
}

// DefaultEngineConfig returns the stock intervals.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MarketDataInterval: 10 * time.Second,
		PnLInterval:        30 * time.Second,
	}
}

// Engine ties the core together and runs the two periodic tasks: the
// market data republisher and the position PnL / margin sweep. Both go
// through the same concurrency-safe entry points as request handlers.
type Engine struct {
	cfg     EngineConfig
	store   Store
	orders  *OrderManager
	risk    *RiskManager
	md      *marketdata.Generator
	streams []Broadcaster
	ticks   TickCounter
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates the coordinator.
func NewEngine(cfg EngineConfig, store Store, orders *OrderManager, risk *RiskManager, md *marketdata.Generator, logger *zap.Logger) *Engine {
	if cfg.MarketDataInterval <= 0 {
		cfg.MarketDataInterval = 10 * time.Second
	}
	if cfg.PnLInterval <= 0 {
		cfg.PnLInterval = 30 * time.Second
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		orders: orders,
		risk:   risk,
		md:     md,
		logger: logger,
	}
}

// AddBroadcaster registers a streaming consumer. Call before Start.
func (e *Engine) AddBroadcaster(b Broadcaster) {
	e.streams = append(e.streams, b)
}

// SetTickCounter installs the market data instrumentation hook. Call
// before Start.
func (e *Engine) SetTickCounter(c TickCounter) {
	e.ticks = c
}

// Orders returns the order manager.
func (e *Engine) Orders() *OrderManager { return e.orders }

// Risk returns the risk manager.
func (e *Engine) Risk() *RiskManager { return e.risk }

// MarketData returns the generator.
func (e *Engine) MarketData() *marketdata.Generator { return e.md }

// Start registers active contracts with the generator and launches the
// background tasks.
func (e *Engine) Start() error {
	contracts, err := e.store.ListContracts()
	if err != nil {
		return err
	}
	for _, c := range contracts {
		if c.Active {
			// Seed the walk at the matching engine's reference price.
			e.md.RegisterContract(c.Symbol, e.orders.matching.LastPrice(c.Symbol), c.TickSize)
		}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(2)
	go e.marketDataLoop()
	go e.pnlLoop()

	e.logger.Info("engine started",
		zap.Int("contracts", len(contracts)),
		zap.Duration("mdInterval", e.cfg.MarketDataInterval),
		zap.Duration("pnlInterval", e.cfg.PnLInterval))
	return nil
}

// Stop cancels background tasks and waits for them to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// marketDataLoop republishes a fresh snapshot for every contract on a
// fixed interval.
func (e *Engine) marketDataLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MarketDataInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range e.md.Symbols() {
				snap, err := e.md.CurrentPrice(sym)
				if err != nil {
					e.logger.Warn("snapshot generation failed",
						zap.String("symbol", sym), zap.Error(err))
					continue
				}
				if e.ticks != nil {
					e.ticks.MarketDataTick()
				}
				for _, b := range e.streams {
					if err := b.PublishSnapshot(snap); err != nil {
						e.logger.Warn("snapshot publish failed",
							zap.String("symbol", sym), zap.Error(err))
					}
				}
			}
		}
	}
}

// pnlLoop recomputes unrealized PnL for all open positions and sweeps
// margin requirements per account.
func (e *Engine) pnlLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PnLInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			prices := make(map[string]float64)
			for _, sym := range e.md.Symbols() {
				if p := e.md.LastPrice(sym); p > 0 {
					prices[sym] = p
				}
			}
			if err := e.orders.UpdatePositionPnL(prices); err != nil {
				e.logger.Error("pnl sweep failed", zap.Error(err))
			}

			accounts, err := e.store.ListAccounts()
			if err != nil {
				e.logger.Error("account listing failed", zap.Error(err))
				continue
			}
			for _, a := range accounts {
				if _, err := e.risk.MonitorMarginRequirements(a.UserID); err != nil {
					e.logger.Error("margin sweep failed",
						zap.String("user", a.UserID), zap.Error(err))
				}
			}
		}
	}
}

// PublishTrades forwards trade prints to all registered broadcasters.
func (e *Engine) PublishTrades(trades []*Trade) {
	for _, t := range trades {
		for _, b := range e.streams {
			if err := b.PublishTrade(t); err != nil {
				e.logger.Warn("trade publish failed",
					zap.String("trade", t.ID), zap.Error(err))
			}
		}
	}
}
