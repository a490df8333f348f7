// simd is the derivatives trading simulator daemon. It wires the
// matching engine, risk manager, order manager, market data generator
// and streaming layers together and serves WebSocket market data plus
// Prometheus metrics over HTTP.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/paperexch/derivsim/internal/config"
	"github.com/paperexch/derivsim/pkg/marketdata"
	"github.com/paperexch/derivsim/pkg/metrics"
	"github.com/paperexch/derivsim/pkg/sim"
	"github.com/paperexch/derivsim/pkg/store"
	"github.com/paperexch/derivsim/pkg/stream"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting simd",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("store", cfg.StoreBackend),
		zap.String("nats_url", cfg.NATSURL),
		zap.String("feed_url", cfg.FeedURL),
	)

	st, err := openStore(cfg)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	if err := seed(st); err != nil {
		logger.Fatal("failed to seed store", zap.Error(err))
	}

	var source marketdata.Source
	if cfg.FeedURL != "" {
		source = marketdata.NewHTTPSource(cfg.FeedURL, cfg.FetchTimeout)
	}
	mdCfg := marketdata.DefaultConfig()
	mdCfg.Volatility = cfg.Volatility
	mdCfg.MeanReversion = cfg.MeanReversion
	mdCfg.FetchTimeout = cfg.FetchTimeout
	gen := marketdata.NewGenerator(mdCfg, source, logger)

	matchCfg := sim.DefaultMatchingConfig()
	matchCfg.MaxSlippageBps = cfg.MaxSlippageBps
	matching := sim.NewMatchingEngine(matchCfg)

	limits := sim.RiskLimits{
		MaxPositionSize:           cfg.MaxPositionSize,
		MaxTotalExposure:          cfg.MaxTotalExposure,
		MarginCallThreshold:       cfg.MarginCallThreshold,
		ForceLiquidationThreshold: cfg.ForceLiquidationThreshold,
		ConcentrationLimit:        cfg.ConcentrationLimit,
		DailyLossLimit:            sim.DefaultRiskLimits().DailyLossLimit,
		VolatilityExposureLimit:   sim.DefaultRiskLimits().VolatilityExposureLimit,
	}
	risk := sim.NewRiskManager(limits, st, matching.LastPrice, cfg.DailyVaRVol, logger)

	collectors := metrics.New(prometheus.DefaultRegisterer)
	orders := sim.NewOrderManager(st, risk, matching, logger)
	orders.SetMetrics(collectors)

	engine := sim.NewEngine(sim.EngineConfig{
		MarketDataInterval: cfg.MarketDataInterval,
		PnLInterval:        cfg.PnLInterval,
	}, st, orders, risk, gen, logger)
	engine.SetTickCounter(collectors)

	hub := stream.NewHub(logger)
	hub.Start()
	defer hub.Stop()
	engine.AddBroadcaster(hub)

	if cfg.NATSURL != "" {
		pub, err := stream.NewNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer pub.Close()
		engine.AddBroadcaster(pub)
	}

	if err := engine.Start(); err != nil {
		logger.Fatal("failed to start engine", zap.Error(err))
	}
	defer engine.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	srvErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-srvErrCh:
		logger.Error("http server error", zap.Error(err))
	}

	logger.Info("shutting down")
	srv.Close()
	engine.Stop()
	logger.Info("simd stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func openStore(cfg *config.Config) (sim.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.OpenSQLite(cfg.StorePath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// seed installs the contracts and demo accounts the simulator trades,
// skipping anything already present so restarts keep state.
func seed(st sim.Store) error {
	contracts := []*sim.Contract{
		{Symbol: "GOLD-2026DEC", Expiry: time.Date(2026, 12, 18, 0, 0, 0, 0, time.UTC), ContractSize: 100, TickSize: 0.10, InitialMargin: 220, MaintenanceMargin: 200, Active: true},
		{Symbol: "OIL-2026NOV", Expiry: time.Date(2026, 11, 20, 0, 0, 0, 0, time.UTC), ContractSize: 1000, TickSize: 0.01, InitialMargin: 9, MaintenanceMargin: 7.5, Active: true},
		{Symbol: "SPX-2026DEC", Expiry: time.Date(2026, 12, 18, 0, 0, 0, 0, time.UTC), ContractSize: 50, TickSize: 0.25, InitialMargin: 640, MaintenanceMargin: 580, Active: true},
		{Symbol: "EUR-2026DEC", Expiry: time.Date(2026, 12, 14, 0, 0, 0, 0, time.UTC), ContractSize: 125000, TickSize: 0.00005, InitialMargin: 0.03, MaintenanceMargin: 0.025, Active: true},
	}
	for _, c := range contracts {
		if existing, err := st.GetContract(c.Symbol); err == nil && existing != nil {
			continue
		}
		if err := st.SaveContract(c); err != nil {
			return err
		}
	}

	accounts := []*sim.Account{
		{UserID: "demo-1", Balance: 1_000_000, MarginAvailable: 1_000_000},
		{UserID: "demo-2", Balance: 250_000, MarginAvailable: 250_000},
	}
	for _, a := range accounts {
		if existing, err := st.GetAccount(a.UserID); err == nil && existing != nil {
			continue
		}
		a.UpdatedAt = time.Now()
		if err := st.SaveAccount(a); err != nil {
			return err
		}
	}
	return nil
}
