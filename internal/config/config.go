// Package config loads service configuration from environment
// variables with sane simulation defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for the simulator service.
type Config struct {
	// Log level: debug, info, warn, error
	LogLevel string

	// Listen address for the WebSocket/metrics HTTP server.
	HTTPAddr string

	// Store backend: "memory" or "sqlite".
	StoreBackend string
	StorePath    string

	// NATS server URL; empty disables the NATS publisher.
	NATSURL string

	// External market data feed base URL; empty disables fetching.
	FeedURL      string
	FetchTimeout time.Duration

	// Background task intervals.
	MarketDataInterval time.Duration
	PnLInterval        time.Duration

	// Simulation parameters.
	Volatility     float64
	MeanReversion  float64
	MaxSlippageBps float64
	DailyVaRVol    float64

	// Risk limits.
	MaxPositionSize           float64
	MaxTotalExposure          float64
	MarginCallThreshold       float64
	ForceLiquidationThreshold float64
	ConcentrationLimit        float64
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		LogLevel:                  getEnvAsString("LOG_LEVEL", "info"),
		HTTPAddr:                  getEnvAsString("HTTP_ADDR", ":8080"),
		StoreBackend:              getEnvAsString("STORE_BACKEND", "sqlite"),
		StorePath:                 getEnvAsString("STORE_PATH", "data/derivsim.db"),
		NATSURL:                   getEnvAsString("NATS_URL", ""),
		FeedURL:                   getEnvAsString("FEED_URL", ""),
		FetchTimeout:              getEnvAsDuration("FETCH_TIMEOUT", 5*time.Second),
		MarketDataInterval:        getEnvAsDuration("MARKET_DATA_INTERVAL", 10*time.Second),
		PnLInterval:               getEnvAsDuration("PNL_INTERVAL", 30*time.Second),
		Volatility:                getEnvAsFloat("VOLATILITY", 0.30),
		MeanReversion:             getEnvAsFloat("MEAN_REVERSION", 2.0),
		MaxSlippageBps:            getEnvAsFloat("MAX_SLIPPAGE_BPS", 10),
		DailyVaRVol:               getEnvAsFloat("DAILY_VAR_VOL", 0.02),
		MaxPositionSize:           getEnvAsFloat("MAX_POSITION_SIZE", 1000),
		MaxTotalExposure:          getEnvAsFloat("MAX_TOTAL_EXPOSURE", 10_000_000),
		MarginCallThreshold:       getEnvAsFloat("MARGIN_CALL_THRESHOLD", 0.80),
		ForceLiquidationThreshold: getEnvAsFloat("FORCE_LIQUIDATION_THRESHOLD", 0.95),
		ConcentrationLimit:        getEnvAsFloat("CONCENTRATION_LIMIT", 0.40),
	}
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
