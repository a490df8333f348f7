package sim_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/paperexch/derivsim/pkg/sim"
)

func savePosition(t *testing.T, env *testEnv, userID, symbol string, qty, entry float64) {
	t.Helper()
	require.NoError(t, env.store.SavePosition(&sim.Position{
		UserID:        userID,
		Symbol:        symbol,
		Quantity:      qty,
		AvgEntryPrice: entry,
		UpdatedAt:     time.Now(),
	}))
}

func TestPreTradeChecks(t *testing.T) {
	limits := sim.DefaultRiskLimits()
	env := newTestEnv(t, limits)
	gold, err := env.store.GetContract("GOLD-2026DEC")
	require.NoError(t, err)

	t.Run("PositionSize", func(t *testing.T) {
		res := env.risk.CheckPreTradeRisk("u1", gold, 1001, 1900)
		assert.False(t, res.Allowed)
		assert.Contains(t, res.Reason, "max position size")
	})

	t.Run("TotalExposure", func(t *testing.T) {
		savePosition(t, env, "whale", "OIL-2026NOV", 1000, 80)
		require.NoError(t, env.store.SaveAccount(&sim.Account{
			UserID: "whale", Balance: 50_000_000, MarginAvailable: 50_000_000,
		}))

		// Oil marks at 80 for 80k of standing exposure; 50 gold at
		// 1900 adds 95k against a 100k ceiling.
		tight := limits
		tight.MaxTotalExposure = 100_000
		tightRisk := sim.NewRiskManager(tight, env.store, env.matching.LastPrice, 0.02, zap.NewNop())
		res := tightRisk.CheckPreTradeRisk("whale", gold, 50, 1900)
		assert.False(t, res.Allowed)
		assert.Contains(t, res.Reason, "total exposure")
	})

	t.Run("Margin", func(t *testing.T) {
		require.NoError(t, env.store.SaveAccount(&sim.Account{
			UserID: "thin", Balance: 100, MarginAvailable: 100,
		}))
		res := env.risk.CheckPreTradeRisk("thin", gold, 5, 1900)
		assert.False(t, res.Allowed)
		assert.Contains(t, res.Reason, "insufficient margin")
	})

	t.Run("Concentration", func(t *testing.T) {
		require.NoError(t, env.store.SaveAccount(&sim.Account{
			UserID: "conc", Balance: 10_000_000, MarginAvailable: 10_000_000,
		}))
		savePosition(t, env, "conc", "OIL-2026NOV", 600, 80)

		// Oil marks at 80 for 48k exposure; 50 gold at 1900 is 95k,
		// 66% of the combined book against a 40% limit.
		res := env.risk.CheckPreTradeRisk("conc", gold, 50, 1900)
		assert.False(t, res.Allowed)
		assert.Contains(t, res.Reason, "concentration")
	})

	t.Run("Allowed", func(t *testing.T) {
		res := env.risk.CheckPreTradeRisk("u1", gold, 5, 1900)
		assert.True(t, res.Allowed)
		assert.Empty(t, res.Reason)
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		res := env.risk.CheckPreTradeRisk("ghost", gold, 5, 1900)
		assert.False(t, res.Allowed)
		assert.Contains(t, res.Reason, "account not found")
	})
}

func TestPostTradeRiskLevels(t *testing.T) {
	t.Run("FlatBookIsLow", func(t *testing.T) {
		env := newTestEnv(t, sim.DefaultRiskLimits())
		m, err := env.risk.CheckPostTradeRisk("u1")
		require.NoError(t, err)
		assert.Equal(t, "LOW", m.Level)
		assert.Empty(t, m.Warnings)
		assert.Equal(t, 0.0, m.TotalExposure)
	})

	t.Run("LeverageOnlyIsMedium", func(t *testing.T) {
		env := newTestEnv(t, sim.DefaultRiskLimits())
		require.NoError(t, env.store.SaveAccount(&sim.Account{
			UserID: "lev", Balance: 20_000, MarginAvailable: 20_000,
		}))
		// Three legs keep concentration under 40% while leverage runs
		// to about 9x.
		require.NoError(t, env.store.SaveContract(&sim.Contract{
			Symbol: "SPX-2026DEC", MaintenanceMargin: 580, Active: true,
		}))
		savePosition(t, env, "lev", "GOLD-2026DEC", 32, 1900)  // ~60.8k
		savePosition(t, env, "lev", "OIL-2026NOV", 750, 80)    // 60k
		savePosition(t, env, "lev", "SPX-2026DEC", 600, 100)   // 60k at default seed

		m, err := env.risk.CheckPostTradeRisk("lev")
		require.NoError(t, err)
		assert.Equal(t, "MEDIUM", m.Level)
		require.Len(t, m.Warnings, 1)
		assert.Contains(t, m.Warnings[0], "leverage")
		assert.Greater(t, m.Leverage, 5.0)
	})

	t.Run("MultipleWarningsAreHigh", func(t *testing.T) {
		env := newTestEnv(t, sim.DefaultRiskLimits())
		require.NoError(t, env.store.SaveAccount(&sim.Account{
			UserID: "hot", Balance: 10_000, MarginAvailable: 10_000,
		}))
		// One contract carries the whole book: leverage 19x and
		// concentration 100%.
		savePosition(t, env, "hot", "GOLD-2026DEC", 100, 1900)

		m, err := env.risk.CheckPostTradeRisk("hot")
		require.NoError(t, err)
		assert.Equal(t, "HIGH", m.Level)
		assert.GreaterOrEqual(t, len(m.Warnings), 2)
		assert.Equal(t, 1.0, m.Concentration)
	})
}

func TestMonitorMarginRequirements(t *testing.T) {
	env := newTestEnv(t, sim.DefaultRiskLimits())

	t.Run("Healthy", func(t *testing.T) {
		require.NoError(t, env.store.SaveAccount(&sim.Account{
			UserID: "m1", Balance: 10_000, MarginAvailable: 0,
		}))
		// 10 gold units need 2000 maintenance margin; entry equals the
		// mark so there is no unrealized PnL.
		savePosition(t, env, "m1", "GOLD-2026DEC", 10, 1900)

		status, err := env.risk.MonitorMarginRequirements("m1")
		require.NoError(t, err)
		assert.Equal(t, 2000.0, status.RequiredMargin)
		assert.Equal(t, 10_000.0, status.Equity)
		assert.InDelta(t, 0.2, status.Utilization, 1e-9)
		assert.False(t, status.MarginCall)
		assert.False(t, status.ForceLiquidation)

		// The sweep refreshed the account's available margin.
		account, err := env.store.GetAccount("m1")
		require.NoError(t, err)
		assert.Equal(t, 8000.0, account.MarginAvailable)
	})

	t.Run("MarginCall", func(t *testing.T) {
		require.NoError(t, env.store.SaveAccount(&sim.Account{
			UserID: "m2", Balance: 2300, MarginAvailable: 0,
		}))
		savePosition(t, env, "m2", "GOLD-2026DEC", 10, 1900)

		status, err := env.risk.MonitorMarginRequirements("m2")
		require.NoError(t, err)
		assert.True(t, status.MarginCall)
		assert.False(t, status.ForceLiquidation)
	})

	t.Run("ForceLiquidation", func(t *testing.T) {
		require.NoError(t, env.store.SaveAccount(&sim.Account{
			UserID: "m3", Balance: 2000, MarginAvailable: 0,
		}))
		savePosition(t, env, "m3", "GOLD-2026DEC", 10, 1900)

		status, err := env.risk.MonitorMarginRequirements("m3")
		require.NoError(t, err)
		assert.Equal(t, 1.0, status.Utilization)
		assert.True(t, status.MarginCall)
		assert.True(t, status.ForceLiquidation)

		account, err := env.store.GetAccount("m3")
		require.NoError(t, err)
		assert.Equal(t, 0.0, account.MarginAvailable)
	})

	t.Run("NegativeEquitySaturates", func(t *testing.T) {
		require.NoError(t, env.store.SaveAccount(&sim.Account{
			UserID: "m4", Balance: 100, MarginAvailable: 0,
		}))
		// Entered far above the current mark: deep unrealized loss.
		savePosition(t, env, "m4", "GOLD-2026DEC", 10, 2500)

		status, err := env.risk.MonitorMarginRequirements("m4")
		require.NoError(t, err)
		assert.Equal(t, 1.0, status.Utilization)
		assert.True(t, status.ForceLiquidation)
	})
}

func TestCalculateVaR(t *testing.T) {
	env := newTestEnv(t, sim.DefaultRiskLimits())
	require.NoError(t, env.store.SaveAccount(&sim.Account{
		UserID: "v1", Balance: 1_000_000, MarginAvailable: 1_000_000,
	}))
	// 100 oil at the 80 mark: 8000 exposure.
	savePosition(t, env, "v1", "OIL-2026NOV", 100, 80)

	oneDay, err := env.risk.CalculateVaR("v1", 0.95, 1)
	require.NoError(t, err)
	assert.InDelta(t, 8000*0.02*1.65, oneDay.VaR, 1e-6)
	assert.InDelta(t, 1.3*oneDay.VaR, oneDay.ExpectedShortfall, 1e-6)

	t.Run("SqrtHorizonScaling", func(t *testing.T) {
		fourDay, err := env.risk.CalculateVaR("v1", 0.95, 4)
		require.NoError(t, err)
		assert.InDelta(t, 2*oneDay.VaR, fourDay.VaR, 1e-6)
	})

	t.Run("ConfidenceOrdering", func(t *testing.T) {
		p99, err := env.risk.CalculateVaR("v1", 0.99, 1)
		require.NoError(t, err)
		p90, err := env.risk.CalculateVaR("v1", 0.90, 1)
		require.NoError(t, err)
		assert.Greater(t, p99.VaR, oneDay.VaR)
		assert.Greater(t, oneDay.VaR, p90.VaR)
	})

	t.Run("FlatBookIsZero", func(t *testing.T) {
		v, err := env.risk.CalculateVaR("u1", 0.95, 1)
		require.NoError(t, err)
		assert.Equal(t, 0.0, v.VaR)
	})
}

func TestGenerateRiskReport(t *testing.T) {
	env := newTestEnv(t, sim.DefaultRiskLimits())

	t.Run("FlatBook", func(t *testing.T) {
		report, err := env.risk.GenerateRiskReport("u1")
		require.NoError(t, err)
		assert.Equal(t, 0.0, report.RiskScore)
		assert.Empty(t, report.Alerts)
		require.Len(t, report.Recommendations, 1)
		assert.Contains(t, report.Recommendations[0], "within configured limits")
	})

	t.Run("RiskyBook", func(t *testing.T) {
		require.NoError(t, env.store.SaveAccount(&sim.Account{
			UserID: "risky", Balance: 10_000, MarginAvailable: 0,
		}))
		savePosition(t, env, "risky", "GOLD-2026DEC", 100, 1900)

		report, err := env.risk.GenerateRiskReport("risky")
		require.NoError(t, err)
		assert.Greater(t, report.RiskScore, 50.0)
		assert.LessOrEqual(t, report.RiskScore, 100.0)
		assert.NotEmpty(t, report.Alerts)
		assert.NotEmpty(t, report.Recommendations)
		assert.NotNil(t, report.MarginStatus)
		assert.NotNil(t, report.VaRMetrics)
		assert.NotNil(t, report.RiskMetrics)
	})
}
