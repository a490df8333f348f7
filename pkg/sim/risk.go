package sim

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// RiskCheckResult is the structured outcome of a pre-trade check. A
// decline is an expected business outcome, not an error.
type RiskCheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// RiskMetrics contains post-trade metrics for a user.
type RiskMetrics struct {
	TotalExposure float64  `json:"totalExposure"`
	Leverage      float64  `json:"leverage"`
	Concentration float64  `json:"concentration"`
	UnrealizedPnL float64  `json:"unrealizedPnl"`
	RealizedPnL   float64  `json:"realizedPnl"`
	Level         string   `json:"level"` // LOW, MEDIUM, HIGH
	Warnings      []string `json:"warnings"`
}

// MarginStatus is the result of a margin sweep for one user.
type MarginStatus struct {
	RequiredMargin   float64 `json:"requiredMargin"`
	Equity           float64 `json:"equity"`
	Utilization      float64 `json:"utilization"`
	MarginCall       bool    `json:"marginCall"`
	ForceLiquidation bool    `json:"forceLiquidation"`
}

// VaRMetrics holds a parametric value-at-risk estimate.
type VaRMetrics struct {
	VaR               float64 `json:"var"`
	ExpectedShortfall float64 `json:"expectedShortfall"`
	Confidence        float64 `json:"confidence"`
	HorizonDays       float64 `json:"horizonDays"`
	DailyVolatility   float64 `json:"dailyVolatility"`
}

// RiskReport combines margin, VaR and post-trade metrics into a single
// 0-100 score with recommendations.
type RiskReport struct {
	UserID          string        `json:"userId"`
	RiskScore       float64       `json:"riskScore"`
	MarginStatus    *MarginStatus `json:"marginStatus"`
	VaRMetrics      *VaRMetrics   `json:"varMetrics"`
	RiskMetrics     *RiskMetrics  `json:"riskMetrics"`
	Alerts          []string      `json:"alerts"`
	Recommendations []string      `json:"recommendations"`
	GeneratedAt     time.Time     `json:"generatedAt"`
}

// PriceFunc resolves the current mark price for a contract symbol. It
// must be cheap and in-memory; the risk manager never performs I/O.
type PriceFunc func(symbol string) float64

// RiskManager computes pre-trade eligibility and post-trade metrics.
// It reads positions, contracts and accounts and recommends; the order
// manager enacts. The only state it writes is the account's available
// margin figure, updated on each margin sweep.
type RiskManager struct {
	limits   RiskLimits
	store    Store
	priceOf  PriceFunc
	dailyVol float64
	logger   *zap.Logger
}

// NewRiskManager creates a risk manager. dailyVol is the assumed daily
// volatility used for parametric VaR.
func NewRiskManager(limits RiskLimits, store Store, priceOf PriceFunc, dailyVol float64, logger *zap.Logger) *RiskManager {
	if dailyVol <= 0 {
		dailyVol = 0.02
	}
	return &RiskManager{
		limits:   limits,
		store:    store,
		priceOf:  priceOf,
		dailyVol: dailyVol,
		logger:   logger,
	}
}

// Limits returns the configured limits.
func (rm *RiskManager) Limits() RiskLimits { return rm.limits }

// exposures returns the per-symbol absolute exposure of a user's open
// positions at current mark prices, plus the total.
func (rm *RiskManager) exposures(userID string) (map[string]float64, float64, error) {
	positions, err := rm.store.UserPositions(userID)
	if err != nil {
		return nil, 0, err
	}

	bySymbol := make(map[string]float64, len(positions))
	total := 0.0
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		mark := rm.priceOf(p.Symbol)
		if mark <= 0 {
			mark = p.AvgEntryPrice
		}
		e := math.Abs(p.Quantity) * mark
		bySymbol[p.Symbol] += e
		total += e
	}
	return bySymbol, total, nil
}

// CheckPreTradeRisk gates an order submission. The four checks run in
// order and the first failure wins.
func (rm *RiskManager) CheckPreTradeRisk(userID string, contract *Contract, quantity, price float64) RiskCheckResult {
	orderExposure := quantity * price

	// (a) per-contract position size
	if orderExposure > rm.limits.MaxPositionSize*price {
		return RiskCheckResult{
			Reason: fmt.Sprintf("order size %.2f exceeds max position size %.2f for %s",
				quantity, rm.limits.MaxPositionSize, contract.Symbol),
		}
	}

	bySymbol, total, err := rm.exposures(userID)
	if err != nil {
		rm.logger.Error("pre-trade exposure lookup failed",
			zap.String("user", userID), zap.Error(err))
		return RiskCheckResult{Reason: "exposure lookup failed"}
	}

	// (b) total exposure including the new order
	if total+orderExposure > rm.limits.MaxTotalExposure {
		return RiskCheckResult{
			Reason: fmt.Sprintf("total exposure %.2f would exceed limit %.2f",
				total+orderExposure, rm.limits.MaxTotalExposure),
		}
	}

	// (c) available margin
	required := quantity * contract.InitialMargin
	account, err := rm.store.GetAccount(userID)
	if err != nil {
		return RiskCheckResult{Reason: "account not found"}
	}
	if account.MarginAvailable < required {
		return RiskCheckResult{
			Reason: fmt.Sprintf("insufficient margin: available %.2f, required %.2f",
				account.MarginAvailable, required),
		}
	}

	// (d) concentration after the order
	newTotal := total + orderExposure
	if newTotal > 0 {
		largest := bySymbol[contract.Symbol] + orderExposure
		for sym, e := range bySymbol {
			if sym == contract.Symbol {
				continue
			}
			if e > largest {
				largest = e
			}
		}
		if largest/newTotal > rm.limits.ConcentrationLimit {
			return RiskCheckResult{
				Reason: fmt.Sprintf("concentration %.2f would exceed limit %.2f",
					largest/newTotal, rm.limits.ConcentrationLimit),
			}
		}
	}

	return RiskCheckResult{Allowed: true}
}

// CheckPostTradeRisk computes current risk metrics for a user.
func (rm *RiskManager) CheckPostTradeRisk(userID string) (*RiskMetrics, error) {
	positions, err := rm.store.UserPositions(userID)
	if err != nil {
		return nil, err
	}
	account, err := rm.store.GetAccount(userID)
	if err != nil {
		return nil, err
	}

	m := &RiskMetrics{}
	largest := 0.0
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		mark := rm.priceOf(p.Symbol)
		if mark <= 0 {
			mark = p.AvgEntryPrice
		}
		e := math.Abs(p.Quantity) * mark
		m.TotalExposure += e
		if e > largest {
			largest = e
		}
		m.UnrealizedPnL += (mark - p.AvgEntryPrice) * p.Quantity
		m.RealizedPnL += p.RealizedPnL
	}

	if account.Balance > 0 {
		m.Leverage = m.TotalExposure / account.Balance
	}
	if m.TotalExposure > 0 {
		m.Concentration = largest / m.TotalExposure
	}

	if m.Leverage > 5 {
		m.Warnings = append(m.Warnings, fmt.Sprintf("leverage %.2fx exceeds 5x", m.Leverage))
	}
	if m.Concentration > rm.limits.ConcentrationLimit {
		m.Warnings = append(m.Warnings, fmt.Sprintf("concentration %.2f exceeds limit %.2f",
			m.Concentration, rm.limits.ConcentrationLimit))
	}
	if m.TotalExposure > 0 && m.UnrealizedPnL < -0.10*m.TotalExposure {
		m.Warnings = append(m.Warnings, fmt.Sprintf("unrealized loss %.2f below -10%% of exposure", m.UnrealizedPnL))
	}

	switch len(m.Warnings) {
	case 0:
		m.Level = "LOW"
	case 1:
		m.Level = "MEDIUM"
	default:
		m.Level = "HIGH"
	}
	return m, nil
}

// MonitorMarginRequirements sweeps a user's positions, reports margin
// call and force liquidation status and updates the account's
// available margin as a side effect.
func (rm *RiskManager) MonitorMarginRequirements(userID string) (*MarginStatus, error) {
	positions, err := rm.store.UserPositions(userID)
	if err != nil {
		return nil, err
	}
	account, err := rm.store.GetAccount(userID)
	if err != nil {
		return nil, err
	}

	status := &MarginStatus{}
	unrealized := 0.0
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		contract, err := rm.store.GetContract(p.Symbol)
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", p.Symbol, err)
		}
		status.RequiredMargin += math.Abs(p.Quantity) * contract.MaintenanceMargin
		mark := rm.priceOf(p.Symbol)
		if mark <= 0 {
			mark = p.AvgEntryPrice
		}
		unrealized += (mark - p.AvgEntryPrice) * p.Quantity
	}

	status.Equity = account.Balance + unrealized
	if status.Equity <= 0 {
		status.Utilization = 1.0
	} else {
		status.Utilization = status.RequiredMargin / status.Equity
		if status.Utilization > 1.0 {
			status.Utilization = 1.0
		}
	}

	status.MarginCall = status.Utilization > rm.limits.MarginCallThreshold
	status.ForceLiquidation = status.Utilization > rm.limits.ForceLiquidationThreshold

	account.MarginAvailable = status.Equity - status.RequiredMargin
	if account.MarginAvailable < 0 {
		account.MarginAvailable = 0
	}
	account.UpdatedAt = time.Now()
	if err := rm.store.SaveAccount(account); err != nil {
		return nil, fmt.Errorf("save account %s: %w", userID, err)
	}

	if status.ForceLiquidation {
		rm.logger.Warn("force liquidation threshold breached",
			zap.String("user", userID),
			zap.Float64("utilization", status.Utilization))
	} else if status.MarginCall {
		rm.logger.Warn("margin call",
			zap.String("user", userID),
			zap.Float64("utilization", status.Utilization))
	}
	return status, nil
}

// zScore maps a confidence level to its one-tailed normal quantile.
func zScore(confidence float64) float64 {
	switch {
	case confidence >= 0.99:
		return 2.33
	case confidence >= 0.95:
		return 1.65
	default:
		return 1.28
	}
}

// CalculateVaR computes parametric value at risk over a horizon in
// days. Expected shortfall is reported as 1.3x VaR, a documented
// simplification rather than a formal CVaR computation.
func (rm *RiskManager) CalculateVaR(userID string, confidence, horizonDays float64) (*VaRMetrics, error) {
	_, total, err := rm.exposures(userID)
	if err != nil {
		return nil, err
	}
	if horizonDays <= 0 {
		horizonDays = 1
	}

	v := total * rm.dailyVol * zScore(confidence) * math.Sqrt(horizonDays)
	return &VaRMetrics{
		VaR:               v,
		ExpectedShortfall: 1.3 * v,
		Confidence:        confidence,
		HorizonDays:       horizonDays,
		DailyVolatility:   rm.dailyVol,
	}, nil
}

// GenerateRiskReport combines margin status, VaR and post-trade
// metrics into a weighted 0-100 score plus recommendations.
func (rm *RiskManager) GenerateRiskReport(userID string) (*RiskReport, error) {
	margin, err := rm.MonitorMarginRequirements(userID)
	if err != nil {
		return nil, err
	}
	metrics, err := rm.CheckPostTradeRisk(userID)
	if err != nil {
		return nil, err
	}
	varMetrics, err := rm.CalculateVaR(userID, 0.95, 1)
	if err != nil {
		return nil, err
	}

	report := &RiskReport{
		UserID:       userID,
		MarginStatus: margin,
		VaRMetrics:   varMetrics,
		RiskMetrics:  metrics,
		GeneratedAt:  time.Now(),
	}

	varRatio := 0.0
	if metrics.TotalExposure > 0 {
		varRatio = varMetrics.VaR / metrics.TotalExposure
	}
	score := 35*clamp01(margin.Utilization) +
		25*clamp01(metrics.Leverage/10) +
		20*clamp01(metrics.Concentration/rm.limits.ConcentrationLimit) +
		20*clamp01(varRatio/0.2)
	report.RiskScore = math.Round(score*100) / 100

	report.Alerts = append(report.Alerts, metrics.Warnings...)
	if margin.ForceLiquidation {
		report.Alerts = append(report.Alerts, "margin utilization above force-liquidation threshold")
		report.Recommendations = append(report.Recommendations, "close positions immediately to avoid forced liquidation")
	} else if margin.MarginCall {
		report.Alerts = append(report.Alerts, "margin utilization above margin-call threshold")
		report.Recommendations = append(report.Recommendations, "deposit funds or reduce positions to restore margin")
	}
	if metrics.Leverage > 5 {
		report.Recommendations = append(report.Recommendations, "reduce leverage below 5x")
	}
	if metrics.Concentration > rm.limits.ConcentrationLimit {
		report.Recommendations = append(report.Recommendations, "diversify exposure across contracts")
	}
	if len(report.Recommendations) == 0 {
		report.Recommendations = append(report.Recommendations, "risk profile within configured limits")
	}
	return report, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
