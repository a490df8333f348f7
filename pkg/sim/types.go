// Package sim implements the simulated derivatives trading core:
// order lifecycle, matching, position accounting and risk management.
package sim

import (
	"time"
)

// Side represents order side (buy/sell)
type Side int

const (
	Buy Side = iota
	Sell
)

// String returns the wire name of the side.
func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// ParseSide converts a textual side into a Side.
func ParseSide(v string) (Side, error) {
	switch v {
	case "buy", "BUY":
		return Buy, nil
	case "sell", "SELL":
		return Sell, nil
	}
	return 0, ErrInvalidSide
}

// OrderType represents the type of order
type OrderType int

const (
	Market OrderType = iota
	Limit
	Stop
)

func (t OrderType) String() string {
	switch t {
	case Market:
		return "market"
	case Limit:
		return "limit"
	case Stop:
		return "stop"
	}
	return "unknown"
}

// ParseOrderType converts a textual order type into an OrderType.
func ParseOrderType(v string) (OrderType, error) {
	switch v {
	case "market", "MARKET":
		return Market, nil
	case "limit", "LIMIT":
		return Limit, nil
	case "stop", "STOP":
		return Stop, nil
	}
	return 0, ErrInvalidOrderType
}

// OrderStatus represents order status. Transitions are one-way:
// pending -> filled | cancelled | rejected.
type OrderStatus int

const (
	StatusPending OrderStatus = iota
	StatusFilled
	StatusCancelled
	StatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusRejected:
		return "rejected"
	}
	return "unknown"
}

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s != StatusPending
}

// Contract represents a tradable derivatives contract. Immutable after
// creation except for the Active flag.
type Contract struct {
	Symbol            string
	Expiry            time.Time
	ContractSize      float64
	TickSize          float64
	InitialMargin     float64 // per unit
	MaintenanceMargin float64 // per unit
	Active            bool
}

// Order represents a trading order
type Order struct {
	ID             string
	UserID         string
	Symbol         string
	Side           Side
	Type           OrderType
	Quantity       float64
	LimitPrice     float64
	StopPrice      float64
	Status         OrderStatus
	FilledQuantity float64
	AvgFillPrice   float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Trade represents an executed trade. Immutable once created.
type Trade struct {
	ID          string
	Symbol      string
	UserID      string
	Quantity    float64
	Price       float64
	BuyOrderID  string
	SellOrderID string
	ExecutedAt  time.Time
}

// Position is keyed by (user, contract symbol). Quantity is signed,
// positive for long. AvgEntryPrice is 0 exactly when Quantity is 0.
type Position struct {
	UserID        string
	Symbol        string
	Quantity      float64
	AvgEntryPrice float64
	UnrealizedPnL float64
	RealizedPnL   float64
	Margin        float64
	UpdatedAt     time.Time
}

// Open reports whether the position has any exposure.
func (p *Position) Open() bool {
	return p != nil && p.Quantity != 0
}

// Account holds a user's balance and the margin figure maintained by
// the margin monitor.
type Account struct {
	UserID          string
	Balance         float64
	MarginAvailable float64
	UpdatedAt       time.Time
}

// RiskLimits holds process-wide risk configuration. Read-only at
// runtime.
type RiskLimits struct {
	MaxPositionSize           float64 // units per contract
	MaxTotalExposure          float64 // notional per user
	MarginCallThreshold       float64 // fraction of equity
	ForceLiquidationThreshold float64 // must exceed MarginCallThreshold
	ConcentrationLimit        float64 // largest position / total exposure
	DailyLossLimit            float64 // fraction of balance
	VolatilityExposureLimit   float64 // fraction of balance
}

// DefaultRiskLimits returns conservative simulation defaults.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionSize:           1000,
		MaxTotalExposure:          10_000_000,
		MarginCallThreshold:       0.80,
		ForceLiquidationThreshold: 0.95,
		ConcentrationLimit:        0.40,
		DailyLossLimit:            0.10,
		VolatilityExposureLimit:   0.25,
	}
}

// OrderRequest is the transport-facing submission payload.
type OrderRequest struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	OrderType string  `json:"orderType"`
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
	StopPrice float64 `json:"stopPrice,omitempty"`
}

// OrderResult summarises a completed submission.
type OrderResult struct {
	OrderID string      `json:"orderId"`
	Status  OrderStatus `json:"status"`
	Trades  []*Trade    `json:"trades"`
}
