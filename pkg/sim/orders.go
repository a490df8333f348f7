package sim

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderManager owns order, trade and position lifecycle. It is the
// only component that mutates them; the risk manager recommends and
// the matching engine prices.
type OrderManager struct {
	store    Store
	risk     *RiskManager
	matching *MatchingEngine
	logger   *zap.Logger
	metrics  OrderMetrics

	// Per-(user,symbol) locks so trades apply to a position in match
	// order while unrelated positions update concurrently.
	posLocks map[string]*sync.Mutex
	mu       sync.Mutex
}

// OrderMetrics is the optional instrumentation hook; see pkg/metrics.
type OrderMetrics interface {
	OrderSubmitted(status string)
	TradeExecuted(symbol string, quantity float64)
	RiskRejected()
}

type noopOrderMetrics struct{}

func (noopOrderMetrics) OrderSubmitted(string)         {}
func (noopOrderMetrics) TradeExecuted(string, float64) {}
func (noopOrderMetrics) RiskRejected()                 {}

// NewOrderManager creates an order manager.
func NewOrderManager(store Store, risk *RiskManager, matching *MatchingEngine, logger *zap.Logger) *OrderManager {
	return &OrderManager{
		store:    store,
		risk:     risk,
		matching: matching,
		logger:   logger,
		metrics:  noopOrderMetrics{},
		posLocks: make(map[string]*sync.Mutex),
	}
}

// SetMetrics installs an instrumentation hook.
func (om *OrderManager) SetMetrics(m OrderMetrics) {
	if m != nil {
		om.metrics = m
	}
}

func (om *OrderManager) positionLock(userID, symbol string) *sync.Mutex {
	om.mu.Lock()
	defer om.mu.Unlock()

	key := userID + "/" + symbol
	l, ok := om.posLocks[key]
	if !ok {
		l = &sync.Mutex{}
		om.posLocks[key] = l
	}
	return l
}

// SubmitOrder validates a request, gates it through risk, matches it
// and applies resulting trades to the user's position.
func (om *OrderManager) SubmitOrder(userID string, req OrderRequest) (*OrderResult, error) {
	side, err := ParseSide(req.Side)
	if err != nil {
		return nil, err
	}
	orderType, err := ParseOrderType(req.OrderType)
	if err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if orderType == Limit && req.Price <= 0 {
		return nil, ErrInvalidPrice
	}
	if orderType == Stop {
		// Recognized but never executed; rejected at the boundary.
		return nil, ErrUnsupportedOrderType
	}

	contract, err := om.store.GetContract(req.Symbol)
	if err != nil || contract == nil || !contract.Active {
		return nil, ErrContractNotFound
	}

	estPrice := om.matching.LastPrice(contract.Symbol)
	if orderType == Limit {
		estPrice = req.Price
	}
	check := om.risk.CheckPreTradeRisk(userID, contract, req.Quantity, estPrice)
	if !check.Allowed {
		om.metrics.RiskRejected()
		return nil, fmt.Errorf("%w: %s", ErrRiskRejected, check.Reason)
	}

	now := time.Now()
	order := &Order{
		ID:         uuid.NewString(),
		UserID:     userID,
		Symbol:     contract.Symbol,
		Side:       side,
		Type:       orderType,
		Quantity:   req.Quantity,
		LimitPrice: req.Price,
		StopPrice:  req.StopPrice,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := om.store.SaveOrder(order); err != nil {
		return nil, fmt.Errorf("save order: %w", err)
	}

	trades, status, err := om.matching.Execute(order, contract)
	if err != nil {
		order.Status = StatusRejected
		order.UpdatedAt = time.Now()
		if saveErr := om.store.SaveOrder(order); saveErr != nil {
			om.logger.Error("consistency fault: rejected order not persisted",
				zap.String("order", order.ID), zap.Error(saveErr))
		}
		om.metrics.OrderSubmitted(order.Status.String())
		return nil, err
	}

	if err := om.applyTrades(order, trades); err != nil {
		// The match already happened; a persistence failure here is a
		// consistency fault, surfaced rather than swallowed.
		om.logger.Error("consistency fault: trade matched but not persisted",
			zap.String("order", order.ID),
			zap.String("user", userID),
			zap.Error(err))
		return nil, fmt.Errorf("persist after match: %w", err)
	}

	order.Status = status
	order.UpdatedAt = time.Now()
	if err := om.store.SaveOrder(order); err != nil {
		om.logger.Error("consistency fault: final order state not persisted",
			zap.String("order", order.ID), zap.Error(err))
		return nil, fmt.Errorf("persist order: %w", err)
	}

	om.metrics.OrderSubmitted(order.Status.String())
	om.logger.Info("order processed",
		zap.String("order", order.ID),
		zap.String("user", userID),
		zap.String("symbol", order.Symbol),
		zap.String("status", order.Status.String()),
		zap.Int("trades", len(trades)))

	return &OrderResult{OrderID: order.ID, Status: order.Status, Trades: trades}, nil
}

// applyTrades persists trades and folds them into the order's fill
// figures and the user's position, in match order.
func (om *OrderManager) applyTrades(order *Order, trades []*Trade) error {
	for _, t := range trades {
		if err := om.store.SaveTrade(t); err != nil {
			return fmt.Errorf("save trade %s: %w", t.ID, err)
		}
		if err := om.updatePosition(order.UserID, order.Symbol, order.Side, t.Quantity, t.Price); err != nil {
			return err
		}

		order.FilledQuantity += t.Quantity
		// Weighted average over fills.
		order.AvgFillPrice += (t.Price - order.AvgFillPrice) * t.Quantity / order.FilledQuantity

		om.metrics.TradeExecuted(t.Symbol, t.Quantity)
	}
	return nil
}

// updatePosition applies one signed fill to a (user, symbol) position.
// Invariants: quantity is the signed sum of fills since the position
// was last flat; average entry price is 0 exactly when quantity is 0;
// crossing zero realizes the closed value and reopens at the fill
// price.
func (om *OrderManager) updatePosition(userID, symbol string, side Side, quantity, price float64) error {
	lock := om.positionLock(userID, symbol)
	lock.Lock()
	defer lock.Unlock()

	pos, err := om.store.GetPosition(userID, symbol)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	if pos == nil {
		pos = &Position{UserID: userID, Symbol: symbol}
	}

	dq := quantity
	if side == Sell {
		dq = -quantity
	}

	oldQty := pos.Quantity
	newQty := oldQty + dq

	switch {
	case oldQty == 0 || sameSign(oldQty, dq):
		// Opening or adding: weighted average entry price.
		pos.AvgEntryPrice = (oldQty*pos.AvgEntryPrice + dq*price) / newQty
	case math.Abs(dq) < math.Abs(oldQty):
		// Partial close: realize PnL on the closed portion, average
		// entry price unchanged.
		pos.RealizedPnL += (price - pos.AvgEntryPrice) * -dq
	case newQty == 0:
		// Full close.
		pos.RealizedPnL += (price - pos.AvgEntryPrice) * oldQty
		pos.AvgEntryPrice = 0
		pos.UnrealizedPnL = 0
	default:
		// Flip through zero: close the old side, reopen the remainder
		// at the fill price.
		pos.RealizedPnL += (price - pos.AvgEntryPrice) * oldQty
		pos.AvgEntryPrice = price
	}

	pos.Quantity = newQty
	if contract, cerr := om.store.GetContract(symbol); cerr == nil && contract != nil {
		pos.Margin = math.Abs(newQty) * contract.MaintenanceMargin
	}
	pos.UpdatedAt = time.Now()

	if err := om.store.SavePosition(pos); err != nil {
		return fmt.Errorf("save position %s/%s: %w", userID, symbol, err)
	}
	return nil
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// CancelOrder transitions a pending order to cancelled. Only the
// owning user may cancel, and only while the order is still pending.
func (om *OrderManager) CancelOrder(orderID, userID string) error {
	order, err := om.store.GetOrder(orderID)
	if err != nil || order == nil {
		return ErrOrderNotFound
	}
	if order.UserID != userID || order.Status != StatusPending {
		return ErrOrderNotCancellable
	}

	order.Status = StatusCancelled
	order.UpdatedAt = time.Now()
	if err := om.store.SaveOrder(order); err != nil {
		return fmt.Errorf("persist cancel: %w", err)
	}

	om.logger.Info("order cancelled",
		zap.String("order", orderID), zap.String("user", userID))
	return nil
}

// GetUserOrders returns the user's orders, most recent first.
func (om *OrderManager) GetUserOrders(userID string, limit int) ([]*Order, error) {
	return om.store.UserOrders(userID, limit)
}

// GetUserTrades returns the user's trades, most recent first.
func (om *OrderManager) GetUserTrades(userID string, limit int) ([]*Trade, error) {
	return om.store.UserTrades(userID, limit)
}

// GetUserPositions returns the user's open positions.
func (om *OrderManager) GetUserPositions(userID string) ([]*Position, error) {
	return om.store.UserPositions(userID)
}

// UpdatePositionPnL recomputes unrealized PnL for every open position
// from the supplied prices. Called by the background sweep, never by
// request handlers directly.
func (om *OrderManager) UpdatePositionPnL(currentPrices map[string]float64) error {
	positions, err := om.store.AllPositions()
	if err != nil {
		return err
	}

	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		price, ok := currentPrices[p.Symbol]
		if !ok || price <= 0 {
			continue
		}

		// The snapshot from AllPositions may be stale by the time the
		// lock is held; re-read and touch only the mark-to-market
		// fields so a trade applied in between is never reverted.
		lock := om.positionLock(p.UserID, p.Symbol)
		lock.Lock()
		fresh, err := om.store.GetPosition(p.UserID, p.Symbol)
		if err != nil {
			lock.Unlock()
			return fmt.Errorf("load position %s/%s: %w", p.UserID, p.Symbol, err)
		}
		if fresh == nil || fresh.Quantity == 0 {
			lock.Unlock()
			continue
		}
		fresh.UnrealizedPnL = (price - fresh.AvgEntryPrice) * fresh.Quantity
		fresh.UpdatedAt = time.Now()
		err = om.store.SavePosition(fresh)
		lock.Unlock()
		if err != nil {
			return fmt.Errorf("save position %s/%s: %w", p.UserID, p.Symbol, err)
		}
	}
	return nil
}
