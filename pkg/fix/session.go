package fix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paperexch/derivsim/pkg/marketdata"
	"github.com/paperexch/derivsim/pkg/sim"
)

// Session errors.
var (
	ErrNotLoggedIn     = errors.New("session not logged in")
	ErrAlreadyLoggedIn = errors.New("session already logged in")
)

// State is the session state: LoggedOut -> LoggedIn -> LoggedOut.
type State int

const (
	StateLoggedOut State = iota
	StateLoggedIn
)

// Handler receives messages for one event category. One handler per
// category; the last registration wins.
type Handler func(*Message)

// SessionConfig holds session tunables.
type SessionConfig struct {
	SenderCompID string
	TargetCompID string

	// HeartbeatInterval drives idle heartbeats while logged in.
	HeartbeatInterval time.Duration

	// ExecReportDelay is the simulated exchange round-trip delay
	// before an execution report is emitted.
	ExecReportDelay time.Duration

	// MarketDataInterval is the emission period for subscribed
	// symbols.
	MarketDataInterval time.Duration
}

// DefaultSessionConfig returns the stock session parameters.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SenderCompID:       "DERIVSIM",
		TargetCompID:       "SIMEXCH",
		HeartbeatInterval:  30 * time.Second,
		ExecReportDelay:    50 * time.Millisecond,
		MarketDataInterval: 2 * time.Second,
	}
}

// Session simulates a two-way exchange connection wrapping the order
// manager's submit and cancel operations and re-publishing generator
// output as protocol messages. The sequence counter and login state
// are owned by the session instance, never package-level.
type Session struct {
	cfg    SessionConfig
	orders *sim.OrderManager
	md     *marketdata.Generator
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	seqNum uint64

	execHandler  Handler
	mdHandler    Handler
	adminHandler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a logged-out session.
func NewSession(cfg SessionConfig, orders *sim.OrderManager, md *marketdata.Generator, logger *zap.Logger) *Session {
	return &Session{
		cfg:    cfg,
		orders: orders,
		md:     md,
		logger: logger,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SeqNum returns the last assigned outbound sequence number.
func (s *Session) SeqNum() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqNum
}

// nextSeq increments and returns the outbound sequence number. Callers
// hold s.mu. Sequence numbers are never reused or decremented.
func (s *Session) nextSeq() uint64 {
	s.seqNum++
	return s.seqNum
}

// RegisterExecutionHandler installs the execution report handler.
func (s *Session) RegisterExecutionHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execHandler = h
}

// RegisterMarketDataHandler installs the market data handler.
func (s *Session) RegisterMarketDataHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mdHandler = h
}

// RegisterAdminHandler installs the handler for logon acks, logouts
// and heartbeats.
func (s *Session) RegisterAdminHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adminHandler = h
}

func (s *Session) stamp(m *Message, seq uint64) *Message {
	m.Append(TagSenderCompID, s.cfg.SenderCompID)
	m.Append(TagTargetCompID, s.cfg.TargetCompID)
	m.AppendInt(TagMsgSeqNum, int(seq))
	m.Append(TagSendingTime, time.Now().UTC().Format("20060102-15:04:05.000"))
	return m
}

// Logon is the only legal transition out of LoggedOut. The simulated
// exchange acknowledges synchronously.
func (s *Session) Logon(username, password string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateLoggedIn {
		return nil, ErrAlreadyLoggedIn
	}
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: missing credentials", ErrParse)
	}

	logon := NewMessage(MsgTypeLogon)
	logon.AppendInt(TagEncryptMeth, 0)
	logon.AppendInt(TagHeartBtInt, int(s.cfg.HeartbeatInterval.Seconds()))
	logon.Append(TagUsername, username)
	s.stamp(logon, s.nextSeq())

	s.state = StateLoggedIn
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.cfg.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop(s.ctx)
	}

	// Simulated exchange ack.
	ack := NewMessage(MsgTypeLogon)
	ack.AppendInt(TagEncryptMeth, 0)
	ack.AppendInt(TagHeartBtInt, int(s.cfg.HeartbeatInterval.Seconds()))
	s.logger.Info("fix session logged in",
		zap.String("sender", s.cfg.SenderCompID),
		zap.Uint64("seq", s.seqNum))
	return ack, nil
}

// Logout ends the session and stops all subscriptions.
func (s *Session) Logout() error {
	s.mu.Lock()
	if s.state != StateLoggedIn {
		s.mu.Unlock()
		return ErrNotLoggedIn
	}

	msg := NewMessage(MsgTypeLogout)
	s.stamp(msg, s.nextSeq())
	s.state = StateLoggedOut
	cancel := s.cancel
	handler := s.adminHandler
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	if handler != nil {
		handler(msg)
	}
	s.logger.Info("fix session logged out")
	return nil
}

// SendNewOrder submits an order through the session. It returns the
// generated client order id immediately; the execution report arrives
// asynchronously on the execution handler after the simulated delay.
func (s *Session) SendNewOrder(userID string, req sim.OrderRequest) (string, error) {
	s.mu.Lock()
	if s.state != StateLoggedIn {
		s.mu.Unlock()
		return "", ErrNotLoggedIn
	}

	clOrdID := uuid.NewString()
	msg := NewMessage(MsgTypeNewOrder)
	msg.Append(TagClOrdID, clOrdID)
	msg.Append(TagSymbol, req.Symbol)
	msg.Append(TagSide, fixSide(req.Side))
	msg.Append(TagOrdType, fixOrdType(req.OrderType))
	msg.AppendFloat(TagOrderQty, req.Quantity)
	if req.Price > 0 {
		msg.AppendFloat(TagPrice, req.Price)
	}
	s.stamp(msg, s.nextSeq())
	ctx := s.ctx
	// Add while the logged-in state is still held so Logout cannot be
	// inside Wait with a zero counter when the Add fires.
	s.wg.Add(1)
	s.mu.Unlock()

	go s.simulateExecution(ctx, clOrdID, userID, req)

	return clOrdID, nil
}

// SendCancelOrder requests cancellation of a resting order through the
// session. The cancelled or rejected execution report arrives
// asynchronously on the execution handler after the simulated delay.
func (s *Session) SendCancelOrder(userID, orderID string) (string, error) {
	s.mu.Lock()
	if s.state != StateLoggedIn {
		s.mu.Unlock()
		return "", ErrNotLoggedIn
	}

	clOrdID := uuid.NewString()
	msg := NewMessage(MsgTypeCancelRequest)
	msg.Append(TagClOrdID, clOrdID)
	msg.Append(TagOrigClOrdID, orderID)
	msg.Append(TagOrderID, orderID)
	s.stamp(msg, s.nextSeq())
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go s.simulateCancel(ctx, clOrdID, userID, orderID)

	return clOrdID, nil
}

// simulateCancel mirrors simulateExecution for cancel requests.
func (s *Session) simulateCancel(ctx context.Context, clOrdID, userID, orderID string) {
	defer s.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.ExecReportDelay):
	}

	err := s.orders.CancelOrder(orderID, userID)

	report := NewMessage(MsgTypeExecReport)
	report.Append(TagClOrdID, clOrdID)
	report.Append(TagExecID, uuid.NewString())
	report.Append(TagOrigClOrdID, orderID)
	report.Append(TagOrderID, orderID)

	if err != nil {
		report.Append(TagExecType, "8") // rejected
		report.Append(TagOrdStatus, "8")
		report.Append(TagText, err.Error())
	} else {
		report.Append(TagExecType, "4") // cancelled
		report.Append(TagOrdStatus, "4")
	}

	s.mu.Lock()
	if s.state == StateLoggedIn {
		s.stamp(report, s.nextSeq())
	}
	handler := s.execHandler
	s.mu.Unlock()

	if handler != nil {
		handler(report)
	}
}

// simulateExecution performs the exchange round trip: after a short
// delay the order is run through the order manager and an execution
// report is delivered. Fire and forget; never blocks the submitter.
func (s *Session) simulateExecution(ctx context.Context, clOrdID, userID string, req sim.OrderRequest) {
	defer s.wg.Done()

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.ExecReportDelay):
	}

	result, err := s.orders.SubmitOrder(userID, req)

	report := NewMessage(MsgTypeExecReport)
	report.Append(TagClOrdID, clOrdID)
	report.Append(TagExecID, uuid.NewString())
	report.Append(TagSymbol, req.Symbol)
	report.Append(TagSide, fixSide(req.Side))

	if err != nil {
		report.Append(TagExecType, "8") // rejected
		report.Append(TagOrdStatus, "8")
		report.Append(TagText, err.Error())
	} else {
		report.Append(TagOrderID, result.OrderID)
		switch result.Status {
		case sim.StatusFilled:
			report.Append(TagExecType, "F") // trade
			report.Append(TagOrdStatus, "2")
			var qty, avg float64
			for _, t := range result.Trades {
				qty += t.Quantity
				avg += (t.Price - avg) * t.Quantity / qty
			}
			report.AppendFloat(TagLastQty, qty)
			report.AppendFloat(TagLastPx, avg)
		default:
			report.Append(TagExecType, "0") // new, resting
			report.Append(TagOrdStatus, "0")
		}
	}

	s.mu.Lock()
	if s.state == StateLoggedIn {
		s.stamp(report, s.nextSeq())
	}
	handler := s.execHandler
	s.mu.Unlock()

	if handler != nil {
		handler(report)
	}
}

// SubscribeMarketData begins periodic emission of incremental updates
// for the given symbols until logout.
func (s *Session) SubscribeMarketData(symbols []string) (string, error) {
	s.mu.Lock()
	if s.state != StateLoggedIn {
		s.mu.Unlock()
		return "", ErrNotLoggedIn
	}

	reqID := uuid.NewString()
	msg := NewMessage(MsgTypeMDRequest)
	msg.Append(TagMDReqID, reqID)
	msg.AppendInt(TagNoRelatedSym, len(symbols))
	for _, sym := range symbols {
		msg.Append(TagSymbol, sym)
	}
	s.stamp(msg, s.nextSeq())
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	go s.marketDataLoop(ctx, reqID, symbols)

	return reqID, nil
}

func (s *Session) marketDataLoop(ctx context.Context, reqID string, symbols []string) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.MarketDataInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range symbols {
				snap, err := s.md.CurrentPrice(sym)
				if err != nil {
					s.logger.Warn("market data emission skipped",
						zap.String("symbol", sym), zap.Error(err))
					continue
				}
				s.emitMarketData(reqID, snap)
			}
		}
	}
}

func (s *Session) emitMarketData(reqID string, snap *marketdata.Snapshot) {
	msg := NewMessage(MsgTypeMDIncremental)
	msg.Append(TagMDReqID, reqID)
	msg.Append(TagSymbol, snap.Symbol)
	msg.Append(TagMDEntryType, "0") // bid
	msg.AppendFloat(TagMDEntryPx, snap.Bid)
	msg.Append(TagMDEntryType, "1") // offer
	msg.AppendFloat(TagMDEntryPx, snap.Ask)
	msg.AppendFloat(TagMDEntrySize, snap.Volume)

	s.mu.Lock()
	if s.state != StateLoggedIn {
		s.mu.Unlock()
		return
	}
	s.stamp(msg, s.nextSeq())
	handler := s.mdHandler
	s.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := NewMessage(MsgTypeHeartbeat)
			s.mu.Lock()
			if s.state != StateLoggedIn {
				s.mu.Unlock()
				return
			}
			s.stamp(msg, s.nextSeq())
			handler := s.adminHandler
			s.mu.Unlock()

			if handler != nil {
				handler(msg)
			}
		}
	}
}

func fixSide(side string) string {
	if side == "sell" || side == "SELL" {
		return "2"
	}
	return "1"
}

func fixOrdType(t string) string {
	switch t {
	case "limit", "LIMIT":
		return "2"
	case "stop", "STOP":
		return "3"
	default:
		return "1"
	}
}
