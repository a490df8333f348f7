package fix

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/paperexch/derivsim/pkg/marketdata"
	"github.com/paperexch/derivsim/pkg/sim"
	"github.com/paperexch/derivsim/pkg/store"
)

func newTestSession(t *testing.T) (*Session, *marketdata.Generator) {
	t.Helper()

	st := store.NewMemoryStore()
	require.NoError(t, st.SaveContract(&sim.Contract{
		Symbol:            "GOLD-2026DEC",
		TickSize:          0.10,
		InitialMargin:     220,
		MaintenanceMargin: 200,
		Active:            true,
	}))
	require.NoError(t, st.SaveAccount(&sim.Account{
		UserID:          "trader",
		Balance:         1_000_000,
		MarginAvailable: 1_000_000,
	}))

	matchCfg := sim.DefaultMatchingConfig()
	matchCfg.SeedPrices["GOLD-2026DEC"] = 1900
	matching := sim.NewMatchingEngine(matchCfg)
	risk := sim.NewRiskManager(sim.DefaultRiskLimits(), st, matching.LastPrice, 0.02, zap.NewNop())
	orders := sim.NewOrderManager(st, risk, matching, zap.NewNop())

	gen := marketdata.NewGenerator(marketdata.DefaultConfig(), nil, zap.NewNop())
	gen.RegisterContract("GOLD-2026DEC", 1900, 0.10)

	cfg := DefaultSessionConfig()
	cfg.ExecReportDelay = 5 * time.Millisecond
	cfg.MarketDataInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour // keep heartbeats out of assertions

	return NewSession(cfg, orders, gen, zap.NewNop()), gen
}

func TestSessionRequiresLogon(t *testing.T) {
	s, _ := newTestSession(t)

	_, err := s.SendNewOrder("trader", sim.OrderRequest{
		Symbol: "GOLD-2026DEC", Side: "buy", OrderType: "market", Quantity: 1,
	})
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	_, err = s.SubscribeMarketData([]string{"GOLD-2026DEC"})
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	assert.ErrorIs(t, s.Logout(), ErrNotLoggedIn)
}

func TestSessionLogonLogout(t *testing.T) {
	s, _ := newTestSession(t)

	adminCh := make(chan *Message, 8)
	s.RegisterAdminHandler(func(m *Message) { adminCh <- m })

	ack, err := s.Logon("trader", "secret")
	require.NoError(t, err)
	assert.Equal(t, MsgTypeLogon, ack.Type())
	assert.Equal(t, StateLoggedIn, s.State())

	_, err = s.Logon("trader", "secret")
	assert.ErrorIs(t, err, ErrAlreadyLoggedIn)

	require.NoError(t, s.Logout())
	assert.Equal(t, StateLoggedOut, s.State())

	select {
	case m := <-adminCh:
		assert.Equal(t, MsgTypeLogout, m.Type())
	case <-time.After(time.Second):
		t.Fatal("no logout message delivered")
	}
}

func TestLogonRequiresCredentials(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.Logon("", "")
	assert.Error(t, err)
	assert.Equal(t, StateLoggedOut, s.State())
}

func TestExecutionReportDelivery(t *testing.T) {
	s, _ := newTestSession(t)

	execCh := make(chan *Message, 1)
	s.RegisterExecutionHandler(func(m *Message) { execCh <- m })

	_, err := s.Logon("trader", "secret")
	require.NoError(t, err)
	defer s.Logout()

	clOrdID, err := s.SendNewOrder("trader", sim.OrderRequest{
		Symbol: "GOLD-2026DEC", Side: "buy", OrderType: "limit", Quantity: 5, Price: 1900,
	})
	require.NoError(t, err)
	require.NotEmpty(t, clOrdID)

	select {
	case report := <-execCh:
		assert.Equal(t, MsgTypeExecReport, report.Type())
		got, _ := report.Get(TagClOrdID)
		assert.Equal(t, clOrdID, got)
		execType, _ := report.Get(TagExecType)
		assert.Equal(t, "F", execType)
		qty, ok := report.GetFloat(TagLastQty)
		require.True(t, ok)
		assert.Equal(t, 5.0, qty)
		px, ok := report.GetFloat(TagLastPx)
		require.True(t, ok)
		assert.Equal(t, 1900.0, px)
	case <-time.After(time.Second):
		t.Fatal("no execution report delivered")
	}
}

func TestExecutionReportRejection(t *testing.T) {
	s, _ := newTestSession(t)

	execCh := make(chan *Message, 1)
	s.RegisterExecutionHandler(func(m *Message) { execCh <- m })

	_, err := s.Logon("trader", "secret")
	require.NoError(t, err)
	defer s.Logout()

	_, err = s.SendNewOrder("trader", sim.OrderRequest{
		Symbol: "NOPE-2026DEC", Side: "buy", OrderType: "market", Quantity: 1,
	})
	require.NoError(t, err)

	select {
	case report := <-execCh:
		execType, _ := report.Get(TagExecType)
		assert.Equal(t, "8", execType)
		text, ok := report.Get(TagText)
		require.True(t, ok)
		assert.NotEmpty(t, text)
	case <-time.After(time.Second):
		t.Fatal("no rejection report delivered")
	}
}

func TestOrderCancelThroughSession(t *testing.T) {
	s, _ := newTestSession(t)

	execCh := make(chan *Message, 4)
	s.RegisterExecutionHandler(func(m *Message) { execCh <- m })

	_, err := s.Logon("trader", "secret")
	require.NoError(t, err)
	defer s.Logout()

	// A buy below the reference rests pending.
	_, err = s.SendNewOrder("trader", sim.OrderRequest{
		Symbol: "GOLD-2026DEC", Side: "buy", OrderType: "limit", Quantity: 2, Price: 1800,
	})
	require.NoError(t, err)

	var orderID string
	select {
	case report := <-execCh:
		execType, _ := report.Get(TagExecType)
		require.Equal(t, "0", execType)
		orderID, _ = report.Get(TagOrderID)
		require.NotEmpty(t, orderID)
	case <-time.After(time.Second):
		t.Fatal("no acknowledgement delivered")
	}

	cancelID, err := s.SendCancelOrder("trader", orderID)
	require.NoError(t, err)
	require.NotEmpty(t, cancelID)

	select {
	case report := <-execCh:
		assert.Equal(t, MsgTypeExecReport, report.Type())
		got, _ := report.Get(TagClOrdID)
		assert.Equal(t, cancelID, got)
		execType, _ := report.Get(TagExecType)
		assert.Equal(t, "4", execType)
		orig, _ := report.Get(TagOrigClOrdID)
		assert.Equal(t, orderID, orig)
	case <-time.After(time.Second):
		t.Fatal("no cancel report delivered")
	}

	// A second cancel finds nothing pending and is rejected.
	again, err := s.SendCancelOrder("trader", orderID)
	require.NoError(t, err)
	select {
	case report := <-execCh:
		got, _ := report.Get(TagClOrdID)
		assert.Equal(t, again, got)
		execType, _ := report.Get(TagExecType)
		assert.Equal(t, "8", execType)
		text, ok := report.Get(TagText)
		require.True(t, ok)
		assert.NotEmpty(t, text)
	case <-time.After(time.Second):
		t.Fatal("no rejection report delivered")
	}
}

func TestCancelRequiresLogon(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.SendCancelOrder("trader", "some-order")
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestLogoutRacesInFlightSends(t *testing.T) {
	s, _ := newTestSession(t)

	for i := 0; i < 20; i++ {
		_, err := s.Logon("trader", "secret")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.SendNewOrder("trader", sim.OrderRequest{
					Symbol: "GOLD-2026DEC", Side: "buy", OrderType: "market", Quantity: 1,
				})
			}()
		}
		require.NoError(t, s.Logout())
		wg.Wait()
	}
}

func TestMarketDataSubscription(t *testing.T) {
	s, _ := newTestSession(t)

	mdCh := make(chan *Message, 64)
	s.RegisterMarketDataHandler(func(m *Message) { mdCh <- m })

	_, err := s.Logon("trader", "secret")
	require.NoError(t, err)

	reqID, err := s.SubscribeMarketData([]string{"GOLD-2026DEC"})
	require.NoError(t, err)

	select {
	case m := <-mdCh:
		assert.Equal(t, MsgTypeMDIncremental, m.Type())
		got, _ := m.Get(TagMDReqID)
		assert.Equal(t, reqID, got)
		sym, _ := m.Get(TagSymbol)
		assert.Equal(t, "GOLD-2026DEC", sym)
		bid, ok := m.GetFloat(TagMDEntryPx)
		require.True(t, ok)
		assert.Greater(t, bid, 0.0)
	case <-time.After(time.Second):
		t.Fatal("no market data delivered")
	}

	// Logout stops the subscription.
	require.NoError(t, s.Logout())
	for len(mdCh) > 0 {
		<-mdCh
	}
	select {
	case m := <-mdCh:
		t.Fatalf("unexpected message after logout: %s", m.Type())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSequenceNumbersMonotonic(t *testing.T) {
	s, _ := newTestSession(t)

	execCh := make(chan *Message, 4)
	s.RegisterExecutionHandler(func(m *Message) { execCh <- m })

	_, err := s.Logon("trader", "secret")
	require.NoError(t, err)
	afterLogon := s.SeqNum()
	assert.Equal(t, uint64(1), afterLogon)

	var seqs []uint64
	for i := 0; i < 3; i++ {
		_, err := s.SendNewOrder("trader", sim.OrderRequest{
			Symbol: "GOLD-2026DEC", Side: "buy", OrderType: "market", Quantity: 1,
		})
		require.NoError(t, err)
		seqs = append(seqs, s.SeqNum())
	}
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}

	// Execution reports consume sequence numbers too.
	for i := 0; i < 3; i++ {
		select {
		case <-execCh:
		case <-time.After(time.Second):
			t.Fatal("missing execution report")
		}
	}
	assert.GreaterOrEqual(t, s.SeqNum(), afterLogon+6)

	require.NoError(t, s.Logout())
}
