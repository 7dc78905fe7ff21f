package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"martingale-grid/internal/alert"
	"martingale-grid/internal/core"
	"martingale-grid/internal/exchange"
	"martingale-grid/internal/store"
	"martingale-grid/internal/strategy"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func boolPtr(v bool) *bool { return &v }

func testRules() core.Rules {
	return core.Rules{
		BaseAsset:   "BTC",
		QuoteAsset:  "USDT",
		MinQty:      dec("0.001"),
		MaxQty:      dec("10000"),
		QtyStep:     dec("0.001"),
		MinNotional: dec("5"),
		PriceTick:   dec("0.01"),
	}
}

func testParams() strategy.Params {
	return strategy.Params{
		Pair:           "BTCUSDT",
		InstanceID:     "bot1",
		StartOnBuy:     true,
		DepositFirst:   dec("3"),
		DepositSecond:  dec("300"),
		OrderQ:         3,
		Martin:         dec("2"),
		OverPrice:      dec("10"),
		LinearGridK:    dec("0"),
		ProfitPct:      dec("1"),
		Fee:            core.FeeConfig{InPair: true},
		ReverseEnabled: boolPtr(false),
	}
}

// fakeGateway is a minimal in-memory exchange; a mutex guards it because the
// runner drives the cycle from its own goroutine in these tests.
type fakeGateway struct {
	mu     sync.Mutex
	nextID int
	open   map[string]core.Order
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{open: make(map[string]core.Order)}
}

func (f *fakeGateway) PlaceLimitOrder(_ context.Context, order core.Order) (core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	order.ID = fmt.Sprintf("EX-%d", f.nextID)
	order.Status = core.OrderNew
	f.open[order.ID] = order
	return order, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[orderID]; !ok {
		return core.ErrOrderNotFound
	}
	delete(f.open, orderID)
	return nil
}

func (f *fakeGateway) OpenOrders(_ context.Context, _ string) ([]core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Order, 0, len(f.open))
	for _, o := range f.open {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeGateway) MyTrades(_ context.Context, _ string, _ int) ([]core.Trade, error) {
	return nil, nil
}

func (f *fakeGateway) Balances(_ context.Context) (core.Balance, error) {
	return core.Balance{Base: dec("3"), Quote: dec("1000")}, nil
}

func (f *fakeGateway) Ticker(_ context.Context, _ string) (core.Ticker, error) {
	return core.Ticker{Symbol: "BTCUSDT", LastPrice: dec("100")}, nil
}

func (f *fakeGateway) Klines(_ context.Context, _, _ string, _ int) ([]core.Candle, error) {
	return nil, nil
}

func (f *fakeGateway) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

func (f *fakeGateway) anyOpen() (core.Order, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.open {
		return o, true
	}
	return core.Order{}, false
}

func fillUpdate(o core.Order, tradeID string) exchange.OrderUpdate {
	return exchange.OrderUpdate{
		OrderID:   o.ID,
		ClientID:  o.ClientID,
		Pair:      o.Symbol,
		Side:      o.Side,
		Status:    core.OrderFilled,
		Price:     o.Price,
		OrderQty:  o.Qty,
		LastQty:   o.Qty,
		LastQuote: o.Qty.Mul(o.Price),
		CumQty:    o.Qty,
		CumQuote:  o.Qty.Mul(o.Price),
		TradeID:   tradeID,
		IsMaker:   true,
		Time:      time.Now(),
	}
}

// fakeStreamer hands out the same channel on every subscription and counts
// how often it was asked.
type fakeStreamer struct {
	mu   sync.Mutex
	subs int
	ch   chan exchange.StreamEvent
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{ch: make(chan exchange.StreamEvent, 64)}
}

func (s *fakeStreamer) Subscribe(_ context.Context, _ string) (<-chan exchange.StreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs++
	return s.ch, nil
}

func (s *fakeStreamer) subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAlerter) Important(event string, _ map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *fakeAlerter) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

func TestRunnerBootstrapFreshPlacesGrid(t *testing.T) {
	gw := newFakeGateway()
	cycle := strategy.NewCycle(testParams(), testRules(), gw, zap.NewNop())
	streamer := newFakeStreamer()
	r := &Runner{
		Streamer:   streamer,
		Cycle:      cycle,
		Pair:       "BTCUSDT",
		InstanceID: "bot1",
		Log:        zap.NewNop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return gw.openCount() > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, 3, gw.openCount())
}

func TestRunnerBootstrapRestoresSnapshot(t *testing.T) {
	st, err := store.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	gw := newFakeGateway()
	ctx := context.Background()

	first := strategy.NewCycle(testParams(), testRules(), gw, zap.NewNop())
	first.SetSaver(st)
	require.NoError(t, first.Start(ctx))
	require.Equal(t, 3, gw.openCount())

	second := strategy.NewCycle(testParams(), testRules(), gw, zap.NewNop())
	second.SetSaver(st)
	r := &Runner{Cycle: second, Store: st, Pair: "BTCUSDT", Log: zap.NewNop()}
	require.NoError(t, r.bootstrap(ctx))

	require.Equal(t, strategy.StateGridActive, second.State())
	// Reconcile found every persisted order still live; nothing re-placed.
	require.Equal(t, 3, gw.openCount())
}

func TestRunnerDeduplicatesTradeEvents(t *testing.T) {
	st, err := store.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	gw := newFakeGateway()
	cycle := strategy.NewCycle(testParams(), testRules(), gw, zap.NewNop())
	cycle.SetSaver(st)
	r := &Runner{Cycle: cycle, Store: st, Pair: "BTCUSDT", Log: zap.NewNop()}

	ctx := context.Background()
	require.NoError(t, cycle.Start(ctx))
	ord, ok := gw.anyOpen()
	require.True(t, ok)

	upd := fillUpdate(ord, "t1")
	require.NoError(t, r.handleOrderUpdate(ctx, upd))
	sumFirst, _ := cycle.SumAmounts()
	require.True(t, sumFirst.Equal(ord.Qty))

	// Replayed execution report: same order, same trade id.
	require.NoError(t, r.handleOrderUpdate(ctx, upd))
	again, _ := cycle.SumAmounts()
	require.True(t, again.Equal(sumFirst), "duplicate fill must not change the sums")

	seen, err := st.HasTradeKey("order:" + ord.ID + "|trade:t1")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestRunnerHandleCommands(t *testing.T) {
	gw := newFakeGateway()
	cycle := strategy.NewCycle(testParams(), testRules(), gw, zap.NewNop())
	alerts := &fakeAlerter{}
	r := &Runner{Cycle: cycle, Alerts: alerts, Pair: "BTCUSDT", Log: zap.NewNop()}

	r.handleCommand(alert.CmdStop)
	require.Equal(t, strategy.CommandStop, cycle.Command())

	r.handleCommand(alert.CmdRestart)
	require.Equal(t, strategy.CommandRestart, cycle.Command())

	r.handleCommand(alert.CmdStatus)
	require.True(t, alerts.has("status"))
}

func TestRunnerResubscribesAfterStreamError(t *testing.T) {
	gw := newFakeGateway()
	cycle := strategy.NewCycle(testParams(), testRules(), gw, zap.NewNop())
	streamer := newFakeStreamer()
	alerts := &fakeAlerter{}
	r := &Runner{
		Streamer:   streamer,
		Cycle:      cycle,
		Alerts:     alerts,
		Pair:       "BTCUSDT",
		InstanceID: "bot1",
		Log:        zap.NewNop(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return streamer.subscriptions() == 1 }, 2*time.Second, 10*time.Millisecond)
	streamer.ch <- exchange.StreamEvent{Type: exchange.EventError, Err: fmt.Errorf("ws closed")}

	// One second of backoff, then a fresh subscription.
	require.Eventually(t, func() bool { return streamer.subscriptions() >= 2 }, 5*time.Second, 20*time.Millisecond)
	require.True(t, alerts.has("stream_disconnected"))
	require.True(t, alerts.has("stream_reconnected"))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
