package strategy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"martingale-grid/internal/core"
	"martingale-grid/internal/exchange"
	"martingale-grid/internal/store"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func boolPtr(v bool) *bool { return &v }

// fakeGateway is an in-memory exchange: orders rest until the test fills or
// removes them.
type fakeGateway struct {
	nextID    int
	open      map[string]core.Order
	placed    []core.Order
	canceled  []string
	balance   core.Balance
	ticker    decimal.Decimal
	trades    []core.Trade
	klines    []core.Candle
	placeErr  error
	cancelErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		open:    make(map[string]core.Order),
		balance: core.Balance{Base: dec("3"), Quote: dec("1000")},
		ticker:  dec("100"),
	}
}

func (f *fakeGateway) PlaceLimitOrder(_ context.Context, order core.Order) (core.Order, error) {
	if f.placeErr != nil {
		return core.Order{}, f.placeErr
	}
	f.nextID++
	order.ID = fmt.Sprintf("EX-%d", f.nextID)
	order.Status = core.OrderNew
	f.open[order.ID] = order
	f.placed = append(f.placed, order)
	return order, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _ string, orderID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if _, ok := f.open[orderID]; !ok {
		return core.ErrOrderNotFound
	}
	delete(f.open, orderID)
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeGateway) OpenOrders(_ context.Context, _ string) ([]core.Order, error) {
	out := make([]core.Order, 0, len(f.open))
	for _, o := range f.open {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeGateway) MyTrades(_ context.Context, _ string, _ int) ([]core.Trade, error) {
	return f.trades, nil
}

func (f *fakeGateway) Balances(_ context.Context) (core.Balance, error) {
	return f.balance, nil
}

func (f *fakeGateway) Ticker(_ context.Context, _ string) (core.Ticker, error) {
	return core.Ticker{Symbol: "BTCUSDT", LastPrice: f.ticker}, nil
}

func (f *fakeGateway) Klines(_ context.Context, _, _ string, _ int) ([]core.Candle, error) {
	return f.klines, nil
}

// fill removes a resting order and reports the update the stream would carry.
func (f *fakeGateway) fill(orderID string) exchange.OrderUpdate {
	o := f.open[orderID]
	delete(f.open, orderID)
	return exchange.OrderUpdate{
		OrderID:   orderID,
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
		IsMaker:   true,
	}
}

type fakeSaver struct {
	docs []store.Document
}

func (s *fakeSaver) SaveSnapshot(doc store.Document) error {
	s.docs = append(s.docs, doc)
	return nil
}

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

func testParams() Params {
	return Params{
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
		Fee:            core.FeeConfig{MakerPct: dec("0.1"), TakerPct: dec("0.1"), InPair: true},
		ReverseEnabled: boolPtr(false),
	}
}

func newTestCycle(t *testing.T) (*Cycle, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	c := NewCycle(testParams(), testRules(), gw, zap.NewNop())
	return c, gw
}

func TestInitRejectsBadParams(t *testing.T) {
	gw := newFakeGateway()

	p := testParams()
	p.OrderQ = 0
	require.Error(t, NewCycle(p, testRules(), gw, nil).Init(context.Background()))

	p = testParams()
	p.Martin = dec("1")
	require.Error(t, NewCycle(p, testRules(), gw, nil).Init(context.Background()))

	p = testParams()
	p.CollectAssets = true
	p.GridOnly = true
	require.Error(t, NewCycle(p, testRules(), gw, nil).Init(context.Background()))

	p = testParams()
	p.ProfitMaxPct = dec("1.1") // below profit + round-trip fee
	require.Error(t, NewCycle(p, testRules(), gw, nil).Init(context.Background()))

	p = testParams()
	p.DepositSecond = decimal.Zero
	require.Error(t, NewCycle(p, testRules(), gw, nil).Init(context.Background()))
}

func TestStartPlacesBuyGridBelowMarket(t *testing.T) {
	c, gw := newTestCycle(t)
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))
	require.NoError(t, c.Start(ctx))

	require.Equal(t, StateGridActive, c.State())
	require.Equal(t, 3, c.ordersGrid.Len())
	require.Len(t, gw.open, 3)
	for _, o := range gw.placed {
		require.Equal(t, core.Buy, o.Side)
		require.True(t, o.Price.Cmp(dec("100")) <= 0, "rung %s above market", o.Price)
		require.True(t, o.Qty.Mul(o.Price).Cmp(testRules().MinNotional) >= 0)
	}
}

func TestMaxCountParksTailInHold(t *testing.T) {
	gw := newFakeGateway()
	p := testParams()
	p.MaxCount = 2
	c := NewCycle(p, testRules(), gw, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	require.Equal(t, 2, c.ordersGrid.Len())
	require.Equal(t, 1, c.ordersHold.Len())
	require.Len(t, gw.open, 2)
}

func TestGridFillReleasesHold(t *testing.T) {
	gw := newFakeGateway()
	p := testParams()
	p.MaxCount = 2
	c := NewCycle(p, testRules(), gw, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	first, ok := c.ordersGrid.First()
	require.True(t, ok)
	require.NoError(t, c.OnOrderUpdate(ctx, gw.fill(first.ID)))

	require.Equal(t, 2, c.ordersGrid.Len())
	require.True(t, c.ordersHold.Empty())
}

func TestFullDrainPlacesTakeProfit(t *testing.T) {
	c, gw := newTestCycle(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	for _, id := range c.ordersGrid.IDs() {
		require.NoError(t, c.OnOrderUpdate(ctx, gw.fill(id)))
	}

	require.Equal(t, StateTakeProfit, c.State())
	require.NotEmpty(t, c.tpOrderID)
	tp := gw.open[c.tpOrderID]
	require.Equal(t, core.Sell, tp.Side)

	// The TP must at least return the quote spent, fees included.
	sumFirst, sumSecond := c.SumAmounts()
	require.True(t, tp.Qty.Cmp(sumFirst) <= 0)
	require.True(t, tp.Qty.Mul(tp.Price).Cmp(sumSecond) > 0)
}

func TestPartialFillFoldingIsIdempotent(t *testing.T) {
	ctx := context.Background()

	c1, gw1 := newTestCycle(t)
	require.NoError(t, c1.Start(ctx))
	id1 := c1.ordersGrid.IDs()[0]
	o1 := gw1.open[id1]
	half := o1.Qty.Div(dec("2"))
	require.NoError(t, c1.OnOrderUpdate(ctx, exchange.OrderUpdate{
		OrderID:   id1,
		Status:    core.OrderPartiallyFilled,
		LastQty:   half,
		LastQuote: half.Mul(o1.Price),
		CumQty:    half,
		CumQuote:  half.Mul(o1.Price),
		IsMaker:   true,
	}))
	require.NoError(t, c1.OnOrderUpdate(ctx, gw1.fill(id1)))

	c2, gw2 := newTestCycle(t)
	require.NoError(t, c2.Start(ctx))
	id2 := c2.ordersGrid.IDs()[0]
	require.NoError(t, c2.OnOrderUpdate(ctx, gw2.fill(id2)))

	f1, s1 := c1.SumAmounts()
	f2, s2 := c2.SumAmounts()
	require.True(t, f1.Equal(f2), "sum first %s != %s", f1, f2)
	require.True(t, s1.Equal(s2), "sum second %s != %s", s1, s2)
	require.Empty(t, c1.partFills)
}

func TestTakeProfitFillFinishesCycleAndRestarts(t *testing.T) {
	c, gw := newTestCycle(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	for _, id := range c.ordersGrid.IDs() {
		require.NoError(t, c.OnOrderUpdate(ctx, gw.fill(id)))
	}
	require.Equal(t, StateTakeProfit, c.State())

	require.NoError(t, c.OnOrderUpdate(ctx, gw.fill(c.tpOrderID)))

	require.Equal(t, 1, c.CycleCount())
	require.Equal(t, StateGridActive, c.State())
	require.Equal(t, 3, c.ordersGrid.Len())
	_, profitSecond := c.Profit()
	require.True(t, profitSecond.Cmp(decimal.Zero) > 0, "profit %s", profitSecond)
}

func TestStopCommandHonoredAtCycleBoundary(t *testing.T) {
	c, gw := newTestCycle(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	for _, id := range c.ordersGrid.IDs() {
		require.NoError(t, c.OnOrderUpdate(ctx, gw.fill(id)))
	}

	c.OnCommand(CommandStop)
	require.Equal(t, StateTakeProfit, c.State(), "command must wait for the boundary")

	err := c.OnOrderUpdate(ctx, gw.fill(c.tpOrderID))
	require.ErrorIs(t, err, ErrStopped)
	require.True(t, c.Stopped())
	require.Equal(t, CommandStopped, c.Command())
}

func TestNegativeCumulativeProfitStops(t *testing.T) {
	c, gw := newTestCycle(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	for _, id := range c.ordersGrid.IDs() {
		require.NoError(t, c.OnOrderUpdate(ctx, gw.fill(id)))
	}

	// A TP that somehow executes for half its quote cannot cover the spend.
	tp := gw.open[c.tpOrderID]
	delete(gw.open, c.tpOrderID)
	err := c.OnOrderUpdate(ctx, exchange.OrderUpdate{
		OrderID:  c.tpOrderID,
		Status:   core.OrderFilled,
		CumQty:   tp.Qty,
		CumQuote: tp.Qty.Mul(tp.Price).Div(dec("2")),
	})
	require.ErrorIs(t, err, ErrNegativeCycle)
	require.True(t, c.Stopped())
}

func TestGridOnlySkipsTakeProfit(t *testing.T) {
	gw := newFakeGateway()
	p := testParams()
	p.GridOnly = true
	c := NewCycle(p, testRules(), gw, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	for _, id := range c.ordersGrid.IDs() {
		require.NoError(t, c.OnOrderUpdate(ctx, gw.fill(id)))
	}

	require.Empty(t, c.tpOrderID)
	require.Equal(t, 1, c.CycleCount())
	require.Equal(t, StateGridActive, c.State())
}

func TestExternalGridCancelParksInSave(t *testing.T) {
	c, gw := newTestCycle(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	id := c.ordersGrid.IDs()[0]
	delete(gw.open, id)
	require.NoError(t, c.OnOrderUpdate(ctx, exchange.OrderUpdate{
		OrderID: id,
		Status:  core.OrderCanceled,
	}))

	require.Equal(t, 2, c.ordersGrid.Len())
	require.Equal(t, 1, c.ordersSave.Len())
}

func TestCancelGridCreditsInterimPartialFill(t *testing.T) {
	c, gw := newTestCycle(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	// A partial fill lands just before the cancel; only the trade history
	// knows about it.
	id := c.ordersGrid.IDs()[0]
	o := gw.open[id]
	half := o.Qty.Div(dec("2"))
	gw.trades = []core.Trade{{
		OrderID:  id,
		TradeID:  "t1",
		Side:     core.Buy,
		Price:    o.Price,
		Qty:      half,
		QuoteQty: half.Mul(o.Price),
		Time:     time.Now(),
	}}

	require.NoError(t, c.cancelGrid(ctx, contNone))

	sumFirst, sumSecond := c.SumAmounts()
	require.True(t, sumFirst.Equal(half.Mul(dec("0.999"))), "sum first %s", sumFirst)
	require.True(t, sumSecond.Equal(half.Mul(o.Price)), "sum second %s", sumSecond)

	// The stream's late partial report must not count the fill a second time.
	require.NoError(t, c.OnOrderUpdate(ctx, exchange.OrderUpdate{
		OrderID:   id,
		Status:    core.OrderPartiallyFilled,
		LastQty:   half,
		LastQuote: half.Mul(o.Price),
		IsMaker:   true,
	}))
	again, _ := c.SumAmounts()
	require.True(t, again.Equal(sumFirst))
}

func TestGridUpdateWithInterimFillPlacesTakeProfit(t *testing.T) {
	gw := newFakeGateway()
	p := testParams()
	p.UpdateInterval = time.Minute
	c := NewCycle(p, testRules(), gw, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	id := c.ordersGrid.IDs()[0]
	o := gw.open[id]
	half := o.Qty.Div(dec("2"))
	gw.trades = []core.Trade{{
		OrderID:  id,
		TradeID:  "t1",
		Side:     core.Buy,
		Price:    o.Price,
		Qty:      half,
		QuoteQty: half.Mul(o.Price),
		Time:     time.Now(),
	}}

	// Price walks past the update threshold; the recenter tears the grid
	// down and discovers the interim fill.
	gw.ticker = dec("120")
	require.NoError(t, c.OnTicker(ctx, dec("120"), time.Now()))

	require.Equal(t, StateTakeProfit, c.State())
	require.NotEmpty(t, c.tpOrderID)
	sumFirst, _ := c.SumAmounts()
	require.True(t, sumFirst.Cmp(decimal.Zero) > 0)
}
